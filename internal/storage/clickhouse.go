package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter writes dispatch events to ClickHouse asynchronously.
// Write() is non-blocking — events are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DispatchEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// Ensure TLS is enabled for secure connections (e.g. ClickHouse Cloud
	// on port 9440). ParseDSN sets this when ?secure=true is in the DSN,
	// but we enforce it here as a safety net.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DispatchEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a dispatch event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *DispatchEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("call_id", event.CallID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DispatchEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*DispatchEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO dispatch_events (
			call_id, correlation_id, extension_id, timestamp,
			method, capability, trust_tier,
			policy_decision, policy_reason,
			risk_action, risk_score, risk_enforced,
			rollout_phase, outcome, reject_reason,
			params_preview, params_hash,
			latency_ms, decision_ms, ledger_hash
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var enforcedUint8 uint8
		if e.RiskEnforced {
			enforcedUint8 = 1
		}

		if err := batch.Append(
			e.CallID,
			e.CorrelationID,
			e.ExtensionID,
			e.Timestamp,
			e.Method,
			e.Capability,
			e.TrustTier,
			e.PolicyDecision,
			e.PolicyReason,
			e.RiskAction,
			e.RiskScore,
			enforcedUint8,
			e.RolloutPhase,
			e.Outcome,
			e.RejectReason,
			e.ParamsPreview,
			e.ParamsHash,
			e.LatencyMs,
			e.DecisionMs,
			e.LedgerHash,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("call_id", e.CallID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DispatchEvent) {
	w.logger.Info("dispatch_event",
		zap.String("call_id", event.CallID),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("extension_id", event.ExtensionID),
		zap.String("capability", event.Capability),
		zap.String("trust_tier", event.TrustTier),
		zap.String("policy_decision", event.PolicyDecision),
		zap.String("policy_reason", event.PolicyReason),
		zap.String("risk_action", event.RiskAction),
		zap.Float64("risk_score", event.RiskScore),
		zap.Bool("risk_enforced", event.RiskEnforced),
		zap.String("rollout_phase", event.RolloutPhase),
		zap.String("outcome", event.Outcome),
		zap.Float64("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
