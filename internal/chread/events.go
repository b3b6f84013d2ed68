package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse dispatch_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the dispatch_events table.
type EventRow struct {
	CallID         string
	CorrelationID  string
	ExtensionID    string
	Timestamp      time.Time
	Method         string
	Capability     string
	TrustTier      string
	PolicyDecision string
	PolicyReason   string
	RiskAction     string
	RiskScore      float32
	RiskEnforced   uint8
	RolloutPhase   string
	Outcome        string
	RejectReason   string
	ParamsPreview  string
	ParamsHash     string
	LatencyMs      float32
	DecisionMs     float32
	LedgerHash     string
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	ExtensionID  string
	Capability   *string
	Outcome      *string
	PolicyReason *string
	RiskEnforced *bool
	StartTime    *time.Time
	EndTime      *time.Time
	Page         int
	PageSize     int
}

const eventColumns = "call_id, correlation_id, extension_id, timestamp, " +
	"method, capability, trust_tier, " +
	"policy_decision, policy_reason, " +
	"risk_action, risk_score, risk_enforced, " +
	"rollout_phase, outcome, reject_reason, " +
	"params_preview, params_hash, " +
	"latency_ms, decision_ms, ledger_hash"

func scanEvent(row interface{ Scan(...any) error }, e *EventRow) error {
	return row.Scan(
		&e.CallID, &e.CorrelationID, &e.ExtensionID, &e.Timestamp,
		&e.Method, &e.Capability, &e.TrustTier,
		&e.PolicyDecision, &e.PolicyReason,
		&e.RiskAction, &e.RiskScore, &e.RiskEnforced,
		&e.RolloutPhase, &e.Outcome, &e.RejectReason,
		&e.ParamsPreview, &e.ParamsHash,
		&e.LatencyMs, &e.DecisionMs, &e.LedgerHash,
	)
}

// ListEvents returns paginated, filtered dispatch events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"extension_id = @extension_id"}
	args := []any{
		clickhouse.Named("extension_id", params.ExtensionID),
	}

	if params.Capability != nil {
		conditions = append(conditions, "capability = @capability")
		args = append(args, clickhouse.Named("capability", *params.Capability))
	}
	if params.Outcome != nil {
		conditions = append(conditions, "outcome = @outcome")
		args = append(args, clickhouse.Named("outcome", *params.Outcome))
	}
	if params.PolicyReason != nil {
		conditions = append(conditions, "policy_reason = @policy_reason")
		args = append(args, clickhouse.Named("policy_reason", *params.PolicyReason))
	}
	if params.RiskEnforced != nil {
		var v uint8
		if *params.RiskEnforced {
			v = 1
		}
		conditions = append(conditions, "risk_enforced = @risk_enforced")
		args = append(args, clickhouse.Named("risk_enforced", v))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM dispatch_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM dispatch_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := scanEvent(rows, &e); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by extension ID and call ID, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, extensionID, callID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM dispatch_events "+
			"WHERE extension_id = @extension_id AND call_id = @call_id", eventColumns),
		clickhouse.Named("extension_id", extensionID),
		clickhouse.Named("call_id", callID),
	)

	var e EventRow
	if err := scanEvent(row, &e); err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.CallID == "" {
		return nil, nil
	}
	return &e, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalCalls int `json:"total_calls"`
	Executed   int `json:"executed"`
	Rejected   int `json:"rejected"`
	Errors     int `json:"errors"`
	Cancelled  int `json:"cancelled"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// CapabilityCount holds a capability and its count.
type CapabilityCount struct {
	Capability string `json:"capability"`
	Count      int    `json:"count"`
}

// ShadowReportStats holds what enforcement would have done in shadow phases.
type ShadowReportStats struct {
	Total          int `json:"total"`
	WouldDeny      int `json:"would_deny"`
	ActuallyDenied int `json:"actually_denied"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// ExtensionCount holds an extension_id and its count.
type ExtensionCount struct {
	ExtensionID string `json:"extension_id"`
	Count       int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	RejectionsOverTime []TimeSeriesBucket `json:"rejections_over_time"`
	TopCapabilities    []CapabilityCount  `json:"top_capabilities"`
	ShadowReport       ShadowReportStats  `json:"shadow_report"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
	TopRejected        []ExtensionCount   `json:"top_rejected_extensions"`
}

// GetAnalytics returns aggregated analytics over the given number of days.
// An empty extensionID aggregates across all extensions.
func (r *Reader) GetAnalytics(ctx context.Context, extensionID string, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	scope := "extension_id = @extension_id OR @extension_id = ''"
	baseArgs := []any{
		clickhouse.Named("extension_id", extensionID),
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	// Summary counts
	var total, executed, rejected, errCount, cancelled uint64
	err := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() as total, "+
			"countIf(outcome = 'executed') as executed, "+
			"countIf(outcome = 'rejected') as rejected, "+
			"countIf(outcome = 'error') as errors, "+
			"countIf(outcome = 'cancelled') as cancelled "+
			"FROM dispatch_events "+
			"WHERE (%s) AND timestamp >= @range_start", scope),
		baseArgs...,
	).Scan(&total, &executed, &rejected, &errCount, &cancelled)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalCalls: int(total),
		Executed:   int(executed),
		Rejected:   int(rejected),
		Errors:     int(errCount),
		Cancelled:  int(cancelled),
	}

	// Rejections over time (hourly)
	rotRows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM dispatch_events "+
			"WHERE (%s) AND outcome = 'rejected' "+
			"AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour", scope),
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics rejections_over_time: %w", err)
	}
	defer func() { _ = rotRows.Close() }()
	for rotRows.Next() {
		var hour time.Time
		var count uint64
		if err := rotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics rejections_over_time scan: %w", err)
		}
		result.RejectionsOverTime = append(result.RejectionsOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	// Top rejected capabilities
	capRows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT capability, count() as count "+
			"FROM dispatch_events "+
			"WHERE (%s) AND outcome = 'rejected' "+
			"AND timestamp >= @range_start "+
			"GROUP BY capability ORDER BY count DESC LIMIT 10", scope),
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_capabilities: %w", err)
	}
	defer func() { _ = capRows.Close() }()
	for capRows.Next() {
		var capName string
		var count uint64
		if err := capRows.Scan(&capName, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_capabilities scan: %w", err)
		}
		result.TopCapabilities = append(result.TopCapabilities, CapabilityCount{
			Capability: capName, Count: int(count),
		})
	}

	// Shadow report: what risk enforcement would have done in non-enforcing
	// phases, against what was actually denied.
	var shadowTotal, wouldDeny, actuallyDenied uint64
	err = r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() as total, "+
			"countIf(risk_action IN ('deny', 'terminate') AND risk_enforced = 0) as would_deny, "+
			"countIf(risk_enforced = 1) as actually_denied "+
			"FROM dispatch_events "+
			"WHERE (%s) AND timestamp >= @range_start", scope),
		baseArgs...,
	).Scan(&shadowTotal, &wouldDeny, &actuallyDenied)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics shadow_report: %w", err)
	}
	result.ShadowReport = ShadowReportStats{
		Total: int(shadowTotal), WouldDeny: int(wouldDeny), ActuallyDenied: int(actuallyDenied),
	}

	// Latency percentiles (last 24h)
	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT quantile(0.5)(latency_ms) as p50, "+
			"quantile(0.95)(latency_ms) as p95, "+
			"quantile(0.99)(latency_ms) as p99 "+
			"FROM dispatch_events "+
			"WHERE (%s) AND timestamp >= @day_start", scope),
		clickhouse.Named("extension_id", extensionID),
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Top rejected extensions
	extRows, err := r.conn.Query(ctx,
		fmt.Sprintf("SELECT extension_id, count() as count "+
			"FROM dispatch_events "+
			"WHERE (%s) AND outcome = 'rejected' "+
			"AND timestamp >= @range_start "+
			"GROUP BY extension_id ORDER BY count DESC LIMIT 10", scope),
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_rejected: %w", err)
	}
	defer func() { _ = extRows.Close() }()
	for extRows.Next() {
		var id string
		var count uint64
		if err := extRows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_rejected scan: %w", err)
		}
		result.TopRejected = append(result.TopRejected, ExtensionCount{
			ExtensionID: id, Count: int(count),
		})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.RejectionsOverTime == nil {
		result.RejectionsOverTime = []TimeSeriesBucket{}
	}
	if result.TopCapabilities == nil {
		result.TopCapabilities = []CapabilityCount{}
	}
	if result.TopRejected == nil {
		result.TopRejected = []ExtensionCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
