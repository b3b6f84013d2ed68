// Package rollout gates whether risk verdicts are actually enforced. The
// phase machine moves Shadow → LogOnly → EnforceNew → EnforceAll one step
// at a time, and automatic triggers computed from the append-only ledger
// roll everything back to Shadow when an SLO is breached.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"go.uber.org/zap"
)

// Phase is an enforcement stage, in strictly increasing order.
type Phase int32

const (
	PhaseShadow Phase = iota
	PhaseLogOnly
	PhaseEnforceNew
	PhaseEnforceAll
)

// String returns the snake_case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseShadow:
		return "shadow"
	case PhaseLogOnly:
		return "log_only"
	case PhaseEnforceNew:
		return "enforce_new"
	case PhaseEnforceAll:
		return "enforce_all"
	default:
		return "unspecified"
	}
}

// ParsePhase maps a phase name back to its value.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "shadow":
		return PhaseShadow, nil
	case "log_only":
		return PhaseLogOnly, nil
	case "enforce_new":
		return PhaseEnforceNew, nil
	case "enforce_all":
		return PhaseEnforceAll, nil
	default:
		return PhaseShadow, fmt.Errorf("unknown rollout phase %q", s)
	}
}

var ErrAtMaxPhase = errors.New("rollout already at enforce_all")

// State is the persisted rollout record. One instance process-wide.
type State struct {
	Phase           Phase     `json:"phase"`
	TransitionCount int       `json:"transition_count"`
	LastTransition  time.Time `json:"last_transition"`
	PhaseStartedAt  time.Time `json:"phase_started_at"` // when the current phase began
	RolledBackFrom  Phase     `json:"rolled_back_from,omitempty"`
	AutoRollback    bool      `json:"auto_rollback"` // last rollback was automatic
}

// Store persists rollout state across restarts.
type Store interface {
	GetRollout(ctx context.Context) (*State, error)
	PutRollout(ctx context.Context, state *State) error
}

// SLO configures the automatic rollback triggers. Every trigger requires
// MinSamples ledger entries in the window before it may fire, so sparse
// early data cannot cause a rollback.
type SLO struct {
	WindowSize           int
	MinSamples           int
	MaxFalsePositiveRate float64
	MaxErrorRate         float64
	MaxDecisionLatencyMs float64
}

// DefaultSLO returns production trigger thresholds.
func DefaultSLO() SLO {
	return SLO{
		WindowSize:           256,
		MinSamples:           20,
		MaxFalsePositiveRate: 0.05,
		MaxErrorRate:         0.10,
		MaxDecisionLatencyMs: 100,
	}
}

// StatsSource exposes the ledger's recent window. Window statistics are
// always recomputed from this append-only source, never from a mutable
// counter that interleaved writers could corrupt.
type StatsSource interface {
	Recent(n int) []ledger.Entry
}

// WindowStats summarizes one ledger window for trigger evaluation.
type WindowStats struct {
	Samples           int
	FalsePositiveRate float64
	ErrorRate         float64
	AvgDecisionMs     float64
}

// ComputeWindowStats derives trigger inputs from ledger entries. A false
// positive is a call the risk engine would have denied that executed
// without incident.
func ComputeWindowStats(entries []ledger.Entry) WindowStats {
	s := WindowStats{Samples: len(entries)}
	if len(entries) == 0 {
		return s
	}
	var fp, errs int
	var decisionSum float64
	for _, e := range entries {
		if e.RiskWouldDeny && !e.RiskEnforced && e.Outcome == "executed" {
			fp++
		}
		if e.Outcome == "error" {
			errs++
		}
		decisionSum += e.DecisionMs
	}
	n := float64(len(entries))
	s.FalsePositiveRate = float64(fp) / n
	s.ErrorRate = float64(errs) / n
	s.AvgDecisionMs = decisionSum / n
	return s
}

// Controller owns the phase machine. Phase reads are a single atomic load
// so the dispatcher can re-check the phase at its enforcement point
// without locking; transitions serialize under the mutex and persist
// through the store.
type Controller struct {
	mu     sync.Mutex
	phase  atomic.Int32
	state  State
	store  Store
	stats  StatsSource
	slo    SLO
	alerts *alert.Stream
	logger *zap.Logger
}

// NewController loads persisted state (or starts at Shadow) and returns a
// ready controller.
func NewController(ctx context.Context, store Store, stats StatsSource, slo SLO, alerts *alert.Stream, logger *zap.Logger) (*Controller, error) {
	c := &Controller{store: store, stats: stats, slo: slo, alerts: alerts, logger: logger}

	st, err := store.GetRollout(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewController: %w", err)
	}
	if st == nil {
		st = &State{Phase: PhaseShadow, PhaseStartedAt: time.Now().UTC()}
		if err := store.PutRollout(ctx, st); err != nil {
			return nil, fmt.Errorf("NewController: %w", err)
		}
	}
	c.state = *st
	c.phase.Store(int32(st.Phase))
	return c, nil
}

// Phase returns the current phase. Lock-free; safe at the dispatch
// enforcement point.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// State returns a copy of the full rollout state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPhase moves to an explicit phase by operator action.
func (c *Controller) SetPhase(ctx context.Context, p Phase) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(ctx, p, false)
}

// Advance moves exactly one phase forward. Never skips.
func (c *Controller) Advance(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase >= PhaseEnforceAll {
		return c.state, ErrAtMaxPhase
	}
	return c.transition(ctx, c.state.Phase+1, false)
}

// Rollback moves back to Shadow by operator action, recording the phase
// it rolled back from.
func (c *Controller) Rollback(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(ctx, PhaseShadow, false)
}

// transition applies and persists a phase change. Callers hold c.mu.
func (c *Controller) transition(ctx context.Context, to Phase, auto bool) (State, error) {
	from := c.state.Phase
	now := time.Now().UTC()

	next := c.state
	next.Phase = to
	next.TransitionCount++
	next.LastTransition = now
	next.PhaseStartedAt = now
	next.AutoRollback = auto
	if to < from {
		next.RolledBackFrom = from
	} else {
		next.RolledBackFrom = 0
		next.AutoRollback = false
	}

	if err := c.store.PutRollout(ctx, &next); err != nil {
		return c.state, fmt.Errorf("transition: %w", err)
	}
	c.state = next
	c.phase.Store(int32(to))

	c.logger.Info("rollout phase transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Bool("auto", auto),
	)
	return c.state, nil
}

// CheckTriggers evaluates the automatic rollback triggers against the
// current ledger window. When a trigger fires with sufficient samples, the
// controller rolls back to Shadow and raises a critical alert. It reports
// whether a rollback happened.
func (c *Controller) CheckTriggers(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseShadow {
		return false, nil // nothing to roll back
	}

	stats := ComputeWindowStats(c.stats.Recent(c.slo.WindowSize))
	if stats.Samples < c.slo.MinSamples {
		return false, nil
	}

	var breached []string
	if stats.FalsePositiveRate > c.slo.MaxFalsePositiveRate {
		breached = append(breached, "false_positive_slo")
	}
	if stats.ErrorRate > c.slo.MaxErrorRate {
		breached = append(breached, "error_rate_slo")
	}
	if stats.AvgDecisionMs > c.slo.MaxDecisionLatencyMs {
		breached = append(breached, "decision_latency_slo")
	}
	if len(breached) == 0 {
		return false, nil
	}

	from := c.state.Phase
	if _, err := c.transition(ctx, PhaseShadow, true); err != nil {
		return false, err
	}

	c.alerts.Emit(alert.Alert{
		Category:    alert.CategoryRolloutRollback,
		Severity:    alert.SeverityCritical,
		Action:      "auto_rollback",
		ReasonCodes: breached,
		Detail:      "rolled back from " + from.String(),
	})
	c.logger.Warn("automatic rollout rollback",
		zap.String("rolled_back_from", from.String()),
		zap.Strings("triggers", breached),
		zap.Int("samples", stats.Samples),
	)
	return true, nil
}

// Enforces reports whether the current phase enforces risk verdicts for an
// extension onboarded at the given time. Shadow and LogOnly never enforce;
// EnforceNew applies only to extensions onboarded after the phase began.
func (c *Controller) Enforces(onboardedAt time.Time) bool {
	switch c.Phase() {
	case PhaseEnforceAll:
		return true
	case PhaseEnforceNew:
		c.mu.Lock()
		started := c.state.PhaseStartedAt
		c.mu.Unlock()
		return onboardedAt.After(started)
	default:
		return false
	}
}
