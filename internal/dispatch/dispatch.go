package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/capability"
	"github.com/wardenlabs/hostguard/internal/evidence"
	"github.com/wardenlabs/hostguard/internal/hashutil"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"github.com/wardenlabs/hostguard/internal/policy"
	"github.com/wardenlabs/hostguard/internal/registry"
	"github.com/wardenlabs/hostguard/internal/risk"
	"github.com/wardenlabs/hostguard/internal/rollout"
	"github.com/wardenlabs/hostguard/internal/storage"
	"github.com/wardenlabs/hostguard/internal/trust"
)

// Call outcomes recorded in the ledger and telemetry.
const (
	OutcomeExecuted  = "executed"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Rejection reason codes not produced by the policy engine itself.
const (
	ReasonUnresolvedCapability = "unresolved_capability"
	ReasonTrustQuarantined     = "trust_quarantined"
	ReasonTrustDemoted         = "trust_demoted"
	ReasonInvalidParams        = "invalid_params"
	ReasonQuotaExceeded        = "quota_exceeded"
	ReasonRiskOverride         = "risk_override"
)

// HostCall is one hostcall attempt presented for mediation. Declared
// capability is advisory; the resolver's derivation wins when it has one.
type HostCall struct {
	CallID        string
	CorrelationID string
	ExtensionID   string
	Capability    string // declared by the caller, advisory
	Method        string
	ToolName      string
	Params        string // raw params JSON
	Timeout       time.Duration
	Cancel        <-chan struct{} // optional caller-held cancel token
}

// Result is what the caller gets back. Denials carry a stable reason code;
// the ledger hash lets the caller correlate with the audit record.
type Result struct {
	CallID         string  `json:"call_id"`
	CorrelationID  string  `json:"correlation_id"`
	Capability     string  `json:"capability"`
	TrustTier      string  `json:"trust_tier"`
	PolicyDecision string  `json:"policy_decision"`
	PolicyReason   string  `json:"policy_reason"`
	RiskAction     string  `json:"risk_action,omitempty"`
	RiskEnforced   bool    `json:"risk_enforced"`
	DriftDetected  bool    `json:"drift_detected,omitempty"`
	RolloutPhase   string  `json:"rollout_phase"`
	Outcome        string  `json:"outcome"`
	RejectReason   string  `json:"reject_reason,omitempty"`
	Output         string  `json:"output,omitempty"`
	LatencyMs      float64 `json:"latency_ms"`
	LedgerHash     string  `json:"ledger_hash"`
}

// Executor performs the mediated action for an allowed call. The dispatcher
// never interprets the output, only success or failure and latency.
type Executor interface {
	Execute(ctx context.Context, call *HostCall, cap capability.Capability) (string, error)
}

// ExtensionSource resolves an extension's effective policy config and its
// onboarding time (used by the EnforceNew rollout phase).
type ExtensionSource interface {
	ExtensionPolicy(ctx context.Context, extensionID string) (policy.Config, time.Time, error)
}

// LedgerSink persists chained ledger entries as they are appended. The
// in-memory ledger stays the source of truth for verification; the sink is
// write-behind durability.
type LedgerSink interface {
	AppendLedgerEntry(ctx context.Context, e *ledger.Entry) error
}

// Options tunes dispatcher behavior.
type Options struct {
	EnableRisk bool
	LedgerSink LedgerSink // nil = in-memory only
}

// Dispatcher runs the per-call mediation pipeline: resolve capability,
// gate on trust, evaluate policy, score risk, apply the rollout phase,
// execute or reject, then append to the ledger. The ledger write happens
// unconditionally, including for cancelled calls.
type Dispatcher struct {
	trust      *trust.Tracker
	risk       *risk.Engine
	rollout    *rollout.Controller
	ledger     *ledger.Ledger
	alerts     *alert.Stream
	registry   *registry.Registry
	extensions ExtensionSource
	executor   Executor
	events     storage.EventWriter
	subs       *evidence.SubLedgers
	opts       Options
	logger     *zap.Logger
}

func New(
	tr *trust.Tracker,
	re *risk.Engine,
	rc *rollout.Controller,
	led *ledger.Ledger,
	alerts *alert.Stream,
	reg *registry.Registry,
	extensions ExtensionSource,
	executor Executor,
	events storage.EventWriter,
	subs *evidence.SubLedgers,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		trust:      tr,
		risk:       re,
		rollout:    rc,
		ledger:     led,
		alerts:     alerts,
		registry:   reg,
		extensions: extensions,
		executor:   executor,
		events:     events,
		subs:       subs,
		opts:       opts,
		logger:     logger,
	}
}

// callState carries one dispatch through the pipeline stages.
type callState struct {
	call     *HostCall
	start    time.Time
	cap      capability.Capability
	tier     trust.Tier
	decision policy.Result
	verdict  risk.Verdict
	riskRan  bool
	enforced bool
	phase    rollout.Phase

	outcome      string
	rejectReason string
	output       string
}

// Dispatch mediates one hostcall end to end. It never returns an error for
// policy denials or trust gating; those are first-class rejected results.
func (d *Dispatcher) Dispatch(ctx context.Context, call *HostCall) (*Result, error) {
	if call.CallID == "" {
		call.CallID = uuid.New().String()
	}
	if call.CorrelationID == "" {
		call.CorrelationID = uuid.New().String()
	}

	cs := &callState{
		call:  call,
		start: time.Now(),
		// Phase is read once here: a dispatch in progress completes under
		// the phase it started with.
		phase: d.rollout.Phase(),
	}

	// Capability resolution. Resolver derivation is authoritative; the
	// declared capability is only a fallback when derivation yields nothing.
	cap, ok := capability.Resolve(call.Method, call.ToolName)
	if !ok {
		declared := strings.ToLower(strings.TrimSpace(call.Capability))
		if declared == "" {
			cs.cap = capability.CapUnknown
			d.alerts.Emit(alert.Alert{
				Category:    alert.CategoryMalformedCall,
				Severity:    alert.SeverityWarning,
				ExtensionID: call.ExtensionID,
				Action:      "rejected",
				ReasonCodes: []string{ReasonUnresolvedCapability},
				Detail:      "method " + call.Method + " did not resolve and no capability was declared",
			})
			return d.reject(ctx, cs, policy.DecisionDeny, ReasonUnresolvedCapability)
		}
		cap = capability.Capability(declared)
	}
	cs.cap = cap

	// Trust gate, before policy. Unknown extensions enter quarantined.
	st, err := d.trust.Get(ctx, call.ExtensionID)
	if errors.Is(err, trust.ErrUnknownExtension) {
		st, err = d.trust.Quarantine(ctx, call.ExtensionID, "unregistered")
	}
	if err != nil {
		return nil, err
	}
	cs.tier = st.Tier
	if !trust.HostcallAllowed(st, cs.cap) {
		reason := ReasonTrustQuarantined
		if st.Tier == trust.TierDemoted {
			reason = ReasonTrustDemoted
		}
		return d.reject(ctx, cs, policy.DecisionDeny, reason)
	}

	// Policy evaluation against the extension's effective config.
	cfg, onboardedAt, err := d.extensions.ExtensionPolicy(ctx, call.ExtensionID)
	if err != nil {
		d.logger.Warn("extension policy lookup failed, using standard profile",
			zap.String("extension_id", call.ExtensionID),
			zap.Error(err),
		)
		cfg = policy.ProfileConfig(policy.ProfileStandard)
		onboardedAt = time.Now()
	}
	cs.decision = policy.Evaluate(cs.cap, cfg)
	if cs.decision.Decision != policy.DecisionAllow {
		return d.reject(ctx, cs, cs.decision.Decision, cs.decision.Reason)
	}

	// Manifest checks: schema validation, then quota. Pairs with no
	// registered manifest pass both.
	if err := d.registry.ValidateParams(call.ExtensionID, cs.cap, call.Params); err != nil {
		d.alerts.Emit(alert.Alert{
			Category:    alert.CategoryMalformedCall,
			Severity:    alert.SeverityWarning,
			ExtensionID: call.ExtensionID,
			Capability:  cs.cap.String(),
			Action:      "rejected",
			ReasonCodes: []string{ReasonInvalidParams},
			Detail:      err.Error(),
		})
		return d.reject(ctx, cs, policy.DecisionDeny, ReasonInvalidParams)
	}
	if !d.registry.QuotaAllow(call.ExtensionID, cs.cap, time.Now()) {
		m := d.registry.Lookup(call.ExtensionID, cs.cap)
		maxCalls := 0
		if m != nil && m.Quota != nil {
			maxCalls = m.Quota.MaxCalls
		}
		d.subs.RecordQuotaBreach(call.ExtensionID, cs.cap.String(), maxCalls)
		d.alerts.Emit(alert.Alert{
			Category:    alert.CategoryQuotaBreach,
			Severity:    alert.SeverityWarning,
			ExtensionID: call.ExtensionID,
			Capability:  cs.cap.String(),
			Action:      "rejected",
			ReasonCodes: []string{ReasonQuotaExceeded},
		})
		return d.reject(ctx, cs, policy.DecisionDeny, ReasonQuotaExceeded)
	}

	// Risk scoring. The verdict is always ledgered; whether it can change
	// the outcome depends on the rollout phase, re-checked here at the
	// enforcement point.
	if d.opts.EnableRisk {
		cs.verdict = d.risk.Decide(ctx, risk.Input{
			ExtensionID: call.ExtensionID,
			CallID:      call.CallID,
			Capability:  cs.cap,
			Quarantined: st.Tier == trust.TierQuarantined,
		})
		cs.riskRan = !cs.verdict.Deferred
		if cs.riskRan && cs.verdict.Action.Denies() {
			if d.rollout.Enforces(onboardedAt) {
				cs.enforced = true
				d.alerts.Emit(alert.Alert{
					Category:    alert.CategoryRiskOverride,
					Severity:    alert.SeverityCritical,
					ExtensionID: call.ExtensionID,
					Capability:  cs.cap.String(),
					Action:      cs.verdict.Action.String(),
					ReasonCodes: cs.verdict.Reasons,
				})
				return d.reject(ctx, cs, policy.DecisionAllow, ReasonRiskOverride)
			}
			d.logger.Info("risk verdict would deny, rollout phase does not enforce",
				zap.String("extension_id", call.ExtensionID),
				zap.String("call_id", call.CallID),
				zap.String("action", cs.verdict.Action.String()),
				zap.String("phase", cs.phase.String()),
			)
		}
	}

	d.execute(ctx, cs)
	return d.finish(ctx, cs)
}

// execute invokes the collaborator, honoring the caller's cancel token and
// the call timeout. This is the only suspension point a cancel can land on.
func (d *Dispatcher) execute(ctx context.Context, cs *callState) {
	call := cs.call

	// A cancel that already fired never reaches the executor.
	select {
	case <-call.Cancel:
		cs.outcome = OutcomeCancelled
		return
	default:
	}

	execCtx := ctx
	cancel := func() {}
	if call.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, call.Timeout)
	}
	defer cancel()

	type execOut struct {
		output string
		err    error
	}
	ch := make(chan execOut, 1)
	go func() {
		out, err := d.executor.Execute(execCtx, call, cs.cap)
		ch <- execOut{output: out, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			cs.outcome = OutcomeError
			cs.rejectReason = out.err.Error()
			return
		}
		cs.outcome = OutcomeExecuted
		cs.output = out.output
	case <-call.Cancel:
		cancel()
		cs.outcome = OutcomeCancelled
	case <-ctx.Done():
		cs.outcome = OutcomeCancelled
	}

	if cs.outcome == OutcomeExecuted {
		switch cs.cap {
		case capability.CapExec:
			d.subs.RecordExec(call.ExtensionID, call.Params)
		case capability.CapEnv:
			d.subs.RecordSecret(call.ExtensionID, "params", call.Params)
		}
	}
}

// reject finalizes a call that never reaches the executor.
func (d *Dispatcher) reject(ctx context.Context, cs *callState, decision policy.Decision, reason string) (*Result, error) {
	cs.outcome = OutcomeRejected
	cs.rejectReason = reason
	if cs.decision.Reason == "" {
		cs.decision = policy.Result{Decision: decision, Reason: reason, Capability: cs.cap}
	}
	return d.finish(ctx, cs)
}

// finish is the non-cancellable tail of every dispatch: ledger append,
// telemetry write, risk feedback, rollback-trigger evaluation. It runs even
// when the caller's context is already cancelled.
func (d *Dispatcher) finish(ctx context.Context, cs *callState) (*Result, error) {
	call := cs.call
	latencyMs := float64(time.Since(cs.start).Microseconds()) / 1000

	entry := ledger.Entry{
		ExtensionID:    call.ExtensionID,
		CallID:         call.CallID,
		Capability:     cs.cap.String(),
		CapabilityHash: hashutil.HashString(cs.cap.String()),
		PolicyDecision: cs.decision.Decision.String(),
		PolicyReason:   cs.decision.Reason,
		Outcome:        cs.outcome,
		LatencyMs:      latencyMs,
	}
	if cs.riskRan {
		entry.Posterior = cs.verdict.Posterior
		entry.ExpectedLosses = cs.verdict.ExpectedLosses
		entry.SelectedAction = cs.verdict.Action.String()
		entry.RiskEnforced = cs.enforced
		entry.RiskWouldDeny = cs.verdict.Action.Denies()
		entry.DriftDetected = cs.verdict.DriftDetected
		entry.DecisionMs = cs.verdict.DecisionMs
	}

	stored, err := d.ledger.Append(entry)
	if err != nil {
		d.alerts.Emit(alert.Alert{
			Category:    alert.CategoryLedgerIntegrity,
			Severity:    alert.SeverityCritical,
			ExtensionID: call.ExtensionID,
			Detail:      err.Error(),
		})
		return nil, err
	}

	if d.opts.LedgerSink != nil {
		if err := d.opts.LedgerSink.AppendLedgerEntry(ctx, stored); err != nil {
			d.logger.Error("ledger persistence failed",
				zap.String("extension_id", call.ExtensionID),
				zap.Uint64("seq", stored.Seq),
				zap.Error(err),
			)
		}
	}

	if cs.riskRan {
		d.risk.RecordOutcome(call.ExtensionID, cs.outcome == OutcomeError, cs.verdict.Posterior)
	}

	if _, err := d.rollout.CheckTriggers(ctx); err != nil {
		d.logger.Warn("rollback trigger check failed", zap.Error(err))
	}

	d.events.Write(&storage.DispatchEvent{
		CallID:         call.CallID,
		CorrelationID:  call.CorrelationID,
		ExtensionID:    call.ExtensionID,
		Timestamp:      stored.Timestamp,
		Method:         call.Method,
		Capability:     cs.cap.String(),
		TrustTier:      string(cs.tier),
		PolicyDecision: cs.decision.Decision.String(),
		PolicyReason:   cs.decision.Reason,
		RiskAction:     entry.SelectedAction,
		RiskScore:      entry.Posterior.Unsafe,
		RiskEnforced:   cs.enforced,
		RolloutPhase:   cs.phase.String(),
		Outcome:        cs.outcome,
		RejectReason:   cs.rejectReason,
		ParamsPreview:  storage.TruncateParams(call.Params, storage.ParamsPreviewLength),
		ParamsHash:     hashutil.HashString(call.Params),
		LatencyMs:      latencyMs,
		DecisionMs:     entry.DecisionMs,
		LedgerHash:     stored.LedgerHash,
	})

	return &Result{
		CallID:         call.CallID,
		CorrelationID:  call.CorrelationID,
		Capability:     cs.cap.String(),
		TrustTier:      string(cs.tier),
		PolicyDecision: cs.decision.Decision.String(),
		PolicyReason:   cs.decision.Reason,
		RiskAction:     entry.SelectedAction,
		RiskEnforced:   cs.enforced,
		DriftDetected:  entry.DriftDetected,
		RolloutPhase:   cs.phase.String(),
		Outcome:        cs.outcome,
		RejectReason:   cs.rejectReason,
		Output:         cs.output,
		LatencyMs:      latencyMs,
		LedgerHash:     stored.LedgerHash,
	}, nil
}
