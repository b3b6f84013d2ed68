package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/capability"
	"github.com/wardenlabs/hostguard/internal/evidence"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"github.com/wardenlabs/hostguard/internal/policy"
	"github.com/wardenlabs/hostguard/internal/registry"
	"github.com/wardenlabs/hostguard/internal/risk"
	"github.com/wardenlabs/hostguard/internal/rollout"
	"github.com/wardenlabs/hostguard/internal/storage"
	"github.com/wardenlabs/hostguard/internal/trust"
)

// trustStore is an in-memory trust.Store for tests.
type trustStore struct {
	mu     sync.Mutex
	states map[string]trust.State
}

func newTrustStore() *trustStore {
	return &trustStore{states: make(map[string]trust.State)}
}

func (m *trustStore) GetTrust(_ context.Context, id string) (*trust.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (m *trustStore) PutTrust(_ context.Context, st *trust.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ExtensionID] = *st
	return nil
}

// rolloutStore is an in-memory rollout.Store for tests.
type rolloutStore struct {
	mu sync.Mutex
	st *rollout.State
}

func (m *rolloutStore) GetRollout(context.Context) (*rollout.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, nil
	}
	cp := *m.st
	return &cp, nil
}

func (m *rolloutStore) PutRollout(_ context.Context, st *rollout.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.st = &cp
	return nil
}

// stubExecutor is a canned execution collaborator.
type stubExecutor struct {
	mu     sync.Mutex
	output string
	err    error
	delay  time.Duration
	calls  int
}

func (s *stubExecutor) Execute(ctx context.Context, _ *HostCall, _ capability.Capability) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.output, s.err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubExtensions returns the same policy config for every extension.
type stubExtensions struct {
	cfg       policy.Config
	onboarded time.Time
}

func (s *stubExtensions) ExtensionPolicy(context.Context, string) (policy.Config, time.Time, error) {
	return s.cfg, s.onboarded, nil
}

type harness struct {
	dispatcher *Dispatcher
	trust      *trust.Tracker
	rollout    *rollout.Controller
	ledger     *ledger.Ledger
	alerts     *alert.Stream
	registry   *registry.Registry
	events     *storage.MemoryWriter
	subs       *evidence.SubLedgers
	executor   *stubExecutor
}

type harnessOpt func(*harness, *stubExtensions, *risk.Config)

func withPolicy(cfg policy.Config) harnessOpt {
	return func(_ *harness, ext *stubExtensions, _ *risk.Config) { ext.cfg = cfg }
}

func withLosses(m risk.LossMatrix) harnessOpt {
	return func(_ *harness, _ *stubExtensions, rc *risk.Config) { rc.Losses = m }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()

	h := &harness{
		ledger:   ledger.New(),
		alerts:   alert.NewStream(),
		registry: registry.New(),
		events:   storage.NewMemoryWriter(),
		subs:     evidence.NewSubLedgers(),
		executor: &stubExecutor{output: "ok"},
	}
	ext := &stubExtensions{
		cfg:       policy.ProfileConfig(policy.ProfileStandard),
		onboarded: time.Now().Add(-time.Hour),
	}
	riskCfg := risk.DefaultConfig()
	for _, o := range opts {
		o(h, ext, &riskCfg)
	}

	h.trust = trust.NewTracker(newTrustStore(), h.alerts, zap.NewNop())

	var err error
	h.rollout, err = rollout.NewController(context.Background(), &rolloutStore{}, h.ledger, rollout.DefaultSLO(), h.alerts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	h.dispatcher = New(
		h.trust,
		risk.NewEngine(riskCfg, zap.NewNop()),
		h.rollout,
		h.ledger,
		h.alerts,
		h.registry,
		ext,
		h.executor,
		h.events,
		h.subs,
		Options{EnableRisk: true},
		zap.NewNop(),
	)
	return h
}

// promote moves an extension to trusted so the policy engine decides alone.
func (h *harness) promote(t *testing.T, extensionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.trust.Quarantine(ctx, extensionID, "test"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := h.trust.Acknowledge(ctx, extensionID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := h.trust.Promote(ctx, extensionID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
}

func TestDispatch_AllowedCallExecutes(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
		Params:      `{"path":"/tmp/x"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeExecuted {
		t.Fatalf("outcome = %q, want executed (reject reason %q)", res.Outcome, res.RejectReason)
	}
	if res.Capability != "read" {
		t.Errorf("capability = %q, want read", res.Capability)
	}
	if res.PolicyReason != policy.ReasonDefaultCaps {
		t.Errorf("policy reason = %q, want default_caps", res.PolicyReason)
	}
	if res.Output != "ok" {
		t.Errorf("output = %q, want ok", res.Output)
	}
	if res.LedgerHash == "" {
		t.Error("result missing ledger hash")
	}
	if h.executor.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", h.executor.callCount())
	}
	if h.ledger.Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", h.ledger.Len())
	}
	if h.events.Len() != 1 {
		t.Errorf("telemetry events = %d, want 1", h.events.Len())
	}
}

func TestDispatch_DenyCapsNeverExecutes(t *testing.T) {
	h := newHarness(t, withPolicy(policy.Config{
		Mode:        policy.ModePermissive,
		DefaultCaps: []string{"read", "exec"},
		DenyCaps:    []string{"exec"},
	}))
	h.promote(t, "ext-1")

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "exec",
		Params:      `{"command":"rm -rf /"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %q, want rejected", res.Outcome)
	}
	if res.RejectReason != policy.ReasonDenyCaps {
		t.Errorf("reject reason = %q, want deny_caps", res.RejectReason)
	}
	if h.executor.callCount() != 0 {
		t.Error("executor must not run for a denied call")
	}
	// Denials still produce a ledger entry.
	if h.ledger.Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", h.ledger.Len())
	}
}

func TestDispatch_UnresolvedCapabilityRejected(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		// no tool name, no declared capability
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonUnresolvedCapability {
		t.Fatalf("got %q/%q, want rejected/unresolved_capability", res.Outcome, res.RejectReason)
	}

	got := h.alerts.Query(alert.Filter{Categories: []alert.Category{alert.CategoryMalformedCall}})
	if len(got) != 1 {
		t.Fatalf("malformed_call alerts = %d, want 1", len(got))
	}
	if h.ledger.Len() != 1 {
		t.Error("malformed calls must still be ledgered")
	}
}

func TestDispatch_DeclaredCapabilityFallback(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		Capability:  " Read ",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Capability != "read" {
		t.Errorf("capability = %q, want read (declared fallback)", res.Capability)
	}
	if res.Outcome != OutcomeExecuted {
		t.Errorf("outcome = %q, want executed", res.Outcome)
	}
}

func TestDispatch_UnknownExtensionQuarantined(t *testing.T) {
	h := newHarness(t)

	// exec is outside the quarantine allow-list, so a first-contact
	// extension is gated before policy ever runs.
	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "stranger",
		Method:      "exec",
		Params:      `{}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonTrustQuarantined {
		t.Fatalf("got %q/%q, want rejected/trust_quarantined", res.Outcome, res.RejectReason)
	}
	if res.TrustTier != string(trust.TierQuarantined) {
		t.Errorf("tier = %q, want quarantined", res.TrustTier)
	}

	st, err := h.trust.Get(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Tier != trust.TierQuarantined {
		t.Errorf("stored tier = %q, want quarantined", st.Tier)
	}
}

func TestDispatch_DemotedExtensionOnlyInert(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")
	if _, err := h.trust.Demote(context.Background(), "ext-1", "compromised"); err != nil {
		t.Fatalf("Demote: %v", err)
	}

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonTrustDemoted {
		t.Fatalf("got %q/%q, want rejected/trust_demoted", res.Outcome, res.RejectReason)
	}

	// Inert capabilities stay reachable.
	res, err = h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "log",
		Params:      `{"msg":"hi"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeExecuted {
		t.Errorf("log outcome = %q, want executed", res.Outcome)
	}
}

// denyAlways makes deny the minimum-loss action in every state, so the
// risk engine's verdict is deterministic for enforcement tests.
func denyAlways() risk.LossMatrix {
	return risk.LossMatrix{
		risk.ActionAllow:     {risk.StateSafeFast: 100, risk.StateSuspicious: 100, risk.StateUnsafe: 100},
		risk.ActionHarden:    {risk.StateSafeFast: 100, risk.StateSuspicious: 100, risk.StateUnsafe: 100},
		risk.ActionDeny:      {risk.StateSafeFast: 0, risk.StateSuspicious: 0, risk.StateUnsafe: 0},
		risk.ActionTerminate: {risk.StateSafeFast: 100, risk.StateSuspicious: 100, risk.StateUnsafe: 100},
	}
}

func TestDispatch_RiskOverrideEnforcedUnderEnforceAll(t *testing.T) {
	h := newHarness(t, withLosses(denyAlways()))
	h.promote(t, "ext-1")
	if _, err := h.rollout.SetPhase(context.Background(), rollout.PhaseEnforceAll); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonRiskOverride {
		t.Fatalf("got %q/%q, want rejected/risk_override", res.Outcome, res.RejectReason)
	}
	if !res.RiskEnforced {
		t.Error("result should mark the risk verdict as enforced")
	}
	if res.PolicyDecision != "allow" {
		t.Errorf("policy decision = %q, want allow (risk overrode it)", res.PolicyDecision)
	}
	if h.executor.callCount() != 0 {
		t.Error("executor must not run when risk enforcement denies")
	}

	got := h.alerts.Query(alert.Filter{Categories: []alert.Category{alert.CategoryRiskOverride}})
	if len(got) != 1 {
		t.Fatalf("risk_override alerts = %d, want 1", len(got))
	}
}

func TestDispatch_RiskDenyOnlyLoggedInShadow(t *testing.T) {
	h := newHarness(t, withLosses(denyAlways()))
	h.promote(t, "ext-1")
	// Controller starts in shadow; nothing to set.

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeExecuted {
		t.Fatalf("shadow phase must not enforce, got outcome %q", res.Outcome)
	}
	if res.RiskEnforced {
		t.Error("shadow verdict must not be marked enforced")
	}

	entries := h.ledger.Slice(ledger.Filter{ExtensionID: "ext-1"})
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if !entries[0].RiskWouldDeny {
		t.Error("ledger entry should flag that risk would have denied")
	}
	if entries[0].RiskEnforced {
		t.Error("ledger entry must not be marked enforced in shadow")
	}
}

func TestDispatch_CancelledBeforeExecutionIsLedgered(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")

	cancelled := make(chan struct{})
	close(cancelled)

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
		Cancel:      cancelled,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", res.Outcome)
	}
	if h.executor.callCount() != 0 {
		t.Error("a pre-fired cancel must not reach the executor")
	}
	// Audit completeness: the attempt is still in the ledger.
	if h.ledger.Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", h.ledger.Len())
	}
}

func TestDispatch_CancelDuringExecution(t *testing.T) {
	h := newHarness(t)
	h.executor.delay = 500 * time.Millisecond
	h.promote(t, "ext-1")

	cancel := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(cancel)
	}()

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
		Cancel:      cancel,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", res.Outcome)
	}
	if h.ledger.Len() != 1 {
		t.Error("cancelled call must still be ledgered")
	}
}

func TestDispatch_ExecutorErrorIsLedgeredAsError(t *testing.T) {
	h := newHarness(t)
	h.executor.err = errors.New("connector unavailable")
	h.promote(t, "ext-1")

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %q, want error", res.Outcome)
	}

	entries := h.ledger.Slice(ledger.Filter{ExtensionID: "ext-1"})
	if len(entries) != 1 || entries[0].Outcome != OutcomeError {
		t.Error("execution fault must be ledgered with outcome error, not conflated with a denial")
	}
}

func TestDispatch_QuotaBreach(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")
	if err := h.registry.Register(registry.Manifest{
		ExtensionID: "ext-1",
		Capability:  capability.CapRead,
		Quota:       &registry.Quota{MaxCalls: 1, WindowSeconds: 60},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	call := func() *Result {
		res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
			ExtensionID: "ext-1",
			Method:      "tool",
			ToolName:    "Read",
		})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		return res
	}

	if res := call(); res.Outcome != OutcomeExecuted {
		t.Fatalf("first call outcome = %q, want executed", res.Outcome)
	}
	res := call()
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonQuotaExceeded {
		t.Fatalf("got %q/%q, want rejected/quota_exceeded", res.Outcome, res.RejectReason)
	}

	got := h.alerts.Query(alert.Filter{Categories: []alert.Category{alert.CategoryQuotaBreach}})
	if len(got) != 1 {
		t.Errorf("quota_breach alerts = %d, want 1", len(got))
	}
}

func TestDispatch_InvalidParamsRejected(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")
	if err := h.registry.Register(registry.Manifest{
		ExtensionID: "ext-1",
		Capability:  capability.CapRead,
		ParamSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
		ExtensionID: "ext-1",
		Method:      "tool",
		ToolName:    "Read",
		Params:      `{"path":42}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.RejectReason != ReasonInvalidParams {
		t.Fatalf("got %q/%q, want rejected/invalid_params", res.Outcome, res.RejectReason)
	}
	if h.executor.callCount() != 0 {
		t.Error("executor must not run for invalid params")
	}
}

func TestDispatch_ChainContinuityAcrossCalls(t *testing.T) {
	h := newHarness(t)
	h.promote(t, "ext-1")

	for i := 0; i < 5; i++ {
		if _, err := h.dispatcher.Dispatch(context.Background(), &HostCall{
			ExtensionID: "ext-1",
			Method:      "tool",
			ToolName:    "Read",
		}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := h.ledger.VerifyExtension("ext-1"); err != nil {
		t.Fatalf("VerifyExtension: %v", err)
	}
}
