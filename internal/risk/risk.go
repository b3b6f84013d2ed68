// Package risk maintains a rolling behavioral model per extension and
// chooses the expected-loss-minimizing action for each hostcall. The model
// contract is posterior over (safe_fast, suspicious, unsafe) → expected
// loss per candidate action → minimizing action, ties broken toward the
// more conservative action.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wardenlabs/hostguard/internal/capability"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"go.uber.org/zap"
)

// Action is the risk engine's verdict. The set is closed; every consumer
// matches it exhaustively.
type Action int

const (
	ActionAllow Action = iota + 1
	ActionHarden
	ActionDeny
	ActionTerminate
)

// String returns the lowercase action name.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionHarden:
		return "harden"
	case ActionDeny:
		return "deny"
	case ActionTerminate:
		return "terminate"
	default:
		return "unspecified"
	}
}

// conservatism orders actions from most to least permissive. Ties in
// expected loss resolve toward the higher rank.
func (a Action) conservatism() int { return int(a) }

// Denies reports whether the action blocks the hostcall.
func (a Action) Denies() bool { return a == ActionDeny || a == ActionTerminate }

// Behavioral states, used as loss-matrix keys.
const (
	StateSafeFast   = "safe_fast"
	StateSuspicious = "suspicious"
	StateUnsafe     = "unsafe"
)

// LossMatrix maps action → behavioral state → loss. The asymmetry —
// allowing an unsafe call far costlier than denying a safe one — is the
// whole point of the table.
type LossMatrix map[Action]map[string]float64

// DefaultLossMatrix returns the server-default asymmetric loss table.
func DefaultLossMatrix() LossMatrix {
	return LossMatrix{
		ActionAllow:     {StateSafeFast: 0.0, StateSuspicious: 2.0, StateUnsafe: 10.0},
		ActionHarden:    {StateSafeFast: 0.5, StateSuspicious: 1.0, StateUnsafe: 6.0},
		ActionDeny:      {StateSafeFast: 3.0, StateSuspicious: 0.5, StateUnsafe: 0.5},
		ActionTerminate: {StateSafeFast: 5.0, StateSuspicious: 2.0, StateUnsafe: 0.0},
	}
}

// Config holds the tunable model parameters. None of these values are
// hard-coded at call sites.
type Config struct {
	WindowSize        int           // bounded sliding window per extension
	Alpha             float64       // tolerated false-positive rate for the drift test
	DecisionTimeout   time.Duration // decision_timeout_ms
	FailClosed        bool          // on timeout: deny (true) or defer to policy (false)
	Losses            LossMatrix
	ExplanationBudget int // max reason codes in a verdict
	// Dirichlet prior pseudo-counts for (safe_fast, suspicious, unsafe).
	PriorSafe       float64
	PriorSuspicious float64
	PriorUnsafe     float64
	// Multiplier applied to the permissive rows of the loss matrix while
	// drift is detected.
	DriftConservatism float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:        64,
		Alpha:             0.05,
		DecisionTimeout:   50 * time.Millisecond,
		FailClosed:        true,
		Losses:            DefaultLossMatrix(),
		ExplanationBudget: 3,
		PriorSafe:         8,
		PriorSuspicious:   1,
		PriorUnsafe:       1,
		DriftConservatism: 1.5,
	}
}

// Input describes one hostcall presented for scoring. The dispatcher only
// scores policy-allowed calls, so a policy denial never reaches the engine.
type Input struct {
	ExtensionID string
	CallID      string
	Capability  capability.Capability
	Quarantined bool
}

// Verdict is the engine's bounded, explainable output.
type Verdict struct {
	Action         Action
	Posterior      ledger.Posterior
	ExpectedLosses map[string]float64
	DriftDetected  bool
	Reasons        []string // top contributors, capped at ExplanationBudget
	Deferred       bool     // timeout with fail_closed=false: policy decides alone
	TimedOut       bool
	DecisionMs     float64
}

// observation is one windowed feature sample.
type observation struct {
	weight   float64 // risk weight in [0,1]
	surprise bool    // outcome contradicted a safe posterior
}

// extensionModel is the per-extension rolling state.
type extensionModel struct {
	window []observation
	eValue float64 // e-process drift statistic
	drift  bool
}

// Engine scores hostcalls. Safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	models map[string]*extensionModel
	logger *zap.Logger
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.Losses == nil {
		cfg.Losses = DefaultLossMatrix()
	}
	if cfg.ExplanationBudget <= 0 {
		cfg.ExplanationBudget = DefaultConfig().ExplanationBudget
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	if cfg.DriftConservatism <= 1 {
		cfg.DriftConservatism = DefaultConfig().DriftConservatism
	}
	if cfg.PriorSafe <= 0 {
		d := DefaultConfig()
		cfg.PriorSafe, cfg.PriorSuspicious, cfg.PriorUnsafe = d.PriorSafe, d.PriorSuspicious, d.PriorUnsafe
	}
	return &Engine{cfg: cfg, models: make(map[string]*extensionModel), logger: logger}
}

// capWeights are base risk weights per capability class.
var capWeights = map[capability.Capability]float64{
	capability.CapExec:    0.85,
	capability.CapSession: 0.70,
	capability.CapHTTP:    0.60,
	capability.CapWrite:   0.45,
	capability.CapEnv:     0.40,
	capability.CapTool:    0.35,
	capability.CapUI:      0.15,
	capability.CapRead:    0.10,
	capability.CapLog:     0.05,
}

// featureWeight maps an input to a risk weight in [0,1].
func featureWeight(in Input) float64 {
	w, ok := capWeights[in.Capability]
	if !ok {
		w = 0.5
	}
	if in.Quarantined {
		w += 0.10
	}
	if w > 1 {
		w = 1
	}
	return w
}

// Decide scores one hostcall within cfg.DecisionTimeout. On timeout it
// fails closed (Deny) when configured, otherwise defers to policy alone.
// Either way the caller still gets a verdict to ledger.
func (e *Engine) Decide(ctx context.Context, in Input) Verdict {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	done := make(chan Verdict, 1)
	go func() {
		done <- e.decide(in)
	}()

	select {
	case v := <-done:
		v.DecisionMs = float64(time.Since(start)) / float64(time.Millisecond)
		return v
	case <-ctx.Done():
		e.logger.Warn("risk decision timed out",
			zap.String("extension_id", in.ExtensionID),
			zap.String("call_id", in.CallID),
			zap.Bool("fail_closed", e.cfg.FailClosed),
		)
		v := Verdict{
			TimedOut:   true,
			Reasons:    []string{"risk_timeout"},
			DecisionMs: float64(time.Since(start)) / float64(time.Millisecond),
		}
		if e.cfg.FailClosed {
			v.Action = ActionDeny
		} else {
			v.Action = ActionAllow
			v.Deferred = true
		}
		return v
	}
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.DecisionTimeout <= 0 {
		return DefaultConfig().DecisionTimeout
	}
	return e.cfg.DecisionTimeout
}

// decide is the pure (never-suspending) scoring path.
func (e *Engine) decide(in Input) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.model(in.ExtensionID)
	w := featureWeight(in)

	// Slide the window.
	m.window = append(m.window, observation{weight: w})
	if len(m.window) > e.cfg.WindowSize {
		m.window = m.window[len(m.window)-e.cfg.WindowSize:]
	}

	post := e.posterior(m)
	losses := e.expectedLosses(post, m.drift)
	action := selectAction(losses)

	return Verdict{
		Action:         action,
		Posterior:      post,
		ExpectedLosses: lossesByName(losses),
		DriftDetected:  m.drift,
		Reasons:        e.reasons(in, m, w, action),
	}
}

// posterior folds the window's risk weights into a Dirichlet-smoothed
// distribution. Each observation contributes ((1-w)^2, 2w(1-w), w^2),
// a smooth split of one pseudo-count across the three states. An
// observation whose outcome surprised the model counts as full-weight
// unsafe evidence regardless of its a-priori capability weight.
func (e *Engine) posterior(m *extensionModel) ledger.Posterior {
	safe, susp, unsafe := e.cfg.PriorSafe, e.cfg.PriorSuspicious, e.cfg.PriorUnsafe
	for _, obs := range m.window {
		w := obs.weight
		if obs.surprise {
			w = 1
		}
		safe += (1 - w) * (1 - w)
		susp += 2 * w * (1 - w)
		unsafe += w * w
	}
	total := safe + susp + unsafe
	return ledger.Posterior{
		SafeFast:   safe / total,
		Suspicious: susp / total,
		Unsafe:     unsafe / total,
	}
}

// expectedLosses computes Σ_state P(state)·loss(action, state) for every
// candidate action. Under drift the permissive rows are scaled up, which
// widens conservatism without touching the posterior.
func (e *Engine) expectedLosses(p ledger.Posterior, drift bool) map[Action]float64 {
	out := make(map[Action]float64, len(e.cfg.Losses))
	for action, row := range e.cfg.Losses {
		loss := p.SafeFast*row[StateSafeFast] +
			p.Suspicious*row[StateSuspicious] +
			p.Unsafe*row[StateUnsafe]
		if drift && (action == ActionAllow || action == ActionHarden) {
			loss *= e.cfg.DriftConservatism
		}
		out[action] = loss
	}
	return out
}

// selectAction picks the minimum expected loss, breaking exact ties toward
// the more conservative action.
func selectAction(losses map[Action]float64) Action {
	actions := make([]Action, 0, len(losses))
	for a := range losses {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		li, lj := losses[actions[i]], losses[actions[j]]
		if li != lj {
			return li < lj
		}
		return actions[i].conservatism() > actions[j].conservatism()
	})
	return actions[0]
}

func lossesByName(losses map[Action]float64) map[string]float64 {
	out := make(map[string]float64, len(losses))
	for a, l := range losses {
		out[a.String()] = l
	}
	return out
}

// reasons builds the bounded explanation: highest-signal codes first,
// truncated at the explanation budget.
func (e *Engine) reasons(in Input, m *extensionModel, w float64, action Action) []string {
	var out []string
	if m.drift {
		out = append(out, "drift_detected")
	}
	if w >= 0.7 {
		out = append(out, "high_risk_capability")
	}
	if in.Quarantined {
		out = append(out, "quarantined_extension")
	}
	if avgWeight(m.window) >= 0.5 {
		out = append(out, "elevated_window_risk")
	}
	if len(out) == 0 && action == ActionAllow {
		out = append(out, "low_window_risk")
	}
	if len(out) > e.cfg.ExplanationBudget {
		out = out[:e.cfg.ExplanationBudget]
	}
	return out
}

func avgWeight(window []observation) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, o := range window {
		sum += o.weight
	}
	return sum / float64(len(window))
}

// RecordOutcome feeds the executed call's outcome back into the model.
// A surprise is a bad outcome (execution error or a denial the model did
// not anticipate) while the model considered the extension safe; it
// upgrades the window's latest observation to unsafe evidence and
// advances the drift statistic.
//
// The statistic is an e-process: a running product of likelihood ratios
// testing surprise-rate > alpha. Drift is declared once the e-value
// crosses 1/alpha, which bounds the false-positive rate at alpha.
func (e *Engine) RecordOutcome(extensionID string, badOutcome bool, posterior ledger.Posterior) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.model(extensionID)

	surprise := badOutcome && posterior.SafeFast >= 0.5
	if n := len(m.window); n > 0 {
		m.window[n-1].surprise = surprise
	}

	// Likelihood ratio for H1: surprise rate = 2*alpha vs H0: rate = alpha.
	p0, p1 := e.cfg.Alpha, 2*e.cfg.Alpha
	if p1 > 1 {
		p1 = 1
	}
	if surprise {
		m.eValue *= p1 / p0
	} else {
		m.eValue *= (1 - p1) / (1 - p0)
	}
	if m.eValue < 1e-6 {
		m.eValue = 1e-6 // cap optimism so the test stays responsive
	}

	if !m.drift && m.eValue >= 1/e.cfg.Alpha {
		m.drift = true
		e.logger.Warn("risk model drift detected",
			zap.String("extension_id", extensionID),
			zap.Float64("e_value", m.eValue),
		)
	}
}

// DriftDetected reports whether the extension's model is in drift.
func (e *Engine) DriftDetected(extensionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model(extensionID).drift
}

func (e *Engine) model(extensionID string) *extensionModel {
	m, ok := e.models[extensionID]
	if !ok {
		m = &extensionModel{eValue: 1}
		e.models[extensionID] = m
	}
	return m
}
