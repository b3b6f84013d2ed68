package policy

import (
	"strings"

	"github.com/wardenlabs/hostguard/internal/capability"
)

// Decision represents the policy engine's verdict for one capability.
type Decision int

const (
	DecisionAllow Decision = iota + 1
	DecisionDeny
	DecisionPrompt
)

// String returns the lowercase decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionPrompt:
		return "prompt"
	default:
		return "unspecified"
	}
}

// Mode controls how capabilities outside default_caps are handled.
type Mode string

const (
	ModePrompt     Mode = "prompt"
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
)

// Profile is a named preset bundling a mode with default capability sets.
type Profile string

const (
	ProfileSafe       Profile = "safe"
	ProfileStandard   Profile = "standard"
	ProfilePermissive Profile = "permissive"
)

// Stable reason codes. These are part of the observable contract: tests,
// logs, the ledger, and operators all consume them.
const (
	ReasonEmptyCapability  = "empty_capability"
	ReasonDenyCaps         = "deny_caps"
	ReasonDefaultCaps      = "default_caps"
	ReasonPromptRequired   = "prompt_required"
	ReasonNotInDefaultCaps = "not_in_default_caps"
	ReasonPermissive       = "permissive"
)

// Config is the active policy for one extension. Immutable during a
// dispatch; capability matching is case-insensitive.
type Config struct {
	Mode        Mode
	Profile     Profile
	DefaultCaps []string
	DenyCaps    []string
}

// Result is the outcome of one policy evaluation. Produced fresh per call
// and never persisted directly — only through the ledger entry.
type Result struct {
	Decision   Decision
	Reason     string
	Capability capability.Capability
}

// ProfileConfig returns the preset Config for a named profile.
func ProfileConfig(p Profile) Config {
	switch p {
	case ProfileSafe:
		return Config{
			Mode:        ModeStrict,
			Profile:     ProfileSafe,
			DefaultCaps: []string{"read", "log"},
			DenyCaps:    []string{"exec", "session"},
		}
	case ProfilePermissive:
		return Config{
			Mode:        ModePermissive,
			Profile:     ProfilePermissive,
			DefaultCaps: []string{"read", "write", "log", "env", "ui"},
		}
	default:
		return Config{
			Mode:        ModePrompt,
			Profile:     ProfileStandard,
			DefaultCaps: []string{"read", "log"},
		}
	}
}

// Evaluate is a pure function from (capability, config) to a decision.
//
// Order of checks:
//  1. empty/whitespace capability      → Deny  "empty_capability"
//  2. capability in deny_caps          → Deny  "deny_caps" (unconditional floor)
//  3. capability in default_caps       → Allow "default_caps"
//  4. otherwise, by mode: prompt → Prompt "prompt_required";
//     strict → Deny "not_in_default_caps"; permissive → Allow "permissive"
func Evaluate(cap capability.Capability, cfg Config) Result {
	name := strings.ToLower(strings.TrimSpace(string(cap)))
	if name == "" {
		return Result{Decision: DecisionDeny, Reason: ReasonEmptyCapability, Capability: cap}
	}

	if containsFold(cfg.DenyCaps, name) {
		return Result{Decision: DecisionDeny, Reason: ReasonDenyCaps, Capability: cap}
	}

	if containsFold(cfg.DefaultCaps, name) {
		return Result{Decision: DecisionAllow, Reason: ReasonDefaultCaps, Capability: cap}
	}

	switch cfg.Mode {
	case ModeStrict:
		return Result{Decision: DecisionDeny, Reason: ReasonNotInDefaultCaps, Capability: cap}
	case ModePermissive:
		return Result{Decision: DecisionAllow, Reason: ReasonPermissive, Capability: cap}
	default:
		return Result{Decision: DecisionPrompt, Reason: ReasonPromptRequired, Capability: cap}
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(strings.TrimSpace(h), needle) {
			return true
		}
	}
	return false
}
