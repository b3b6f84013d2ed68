package policy

import (
	"testing"

	"github.com/wardenlabs/hostguard/internal/capability"
)

func strPtr(s string) *string { return &s }

func TestEvaluate_EmptyCapabilityAlwaysDenied(t *testing.T) {
	for _, mode := range []Mode{ModePrompt, ModeStrict, ModePermissive} {
		cfg := Config{Mode: mode, DefaultCaps: []string{"read"}}
		for _, cap := range []capability.Capability{"", "   ", "\t"} {
			res := Evaluate(cap, cfg)
			if res.Decision != DecisionDeny {
				t.Errorf("mode=%s cap=%q: expected deny, got %s", mode, cap, res.Decision)
			}
			if res.Reason != ReasonEmptyCapability {
				t.Errorf("mode=%s cap=%q: expected reason %q, got %q", mode, cap, ReasonEmptyCapability, res.Reason)
			}
		}
	}
}

func TestEvaluate_DenyCapsIsAbsoluteFloor(t *testing.T) {
	// deny_caps wins even when the capability is also in default_caps
	// and even in permissive mode.
	for _, mode := range []Mode{ModePrompt, ModeStrict, ModePermissive} {
		cfg := Config{
			Mode:        mode,
			DefaultCaps: []string{"exec", "read"},
			DenyCaps:    []string{"exec"},
		}
		res := Evaluate(capability.CapExec, cfg)
		if res.Decision != DecisionDeny || res.Reason != ReasonDenyCaps {
			t.Errorf("mode=%s: got %s/%s, want deny/%s", mode, res.Decision, res.Reason, ReasonDenyCaps)
		}
	}
}

func TestEvaluate_DenyCapsCaseInsensitive(t *testing.T) {
	cfg := Config{Mode: ModePermissive, DenyCaps: []string{"EXEC "}}
	res := Evaluate(capability.CapExec, cfg)
	if res.Decision != DecisionDeny || res.Reason != ReasonDenyCaps {
		t.Errorf("got %s/%s, want deny/deny_caps", res.Decision, res.Reason)
	}
}

func TestEvaluate_DefaultCapsAllows(t *testing.T) {
	cfg := Config{Mode: ModeStrict, DefaultCaps: []string{"read"}}
	res := Evaluate(capability.CapRead, cfg)
	if res.Decision != DecisionAllow || res.Reason != ReasonDefaultCaps {
		t.Errorf("got %s/%s, want allow/default_caps", res.Decision, res.Reason)
	}
}

func TestEvaluate_ModeBranches(t *testing.T) {
	cases := []struct {
		mode       Mode
		decision   Decision
		reason     string
	}{
		{ModePrompt, DecisionPrompt, ReasonPromptRequired},
		{ModeStrict, DecisionDeny, ReasonNotInDefaultCaps},
		{ModePermissive, DecisionAllow, ReasonPermissive},
	}
	for _, tc := range cases {
		cfg := Config{Mode: tc.mode, DefaultCaps: []string{"read"}}
		res := Evaluate(capability.CapHTTP, cfg)
		if res.Decision != tc.decision || res.Reason != tc.reason {
			t.Errorf("mode=%s: got %s/%s, want %s/%s",
				tc.mode, res.Decision, res.Reason, tc.decision, tc.reason)
		}
	}
}

// Scenario from the decision contract: prompt mode, default_caps=[read],
// deny_caps=[exec].
func TestEvaluate_PromptModeScenario(t *testing.T) {
	cfg := Config{
		Mode:        ModePrompt,
		DefaultCaps: []string{"read"},
		DenyCaps:    []string{"exec"},
	}

	if res := Evaluate("read", cfg); res.Decision != DecisionAllow || res.Reason != ReasonDefaultCaps {
		t.Errorf("read: got %s/%s", res.Decision, res.Reason)
	}
	if res := Evaluate("exec", cfg); res.Decision != DecisionDeny || res.Reason != ReasonDenyCaps {
		t.Errorf("exec: got %s/%s", res.Decision, res.Reason)
	}
	if res := Evaluate("custom", cfg); res.Decision != DecisionPrompt || res.Reason != ReasonPromptRequired {
		t.Errorf("custom: got %s/%s", res.Decision, res.Reason)
	}
}

func TestOverride_NilReturnsProfilePreset(t *testing.T) {
	var o *Override
	cfg := o.EffectiveConfig(ProfileSafe)
	if cfg.Mode != ModeStrict {
		t.Errorf("safe profile should be strict, got %s", cfg.Mode)
	}
	if !containsFold(cfg.DenyCaps, "exec") {
		t.Error("safe profile should deny exec")
	}
}

func TestOverride_PartialFieldsMerge(t *testing.T) {
	o := &Override{
		Mode:     strPtr("permissive"),
		DenyCaps: []string{"session"},
	}
	cfg := o.EffectiveConfig(ProfileStandard)
	if cfg.Mode != ModePermissive {
		t.Errorf("mode override not applied, got %s", cfg.Mode)
	}
	if len(cfg.DenyCaps) != 1 || cfg.DenyCaps[0] != "session" {
		t.Errorf("deny_caps override not applied: %v", cfg.DenyCaps)
	}
	// DefaultCaps left nil → profile defaults retained.
	if !containsFold(cfg.DefaultCaps, "read") {
		t.Error("nil DefaultCaps should keep profile defaults")
	}
}
