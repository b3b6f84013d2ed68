package evidence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"github.com/wardenlabs/hostguard/internal/storage"
)

// fixture builds a bundler over deterministic inputs.
func fixture(t *testing.T, paramsPreview string) *Bundler {
	t.Helper()

	l := ledger.New()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, cap := range []string{"read", "exec"} {
		_, err := l.Append(ledger.Entry{
			Timestamp:      ts.Add(time.Duration(i) * time.Second),
			ExtensionID:    "ext-1",
			CallID:         "call-" + cap,
			Capability:     cap,
			PolicyDecision: "allow",
			SelectedAction: "allow",
			Outcome:        "executed",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	alerts := alert.NewStream()
	alerts.Emit(alert.Alert{
		ID:          "alert-1",
		Timestamp:   ts,
		Category:    alert.CategoryRiskOverride,
		Severity:    alert.SeverityWarning,
		ExtensionID: "ext-1",
		Detail:      "risk deny on exec",
	})

	tel := storage.NewMemoryWriter()
	tel.Write(&storage.DispatchEvent{
		CallID:        "call-exec",
		ExtensionID:   "ext-1",
		Timestamp:     ts,
		Capability:    "exec",
		Outcome:       "executed",
		ParamsPreview: paramsPreview,
	})

	subs := NewSubLedgers()
	subs.RecordExec("ext-1", "rm -rf /tmp/scratch")
	subs.RecordQuotaBreach("ext-1", "http", 10)

	return NewBundler(l, alerts, tel, subs)
}

func TestBuild_Deterministic(t *testing.T) {
	scope := Scope{ExtensionID: "ext-1"}
	policy := RedactionPolicy{FieldParamsPreview: ModeHash}

	b := fixture(t, "secret params")
	first, err := b.Build(scope, policy)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(scope, policy)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if first.ContentHash != second.ContentHash {
		t.Errorf("identical inputs produced different content hashes:\n%s\n%s",
			first.ContentHash, second.ContentHash)
	}
	if first.BundleID == second.BundleID {
		t.Error("bundle ids should differ between builds")
	}
}

// telemetryOnlyBundler avoids the wall-clock sub-ledger timestamps so two
// independently built fixtures are comparable byte-for-byte.
func telemetryOnlyBundler(t *testing.T, paramsPreview string) *Bundler {
	t.Helper()
	tel := storage.NewMemoryWriter()
	tel.Write(&storage.DispatchEvent{
		CallID:        "call-1",
		ExtensionID:   "ext-1",
		Timestamp:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Capability:    "exec",
		Outcome:       "executed",
		ParamsPreview: paramsPreview,
	})
	return NewBundler(ledger.New(), alert.NewStream(), tel, NewSubLedgers())
}

func TestBuild_RedactedFieldDoesNotAffectHash(t *testing.T) {
	scope := Scope{ExtensionID: "ext-1"}
	redacting := RedactionPolicy{FieldParamsPreview: ModeRedact}

	a, err := telemetryOnlyBundler(t, "payload variant A").Build(scope, redacting)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := telemetryOnlyBundler(t, "payload variant B").Build(scope, redacting)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.ContentHash != b.ContentHash {
		t.Error("fully redacted field should not influence the content hash")
	}

	// The same mutation under a keep policy must change the hash.
	keep := RedactionPolicy{}
	a2, _ := telemetryOnlyBundler(t, "payload variant A").Build(scope, keep)
	b2, _ := telemetryOnlyBundler(t, "payload variant B").Build(scope, keep)
	if a2.ContentHash == b2.ContentHash {
		t.Error("retained field mutation should change the content hash")
	}
}

func TestVerify_CleanBundle(t *testing.T) {
	bundle, err := fixture(t, "params").Build(Scope{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Verify(bundle); err != nil {
		t.Errorf("Verify of untampered bundle: %v", err)
	}
}

func TestVerify_TamperNamesSubArtifact(t *testing.T) {
	bundle, err := fixture(t, "params").Build(Scope{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Flip one byte inside the telemetry sub-artifact.
	bundle.Payload.Telemetry[0].Capability = "exeq"

	err = Verify(bundle)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), ArtifactTelemetry) {
		t.Errorf("verification error should name the telemetry sub-artifact: %v", err)
	}
}

func TestVerify_TamperedLedgerEntry(t *testing.T) {
	bundle, err := fixture(t, "params").Build(Scope{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bundle.Payload.RiskLedger[0].Capability = "session"

	err = Verify(bundle)
	if !errors.Is(err, ErrHashMismatch) || !strings.Contains(err.Error(), ArtifactRiskLedger) {
		t.Errorf("expected risk_ledger hash mismatch, got %v", err)
	}
}

func TestBuild_RefusesBrokenChain(t *testing.T) {
	l := ledger.New()
	l.Append(ledger.Entry{ExtensionID: "ext-1", CallID: "a", Outcome: "executed"})
	entries := l.Slice(ledger.Filter{})
	entries[0].Outcome = "rejected"

	tampered, err := ledger.Load(entries)
	if err == nil {
		// Load itself must reject; if it ever didn't, Build must.
		b := NewBundler(tampered, alert.NewStream(), storage.NewMemoryWriter(), NewSubLedgers())
		if _, err := b.Build(Scope{}, nil); !errors.Is(err, ledger.ErrChainBreak) {
			t.Fatalf("expected chain break error, got %v", err)
		}
		return
	}
	if !errors.Is(err, ledger.ErrChainBreak) {
		t.Fatalf("expected ErrChainBreak from Load, got %v", err)
	}
}

func TestBuild_ScopeFilters(t *testing.T) {
	l := ledger.New()
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.Append(ledger.Entry{Timestamp: ts, ExtensionID: "ext-a", CallID: "1", Outcome: "executed"})
	l.Append(ledger.Entry{Timestamp: ts, ExtensionID: "ext-b", CallID: "2", Outcome: "executed"})

	b := NewBundler(l, alert.NewStream(), storage.NewMemoryWriter(), NewSubLedgers())
	bundle, err := b.Build(Scope{ExtensionID: "ext-a"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(bundle.Payload.RiskLedger) != 1 || bundle.Payload.RiskLedger[0].ExtensionID != "ext-a" {
		t.Errorf("scope filter not applied: %+v", bundle.Payload.RiskLedger)
	}
}
