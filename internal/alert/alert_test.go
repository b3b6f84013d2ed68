package alert

import (
	"testing"
	"time"
)

func TestEmit_AssignsIDAndTimestamp(t *testing.T) {
	s := NewStream()
	a := s.Emit(Alert{Category: CategoryQuarantine, Severity: SeverityWarning, ExtensionID: "ext-1"})
	if a.ID == "" {
		t.Error("expected id to be assigned")
	}
	if a.Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestQuery_ByExtensionAndCategory(t *testing.T) {
	s := NewStream()
	s.Emit(Alert{Category: CategoryQuarantine, Severity: SeverityInfo, ExtensionID: "a"})
	s.Emit(Alert{Category: CategoryRiskOverride, Severity: SeverityWarning, ExtensionID: "a"})
	s.Emit(Alert{Category: CategoryQuarantine, Severity: SeverityInfo, ExtensionID: "b"})

	got := s.Query(Filter{ExtensionID: "a", Categories: []Category{CategoryQuarantine}})
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].ExtensionID != "a" || got[0].Category != CategoryQuarantine {
		t.Errorf("wrong alert returned: %+v", got[0])
	}
}

func TestQuery_MinSeverity(t *testing.T) {
	s := NewStream()
	s.Emit(Alert{Category: CategoryQuotaBreach, Severity: SeverityInfo, ExtensionID: "a"})
	s.Emit(Alert{Category: CategoryQuotaBreach, Severity: SeverityCritical, ExtensionID: "a"})

	got := s.Query(Filter{MinSeverity: SeverityWarning})
	if len(got) != 1 || got[0].Severity != SeverityCritical {
		t.Errorf("expected only the critical alert, got %v", got)
	}
}

func TestQuery_TimeRange(t *testing.T) {
	s := NewStream()
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Emit(Alert{Category: CategoryQuarantine, Timestamp: early, ExtensionID: "a"})
	s.Emit(Alert{Category: CategoryQuarantine, Timestamp: late, ExtensionID: "a"})

	got := s.Query(Filter{Since: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	if len(got) != 1 || !got[0].Timestamp.Equal(late) {
		t.Errorf("expected only the late alert, got %v", got)
	}
}
