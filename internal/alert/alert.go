// Package alert keeps a categorized, queryable record of notable security
// events. Alerts are immutable once emitted; the stream is append-only and
// safe for concurrent emit/query.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies what kind of event an alert records.
type Category string

const (
	CategoryQuarantine        Category = "quarantine"
	CategoryProfileTransition Category = "profile_transition"
	CategoryRiskOverride      Category = "risk_override"
	CategoryRolloutRollback   Category = "rollout_rollback"
	CategoryQuotaBreach       Category = "quota_breach"
	CategoryLedgerIntegrity   Category = "ledger_integrity"
	CategoryMalformedCall     Category = "malformed_call"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one notable security event.
type Alert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	ExtensionID string    `json:"extension_id"`
	Capability  string    `json:"capability,omitempty"`
	Action      string    `json:"action,omitempty"` // what the system did about it
	ReasonCodes []string  `json:"reason_codes,omitempty"`
	ContextHash string    `json:"context_hash,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Stream is an in-process append-only alert record.
type Stream struct {
	mu     sync.RWMutex
	alerts []Alert
}

// NewStream creates an empty alert stream.
func NewStream() *Stream {
	return &Stream{}
}

// Emit appends an alert, assigning its id and timestamp if unset, and
// returns the stored copy.
func (s *Stream) Emit(a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return a
}

// Filter selects alerts for Query. Zero values match everything.
type Filter struct {
	ExtensionID string
	Categories  []Category
	MinSeverity Severity
	Since       time.Time
	Until       time.Time
}

// Query returns copies of all alerts matching the filter, oldest first.
func (s *Stream) Query(f Filter) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Alert
	for _, a := range s.alerts {
		if f.ExtensionID != "" && a.ExtensionID != f.ExtensionID {
			continue
		}
		if len(f.Categories) > 0 && !containsCategory(f.Categories, a.Category) {
			continue
		}
		if f.MinSeverity != "" && severityRank(a.Severity) < severityRank(f.MinSeverity) {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && a.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Len returns the number of alerts emitted so far.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

func containsCategory(cats []Category, c Category) bool {
	for _, x := range cats {
		if x == c {
			return true
		}
	}
	return false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}
