// Package trust moves extensions through the quarantine → trusted →
// demoted lifecycle and gates which capabilities are reachable at all,
// before any policy is consulted.
package trust

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/capability"
	"go.uber.org/zap"
)

// Tier is an extension's standing.
type Tier string

const (
	TierQuarantined Tier = "quarantined"
	TierTrusted     Tier = "trusted"
	TierDemoted     Tier = "demoted"
)

var (
	ErrUnknownExtension    = errors.New("unknown extension")
	ErrNotQuarantined      = errors.New("extension is not quarantined")
	ErrNotDemoted          = errors.New("extension is not demoted")
	ErrDisclosuresNotAcked = errors.New("quarantine disclosures not acknowledged")
)

// State is the persisted trust record for one extension.
type State struct {
	ExtensionID    string    `json:"extension_id"`
	Tier           Tier      `json:"tier"`
	Acknowledged   bool      `json:"acknowledged"` // onboarding disclosures acknowledged
	SourceClass    string    `json:"source_class"` // classification recorded at quarantine
	DemotedFrom    Tier      `json:"demoted_from,omitempty"`
	DemotionReason string    `json:"demotion_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists trust state across restarts.
type Store interface {
	GetTrust(ctx context.Context, extensionID string) (*State, error)
	PutTrust(ctx context.Context, state *State) error
}

// Tracker is the per-extension trust state machine. All transitions are
// serialized under one mutex; reads go through the store.
type Tracker struct {
	mu     sync.Mutex
	store  Store
	alerts *alert.Stream
	logger *zap.Logger
}

// NewTracker creates a Tracker using the given persistence and alert stream.
func NewTracker(store Store, alerts *alert.Stream, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, alerts: alerts, logger: logger}
}

// Get returns the trust state for an extension, or ErrUnknownExtension.
func (t *Tracker) Get(ctx context.Context, extensionID string) (*State, error) {
	st, err := t.store.GetTrust(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrUnknownExtension
	}
	return st, nil
}

// Quarantine is the entry point for any newly discovered extension. It is
// idempotent for already-quarantined extensions and resets acknowledgment.
func (t *Tracker) Quarantine(ctx context.Context, extensionID, sourceClass string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &State{
		ExtensionID:  extensionID,
		Tier:         TierQuarantined,
		Acknowledged: false,
		SourceClass:  sourceClass,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := t.store.PutTrust(ctx, st); err != nil {
		return nil, err
	}
	t.logger.Info("extension quarantined",
		zap.String("extension_id", extensionID),
		zap.String("source_class", sourceClass),
	)
	return st, nil
}

// Acknowledge records that the extension's quarantine disclosures were
// acknowledged. Only meaningful while quarantined.
func (t *Tracker) Acknowledge(ctx context.Context, extensionID string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if st.Tier != TierQuarantined {
		return nil, ErrNotQuarantined
	}
	st.Acknowledged = true
	st.UpdatedAt = time.Now().UTC()
	if err := t.store.PutTrust(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Promote moves a quarantined extension to trusted. Requires the
// quarantine disclosures to have been acknowledged first.
func (t *Tracker) Promote(ctx context.Context, extensionID string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if st.Tier != TierQuarantined {
		return nil, ErrNotQuarantined
	}
	if !st.Acknowledged {
		return nil, ErrDisclosuresNotAcked
	}
	st.Tier = TierTrusted
	st.UpdatedAt = time.Now().UTC()
	if err := t.store.PutTrust(ctx, st); err != nil {
		return nil, err
	}

	t.alerts.Emit(alert.Alert{
		Category:    alert.CategoryProfileTransition,
		Severity:    alert.SeverityInfo,
		ExtensionID: extensionID,
		Action:      "promoted",
	})
	t.logger.Info("extension promoted", zap.String("extension_id", extensionID))
	return st, nil
}

// Demote is the emergency kill-switch, callable from any state. It records
// the tier it was called from and the reason, and raises a critical alert.
func (t *Tracker) Demote(ctx context.Context, extensionID, reason string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	st.DemotedFrom = st.Tier
	st.DemotionReason = reason
	st.Tier = TierDemoted
	st.Acknowledged = false
	st.UpdatedAt = time.Now().UTC()
	if err := t.store.PutTrust(ctx, st); err != nil {
		return nil, err
	}

	t.alerts.Emit(alert.Alert{
		Category:    alert.CategoryQuarantine,
		Severity:    alert.SeverityCritical,
		ExtensionID: extensionID,
		Action:      "demoted",
		ReasonCodes: []string{reason},
		Detail:      "demoted from " + string(st.DemotedFrom),
	})
	t.logger.Warn("extension demoted",
		zap.String("extension_id", extensionID),
		zap.String("from", string(st.DemotedFrom)),
		zap.String("reason", reason),
	)
	return st, nil
}

// ReOnboard moves a demoted extension back into quarantine with a fresh,
// unacknowledged disclosure requirement. A demoted extension can never
// skip straight back to trusted.
func (t *Tracker) ReOnboard(ctx context.Context, extensionID string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	if st.Tier != TierDemoted {
		return nil, ErrNotDemoted
	}
	st.Tier = TierQuarantined
	st.Acknowledged = false
	st.UpdatedAt = time.Now().UTC()
	if err := t.store.PutTrust(ctx, st); err != nil {
		return nil, err
	}
	t.logger.Info("extension re-onboarded into quarantine",
		zap.String("extension_id", extensionID),
	)
	return st, nil
}

// quarantineCaps is the conservative allow-list applied to quarantined
// extensions regardless of their declared policy. No exec/http.
var quarantineCaps = map[capability.Capability]bool{
	capability.CapRead: true,
	capability.CapLog:  true,
	capability.CapUI:   true,
}

// HostcallAllowed is the trust gate applied before the policy engine.
// Demoted extensions get only inert capabilities; quarantined extensions
// get the conservative allow-list; trusted extensions defer to policy.
func HostcallAllowed(st *State, cap capability.Capability) bool {
	if st == nil {
		return false
	}
	switch st.Tier {
	case TierTrusted:
		return true
	case TierQuarantined:
		return quarantineCaps[cap]
	case TierDemoted:
		return cap.Inert()
	default:
		return false
	}
}
