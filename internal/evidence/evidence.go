// Package evidence builds deterministic, redacted, hash-verifiable
// forensic bundles from the risk ledger, the alert stream, dispatch
// telemetry, and the auxiliary mediation sub-ledgers. Building the same
// inputs under the same filter and redaction policy always yields a
// byte-identical canonical payload and content hash.
package evidence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/hashutil"
	"github.com/wardenlabs/hostguard/internal/ledger"
	"github.com/wardenlabs/hostguard/internal/storage"
)

// ErrHashMismatch wraps all bundle verification failures.
var ErrHashMismatch = errors.New("evidence hash mismatch")

// RedactionMode says what happens to a field's value inside the bundle.
type RedactionMode string

const (
	ModeKeep   RedactionMode = "keep"
	ModeHash   RedactionMode = "hash"   // replace with SHA-256 of the value
	ModeRedact RedactionMode = "redact" // replace with a fixed placeholder
)

const redactedPlaceholder = "[REDACTED]"

// Redactable field names.
const (
	FieldParamsPreview = "params_preview"
	FieldAlertDetail   = "alert_detail"
	FieldRejectReason  = "reject_reason"
)

// RedactionPolicy maps field names to their redaction mode. Missing
// fields are kept.
type RedactionPolicy map[string]RedactionMode

func (p RedactionPolicy) apply(field, value string) string {
	switch p[field] {
	case ModeHash:
		return hashutil.HashString(value)
	case ModeRedact:
		return redactedPlaceholder
	default:
		return value
	}
}

// Scope filters which records enter a bundle.
type Scope struct {
	ExtensionID string           `json:"extension_id,omitempty"`
	Since       time.Time        `json:"since,omitempty"`
	Until       time.Time        `json:"until,omitempty"`
	Categories  []alert.Category `json:"categories,omitempty"`
}

// Payload is everything covered by the content hash. GeneratedAt and the
// bundle id deliberately live outside it.
type Payload struct {
	Scope        Scope                    `json:"scope"`
	Redaction    RedactionPolicy          `json:"redaction"`
	RiskLedger   []ledger.Entry           `json:"risk_ledger"`
	Alerts       []alert.Alert            `json:"alerts"`
	Telemetry    []storage.DispatchEvent  `json:"telemetry"`
	ExecLedger   []ExecRecord             `json:"exec_ledger"`
	SecretLedger []SecretRecord           `json:"secret_ledger"`
	QuotaLedger  []QuotaRecord            `json:"quota_ledger"`
}

// Sub-artifact names, used in verification errors.
const (
	ArtifactRiskLedger   = "risk_ledger"
	ArtifactAlerts       = "alerts"
	ArtifactTelemetry    = "telemetry"
	ArtifactExecLedger   = "exec_ledger"
	ArtifactSecretLedger = "secret_ledger"
	ArtifactQuotaLedger  = "quota_ledger"
)

// Bundle is a forensic snapshot. ContentHash covers the payload and the
// per-artifact hashes; the generation timestamp is carried outside it so
// rebuilding identical inputs reproduces the hash bit-for-bit.
type Bundle struct {
	BundleID       string            `json:"bundle_id"`
	GeneratedAt    time.Time         `json:"generated_at"`
	Payload        Payload           `json:"payload"`
	ArtifactHashes map[string]string `json:"artifact_hashes"`
	ContentHash    string            `json:"content_hash"`
}

// TelemetrySource provides the dispatch telemetry slice.
type TelemetrySource interface {
	Slice(f storage.TelemetryFilter) []storage.DispatchEvent
}

// Bundler assembles bundles from the live mediation state.
type Bundler struct {
	ledger    *ledger.Ledger
	alerts    *alert.Stream
	telemetry TelemetrySource
	subs      *SubLedgers
}

// NewBundler creates a bundler over the given sources.
func NewBundler(l *ledger.Ledger, alerts *alert.Stream, telemetry TelemetrySource, subs *SubLedgers) *Bundler {
	return &Bundler{ledger: l, alerts: alerts, telemetry: telemetry, subs: subs}
}

// Build assembles a bundle. It refuses to proceed past a detected ledger
// chain break: the break is reported, no bundle is produced.
func (b *Bundler) Build(scope Scope, redaction RedactionPolicy) (*Bundle, error) {
	if scope.ExtensionID != "" {
		if err := b.ledger.VerifyExtension(scope.ExtensionID); err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
	} else if err := b.ledger.VerifyAll(); err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	if redaction == nil {
		redaction = RedactionPolicy{}
	}

	payload := Payload{
		Scope:     scope,
		Redaction: redaction,
		RiskLedger: b.ledger.Slice(ledger.Filter{
			ExtensionID: scope.ExtensionID,
			Since:       scope.Since,
			Until:       scope.Until,
		}),
		Alerts: b.alerts.Query(alert.Filter{
			ExtensionID: scope.ExtensionID,
			Categories:  scope.Categories,
			Since:       scope.Since,
			Until:       scope.Until,
		}),
		Telemetry: b.telemetry.Slice(storage.TelemetryFilter{
			ExtensionID: scope.ExtensionID,
			Since:       scope.Since,
			Until:       scope.Until,
		}),
	}
	payload.ExecLedger, payload.SecretLedger, payload.QuotaLedger =
		b.subs.snapshot(scope.ExtensionID, scope.Since, scope.Until)

	redact(&payload, redaction)
	sortPayload(&payload)

	hashes, contentHash, err := hashPayload(&payload)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	return &Bundle{
		BundleID:       uuid.New().String(),
		GeneratedAt:    time.Now().UTC(),
		Payload:        payload,
		ArtifactHashes: hashes,
		ContentHash:    contentHash,
	}, nil
}

// Verify recomputes every sub-artifact hash and the content hash from the
// bundle's payload. A mismatch names the affected sub-artifact.
func Verify(b *Bundle) error {
	hashes, contentHash, err := hashPayload(&b.Payload)
	if err != nil {
		return fmt.Errorf("Verify: %w", err)
	}

	for _, name := range artifactNames {
		if hashes[name] != b.ArtifactHashes[name] {
			return fmt.Errorf("%w: sub-artifact %q: recomputed %s, recorded %s",
				ErrHashMismatch, name, hashes[name], b.ArtifactHashes[name])
		}
	}
	if contentHash != b.ContentHash {
		return fmt.Errorf("%w: content hash: recomputed %s, recorded %s",
			ErrHashMismatch, contentHash, b.ContentHash)
	}
	return nil
}

var artifactNames = []string{
	ArtifactRiskLedger, ArtifactAlerts, ArtifactTelemetry,
	ArtifactExecLedger, ArtifactSecretLedger, ArtifactQuotaLedger,
}

// hashPayload computes per-artifact canonical hashes plus the overall
// content hash (scope + redaction + artifact hashes).
func hashPayload(p *Payload) (map[string]string, string, error) {
	hashes := make(map[string]string, len(artifactNames))

	artifacts := map[string]any{
		ArtifactRiskLedger:   p.RiskLedger,
		ArtifactAlerts:       p.Alerts,
		ArtifactTelemetry:    p.Telemetry,
		ArtifactExecLedger:   p.ExecLedger,
		ArtifactSecretLedger: p.SecretLedger,
		ArtifactQuotaLedger:  p.QuotaLedger,
	}
	for name, v := range artifacts {
		h, err := hashutil.CanonicalHashValue(v)
		if err != nil {
			return nil, "", fmt.Errorf("hashPayload %s: %w", name, err)
		}
		hashes[name] = h
	}

	contentHash, err := hashutil.CanonicalHashValue(map[string]any{
		"scope":           p.Scope,
		"redaction":       p.Redaction,
		"artifact_hashes": hashes,
	})
	if err != nil {
		return nil, "", fmt.Errorf("hashPayload content: %w", err)
	}
	return hashes, contentHash, nil
}

// redact rewrites redactable fields in place, before hashing.
func redact(p *Payload, policy RedactionPolicy) {
	for i := range p.Telemetry {
		p.Telemetry[i].ParamsPreview = policy.apply(FieldParamsPreview, p.Telemetry[i].ParamsPreview)
		p.Telemetry[i].RejectReason = policy.apply(FieldRejectReason, p.Telemetry[i].RejectReason)
	}
	for i := range p.Alerts {
		p.Alerts[i].Detail = policy.apply(FieldAlertDetail, p.Alerts[i].Detail)
	}
}

// sortPayload applies the bundle's stable ordering: timestamp, then
// extension id, then call id (or nearest equivalent).
func sortPayload(p *Payload) {
	sort.SliceStable(p.RiskLedger, func(i, j int) bool {
		a, b := p.RiskLedger[i], p.RiskLedger[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ExtensionID != b.ExtensionID {
			return a.ExtensionID < b.ExtensionID
		}
		return a.CallID < b.CallID
	})
	sort.SliceStable(p.Alerts, func(i, j int) bool {
		a, b := p.Alerts[i], p.Alerts[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ExtensionID != b.ExtensionID {
			return a.ExtensionID < b.ExtensionID
		}
		return a.ID < b.ID
	})
	sort.SliceStable(p.Telemetry, func(i, j int) bool {
		a, b := p.Telemetry[i], p.Telemetry[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ExtensionID != b.ExtensionID {
			return a.ExtensionID < b.ExtensionID
		}
		return a.CallID < b.CallID
	})
	sort.SliceStable(p.ExecLedger, func(i, j int) bool {
		return subLess(p.ExecLedger[i].Timestamp, p.ExecLedger[j].Timestamp,
			p.ExecLedger[i].ExtensionID, p.ExecLedger[j].ExtensionID)
	})
	sort.SliceStable(p.SecretLedger, func(i, j int) bool {
		return subLess(p.SecretLedger[i].Timestamp, p.SecretLedger[j].Timestamp,
			p.SecretLedger[i].ExtensionID, p.SecretLedger[j].ExtensionID)
	})
	sort.SliceStable(p.QuotaLedger, func(i, j int) bool {
		return subLess(p.QuotaLedger[i].Timestamp, p.QuotaLedger[j].Timestamp,
			p.QuotaLedger[i].ExtensionID, p.QuotaLedger[j].ExtensionID)
	})
}

func subLess(t1, t2 time.Time, e1, e2 string) bool {
	if !t1.Equal(t2) {
		return t1.Before(t2)
	}
	return e1 < e2
}
