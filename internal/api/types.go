package api

import (
	"encoding/json"
	"time"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/evidence"
)

// --- POST /v1/hostcall request ---

// HostcallRequest is the JSON body for POST /v1/hostcall. The declared
// capability is advisory; the resolver's derivation is authoritative. The
// authenticated extension is the caller — extension identity never comes
// from the body.
type HostcallRequest struct {
	CallID     string          `json:"call_id,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Method     string          `json:"method"`
	ToolName   string          `json:"tool_name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	TimeoutMs  int             `json:"timeout_ms,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
}

// The hostcall response body is dispatch.Result, returned as-is.

// --- Extension CRUD ---

// CreateExtensionReq is the JSON body for POST /api/hostguard/extensions.
type CreateExtensionReq struct {
	Name    string `json:"name"`
	Profile string `json:"profile,omitempty"` // defaults to "standard"
}

// CreateExtensionResp includes the plaintext API key (shown once).
type CreateExtensionResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	Profile      string    `json:"profile"`
	OnboardedAt  time.Time `json:"onboarded_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// UpdateExtensionReq is the JSON body for PATCH /api/hostguard/extensions/{id}.
type UpdateExtensionReq struct {
	Name           *string          `json:"name,omitempty"`
	Profile        *string          `json:"profile,omitempty"`
	PolicyOverride *json.RawMessage `json:"policy_override,omitempty"`
}

// ExtensionResp is the extension view without the plaintext key.
type ExtensionResp struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	APIKeyPrefix   string          `json:"api_key_prefix"`
	Profile        string          `json:"profile"`
	PolicyOverride json.RawMessage `json:"policy_override"`
	OnboardedAt    time.Time       `json:"onboarded_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RotateKeyResp includes the new plaintext API key (shown once).
type RotateKeyResp struct {
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// --- Manifests ---

// RegisterManifestReq is the JSON body for POST .../manifests.
type RegisterManifestReq struct {
	Capability  string         `json:"capability"`
	ParamSchema map[string]any `json:"param_schema,omitempty"`
	Quota       *QuotaReq      `json:"quota,omitempty"`
}

// QuotaReq is a sliding-window call quota.
type QuotaReq struct {
	MaxCalls      int `json:"max_calls"`
	WindowSeconds int `json:"window_seconds"`
}

// --- Trust ---

// DemoteReq is the JSON body for POST .../trust/demote.
type DemoteReq struct {
	Reason string `json:"reason"`
}

// QuarantineReq is the JSON body for POST .../trust/quarantine.
type QuarantineReq struct {
	SourceClass string `json:"source_class"`
}

// TrustResp is the trust state view plus a correlation id.
type TrustResp struct {
	CorrelationID  string    `json:"correlation_id"`
	ExtensionID    string    `json:"extension_id"`
	Tier           string    `json:"tier"`
	Acknowledged   bool      `json:"acknowledged"`
	SourceClass    string    `json:"source_class,omitempty"`
	DemotedFrom    string    `json:"demoted_from,omitempty"`
	DemotionReason string    `json:"demotion_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// --- Rollout ---

// SetPhaseReq is the JSON body for POST /api/hostguard/rollout/phase.
type SetPhaseReq struct {
	Phase string `json:"phase"`
}

// RolloutResp is the rollout state view plus a correlation id.
type RolloutResp struct {
	CorrelationID   string    `json:"correlation_id"`
	Phase           string    `json:"phase"`
	TransitionCount int       `json:"transition_count"`
	LastTransition  time.Time `json:"last_transition"`
	PhaseStartedAt  time.Time `json:"phase_started_at"`
	RolledBackFrom  string    `json:"rolled_back_from,omitempty"`
	AutoRollback    bool      `json:"auto_rollback"`
}

// --- Alerts ---

// AlertListResp is a queried alert slice plus counts and a correlation id.
type AlertListResp struct {
	CorrelationID string        `json:"correlation_id"`
	Alerts        []alert.Alert `json:"alerts"`
	Total         int           `json:"total"`
}

// --- Evidence ---

// BuildBundleReq is the JSON body for POST /api/hostguard/evidence.
type BuildBundleReq struct {
	ExtensionID string            `json:"extension_id,omitempty"`
	Since       *time.Time        `json:"since,omitempty"`
	Until       *time.Time        `json:"until,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Redaction   map[string]string `json:"redaction,omitempty"` // field -> keep|hash|redact
}

// BuildBundleResp wraps the bundle with a correlation id and counts.
type BuildBundleResp struct {
	CorrelationID  string           `json:"correlation_id"`
	Bundle         *evidence.Bundle `json:"bundle"`
	LedgerEntries  int              `json:"ledger_entries"`
	AlertCount     int              `json:"alert_count"`
	TelemetryCount int              `json:"telemetry_count"`
}

// VerifyBundleResp reports the outcome of a bundle verification.
type VerifyBundleResp struct {
	CorrelationID string `json:"correlation_id"`
	Valid         bool   `json:"valid"`
	Detail        string `json:"detail,omitempty"`
}

// --- Dispatch events ---

// DispatchEventResp mirrors one dispatch_events row.
type DispatchEventResp struct {
	CallID         string    `json:"call_id"`
	CorrelationID  string    `json:"correlation_id"`
	ExtensionID    string    `json:"extension_id"`
	Method         string    `json:"method"`
	Capability     string    `json:"capability"`
	TrustTier      string    `json:"trust_tier"`
	PolicyDecision string    `json:"policy_decision"`
	PolicyReason   string    `json:"policy_reason"`
	RiskAction     *string   `json:"risk_action"`
	RiskScore      float32   `json:"risk_score"`
	RiskEnforced   bool      `json:"risk_enforced"`
	RolloutPhase   string    `json:"rollout_phase"`
	Outcome        string    `json:"outcome"`
	RejectReason   *string   `json:"reject_reason"`
	ParamsPreview  string    `json:"params_preview"`
	ParamsHash     string    `json:"params_hash"`
	LatencyMs      float32   `json:"latency_ms"`
	DecisionMs     float32   `json:"decision_ms"`
	LedgerHash     string    `json:"ledger_hash"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventListResp is a paginated dispatch-event slice.
type EventListResp struct {
	Events   []DispatchEventResp `json:"events"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
