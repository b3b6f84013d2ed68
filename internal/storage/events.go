package storage

import "time"

// EventWriter is the interface for persisting dispatch events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DispatchEvent)
	Close()
}

// DispatchEvent is the structured telemetry record one hostcall dispatch
// emits. It is the substrate the evidence bundler consumes.
type DispatchEvent struct {
	CallID         string
	CorrelationID  string
	ExtensionID    string
	Timestamp      time.Time
	Method         string
	Capability     string
	TrustTier      string
	PolicyDecision string
	PolicyReason   string
	RiskAction     string
	RiskScore      float64 // P(unsafe) when risk ran, 0 otherwise
	RiskEnforced   bool
	RolloutPhase   string
	Outcome        string // executed | rejected | error | cancelled
	RejectReason   string
	ParamsPreview  string // first 500 chars of params JSON
	ParamsHash     string // SHA-256 of full params
	LatencyMs      float64
	DecisionMs     float64
	LedgerHash     string
}

// ParamsPreviewLength is the max chars stored in params_preview.
const ParamsPreviewLength = 500

// TruncateParams returns the first N characters (runes) of a params blob
// for preview storage. It never splits a multi-byte UTF-8 character.
func TruncateParams(params string, maxLen int) string {
	runes := []rune(params)
	if len(runes) <= maxLen {
		return params
	}
	return string(runes[:maxLen])
}
