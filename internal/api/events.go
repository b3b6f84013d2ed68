package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/chread"
)

func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	extensionID := q.Get("extension_id")
	if extensionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "extension_id query parameter is required"})
		return
	}

	params := chread.ListEventsParams{
		ExtensionID: extensionID,
		Page:        queryInt(q, "page", 1),
		PageSize:    queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}

	if v := q.Get("capability"); v != "" {
		params.Capability = &v
	}
	if v := q.Get("outcome"); v != "" {
		params.Outcome = &v
	}
	if v := q.Get("policy_reason"); v != "" {
		params.PolicyReason = &v
	}
	if v := q.Get("risk_enforced"); v != "" {
		b := v == "true" || v == "1"
		params.RiskEnforced = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	events, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]DispatchEventResp, 0, len(events)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventRowToResp(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	callID := r.PathValue("call_id")
	extensionID := r.URL.Query().Get("extension_id")
	if extensionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "extension_id query parameter is required"})
		return
	}

	event, err := d.Reader.GetEvent(r.Context(), extensionID, callID)
	if err != nil {
		d.Logger.Error("failed to get event", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get event"})
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Event not found."})
		return
	}

	writeJSON(w, http.StatusOK, eventRowToResp(*event))
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()

	days := queryInt(q, "days", 7)
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}

	// An empty extension_id aggregates across the whole fleet.
	result, err := d.Reader.GetAnalytics(r.Context(), q.Get("extension_id"), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// eventRowToResp converts a ClickHouse EventRow to the API response.
func eventRowToResp(e chread.EventRow) DispatchEventResp {
	return DispatchEventResp{
		CallID:         e.CallID,
		CorrelationID:  e.CorrelationID,
		ExtensionID:    e.ExtensionID,
		Method:         e.Method,
		Capability:     e.Capability,
		TrustTier:      e.TrustTier,
		PolicyDecision: e.PolicyDecision,
		PolicyReason:   e.PolicyReason,
		RiskAction:     nilIfEmpty(e.RiskAction),
		RiskScore:      e.RiskScore,
		RiskEnforced:   e.RiskEnforced == 1,
		RolloutPhase:   e.RolloutPhase,
		Outcome:        e.Outcome,
		RejectReason:   nilIfEmpty(e.RejectReason),
		ParamsPreview:  e.ParamsPreview,
		ParamsHash:     e.ParamsHash,
		LatencyMs:      e.LatencyMs,
		DecisionMs:     e.DecisionMs,
		LedgerHash:     e.LedgerHash,
		Timestamp:      e.Timestamp,
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func queryInt(q interface{ Get(string) string }, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
