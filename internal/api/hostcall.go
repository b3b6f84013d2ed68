package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/dispatch"
)

// handleHostcall implements POST /v1/hostcall.
// Auth middleware has already validated the Bearer token and injected the
// extension; the authenticated identity is the caller, never the body.
func (d *Dependencies) handleHostcall(w http.ResponseWriter, r *http.Request) {
	var req HostcallRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "method is required"})
		return
	}

	ext := extensionFromContext(r.Context())
	if ext == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing extension context"})
		return
	}

	call := &dispatch.HostCall{
		CallID:        req.CallID,
		CorrelationID: req.TraceID,
		ExtensionID:   ext.ExtensionID,
		Capability:    req.Capability,
		Method:        req.Method,
		ToolName:      req.ToolName,
		Params:        string(req.Params),
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
		// A dropped HTTP connection is the caller's cancel signal.
		Cancel: r.Context().Done(),
	}

	result, err := d.Dispatcher.Dispatch(r.Context(), call)
	if err != nil {
		d.Logger.Error("dispatch failed",
			zap.String("extension_id", ext.ExtensionID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Dispatch failed"})
		return
	}

	// Policy denials, prompts, and risk overrides are first-class results,
	// not HTTP errors.
	writeJSON(w, http.StatusOK, result)
}
