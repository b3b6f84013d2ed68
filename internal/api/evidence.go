package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/evidence"
	"github.com/wardenlabs/hostguard/internal/ledger"
)

// handleBuildBundle serves POST /api/hostguard/evidence. The bundle is
// rebuilt from live state on every request; nothing is cached.
func (d *Dependencies) handleBuildBundle(w http.ResponseWriter, r *http.Request) {
	var req BuildBundleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	scope := evidence.Scope{ExtensionID: req.ExtensionID}
	if req.Since != nil {
		scope.Since = *req.Since
	}
	if req.Until != nil {
		scope.Until = *req.Until
	}
	for _, c := range req.Categories {
		scope.Categories = append(scope.Categories, alert.Category(c))
	}

	redaction := evidence.RedactionPolicy{}
	for field, mode := range req.Redaction {
		switch evidence.RedactionMode(mode) {
		case evidence.ModeKeep, evidence.ModeHash, evidence.ModeRedact:
			redaction[field] = evidence.RedactionMode(mode)
		default:
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "redaction mode must be one of: keep, hash, redact"})
			return
		}
	}

	bundle, err := d.Bundler.Build(scope, redaction)
	if err != nil {
		if errors.Is(err, ledger.ErrChainBreak) {
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
			return
		}
		d.Logger.Error("evidence bundle build failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to build evidence bundle"})
		return
	}

	writeJSON(w, http.StatusOK, BuildBundleResp{
		CorrelationID:  uuid.New().String(),
		Bundle:         bundle,
		LedgerEntries:  len(bundle.Payload.RiskLedger),
		AlertCount:     len(bundle.Payload.Alerts),
		TelemetryCount: len(bundle.Payload.Telemetry),
	})
}

// handleVerifyBundle serves POST /api/hostguard/evidence/verify. The body
// is a previously issued bundle; verification recomputes every hash.
func (d *Dependencies) handleVerifyBundle(w http.ResponseWriter, r *http.Request) {
	var bundle evidence.Bundle
	if err := readJSON(r, &bundle); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	resp := VerifyBundleResp{CorrelationID: uuid.New().String(), Valid: true}
	if err := evidence.Verify(&bundle); err != nil {
		resp.Valid = false
		resp.Detail = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
