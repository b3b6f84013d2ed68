package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/trust"
)

func trustToResp(st *trust.State) TrustResp {
	return TrustResp{
		CorrelationID:  uuid.New().String(),
		ExtensionID:    st.ExtensionID,
		Tier:           string(st.Tier),
		Acknowledged:   st.Acknowledged,
		SourceClass:    st.SourceClass,
		DemotedFrom:    string(st.DemotedFrom),
		DemotionReason: st.DemotionReason,
		UpdatedAt:      st.UpdatedAt,
	}
}

// writeTrustResult maps tracker errors onto HTTP statuses. Transition
// preconditions are caller errors, not server faults.
func (d *Dependencies) writeTrustResult(w http.ResponseWriter, st *trust.State, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, trustToResp(st))
	case errors.Is(err, trust.ErrUnknownExtension):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Extension has no trust state."})
	case errors.Is(err, trust.ErrNotQuarantined),
		errors.Is(err, trust.ErrNotDemoted),
		errors.Is(err, trust.ErrDisclosuresNotAcked):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("trust operation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Trust operation failed"})
	}
}

func (d *Dependencies) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	st, err := d.Trust.Get(r.Context(), r.PathValue("extension_id"))
	d.writeTrustResult(w, st, err)
}

func (d *Dependencies) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req QuarantineReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.SourceClass == "" {
		req.SourceClass = "operator"
	}
	st, err := d.Trust.Quarantine(r.Context(), r.PathValue("extension_id"), req.SourceClass)
	d.writeTrustResult(w, st, err)
}

func (d *Dependencies) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	st, err := d.Trust.Acknowledge(r.Context(), r.PathValue("extension_id"))
	d.writeTrustResult(w, st, err)
}

func (d *Dependencies) handlePromote(w http.ResponseWriter, r *http.Request) {
	st, err := d.Trust.Promote(r.Context(), r.PathValue("extension_id"))
	d.writeTrustResult(w, st, err)
}

func (d *Dependencies) handleDemote(w http.ResponseWriter, r *http.Request) {
	var req DemoteReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "reason is required"})
		return
	}
	st, err := d.Trust.Demote(r.Context(), r.PathValue("extension_id"), req.Reason)
	d.writeTrustResult(w, st, err)
}

func (d *Dependencies) handleReOnboard(w http.ResponseWriter, r *http.Request) {
	st, err := d.Trust.ReOnboard(r.Context(), r.PathValue("extension_id"))
	d.writeTrustResult(w, st, err)
}
