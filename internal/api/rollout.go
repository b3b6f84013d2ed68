package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/rollout"
)

func rolloutToResp(st rollout.State) RolloutResp {
	resp := RolloutResp{
		CorrelationID:   uuid.New().String(),
		Phase:           st.Phase.String(),
		TransitionCount: st.TransitionCount,
		LastTransition:  st.LastTransition,
		PhaseStartedAt:  st.PhaseStartedAt,
		AutoRollback:    st.AutoRollback,
	}
	if st.RolledBackFrom > rollout.PhaseShadow {
		resp.RolledBackFrom = st.RolledBackFrom.String()
	}
	return resp
}

func (d *Dependencies) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rolloutToResp(d.Rollout.State()))
}

func (d *Dependencies) handleSetPhase(w http.ResponseWriter, r *http.Request) {
	var req SetPhaseReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	phase, err := rollout.ParsePhase(req.Phase)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "phase must be one of: shadow, log_only, enforce_new, enforce_all"})
		return
	}
	st, err := d.Rollout.SetPhase(r.Context(), phase)
	if err != nil {
		d.Logger.Error("rollout phase change failed", zap.String("phase", req.Phase), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to persist rollout phase"})
		return
	}
	writeJSON(w, http.StatusOK, rolloutToResp(st))
}

func (d *Dependencies) handleAdvanceRollout(w http.ResponseWriter, r *http.Request) {
	st, err := d.Rollout.Advance(r.Context())
	if err != nil {
		if errors.Is(err, rollout.ErrAtMaxPhase) {
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
			return
		}
		d.Logger.Error("rollout advance failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to persist rollout phase"})
		return
	}
	writeJSON(w, http.StatusOK, rolloutToResp(st))
}

func (d *Dependencies) handleRollback(w http.ResponseWriter, r *http.Request) {
	st, err := d.Rollout.Rollback(r.Context())
	if err != nil {
		d.Logger.Error("rollout rollback failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to persist rollout phase"})
		return
	}
	writeJSON(w, http.StatusOK, rolloutToResp(st))
}
