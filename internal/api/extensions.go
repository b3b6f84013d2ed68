package api

import (
	"database/sql"
	"net/http"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/capability"
	"github.com/wardenlabs/hostguard/internal/policy"
	"github.com/wardenlabs/hostguard/internal/registry"
	"github.com/wardenlabs/hostguard/internal/store"
)

func validProfile(p string) bool {
	switch policy.Profile(p) {
	case policy.ProfileSafe, policy.ProfileStandard, policy.ProfilePermissive:
		return true
	}
	return false
}

func (d *Dependencies) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	var req CreateExtensionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	if req.Profile != "" && !validProfile(req.Profile) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "profile must be 'safe', 'standard', or 'permissive'"})
		return
	}

	ext, plainKey, err := d.Store.CreateExtension(r.Context(), req.Name, req.Profile)
	if err != nil {
		d.Logger.Error("failed to create extension", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create extension"})
		return
	}

	// New extensions start quarantined; operators promote them after the
	// onboarding disclosures are acknowledged.
	if _, err := d.Trust.Quarantine(r.Context(), ext.ID, "operator_registration"); err != nil {
		d.Logger.Error("failed to quarantine new extension", zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, CreateExtensionResp{
		ID:           ext.ID,
		Name:         ext.Name,
		APIKey:       plainKey,
		APIKeyPrefix: ext.APIKeyPrefix,
		Profile:      ext.Profile,
		OnboardedAt:  ext.OnboardedAt,
		CreatedAt:    ext.CreatedAt,
	})
}

func (d *Dependencies) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	extensions, err := d.Store.ListExtensions(r.Context())
	if err != nil {
		d.Logger.Error("failed to list extensions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list extensions"})
		return
	}

	resp := make([]ExtensionResp, 0, len(extensions))
	for _, e := range extensions {
		resp = append(resp, extensionToResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("extension_id")
	ext, err := d.Store.GetExtension(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to get extension", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get extension"})
		return
	}
	if ext == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Extension not found."})
		return
	}
	writeJSON(w, http.StatusOK, extensionToResp(ext))
}

func (d *Dependencies) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("extension_id")

	var req UpdateExtensionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	if req.Name != nil && (len(*req.Name) == 0 || len(*req.Name) > 255) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	if req.Profile != nil && !validProfile(*req.Profile) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "profile must be 'safe', 'standard', or 'permissive'"})
		return
	}

	ext, err := d.Store.UpdateExtension(r.Context(), id, store.UpdateExtensionParams{
		Name:           req.Name,
		Profile:        req.Profile,
		PolicyOverride: req.PolicyOverride,
	})
	if err != nil {
		d.Logger.Error("failed to update extension", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update extension"})
		return
	}
	if ext == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Extension not found."})
		return
	}
	writeJSON(w, http.StatusOK, extensionToResp(ext))
}

func (d *Dependencies) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("extension_id")
	err := d.Store.DeleteExtension(r.Context(), id)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Extension not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete extension", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete extension"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("extension_id")
	ext, plainKey, err := d.Store.RotateAPIKey(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to rotate key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate API key"})
		return
	}
	writeJSON(w, http.StatusOK, RotateKeyResp{
		APIKey:       plainKey,
		APIKeyPrefix: ext.APIKeyPrefix,
	})
}

// handleRegisterManifest registers a capability manifest (param schema and
// quota) for an extension. The schema is compiled eagerly; a bad schema is
// rejected here, not at dispatch time.
func (d *Dependencies) handleRegisterManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("extension_id")

	var req RegisterManifestReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Capability == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "capability is required"})
		return
	}

	ext, err := d.Store.GetExtension(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to get extension", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get extension"})
		return
	}
	if ext == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Extension not found."})
		return
	}

	m := registry.Manifest{
		ExtensionID: id,
		Capability:  capability.Capability(req.Capability),
		ParamSchema: req.ParamSchema,
	}
	if req.Quota != nil {
		m.Quota = &registry.Quota{
			MaxCalls:      req.Quota.MaxCalls,
			WindowSeconds: req.Quota.WindowSeconds,
		}
	}
	if err := d.Registry.Register(m); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func extensionToResp(e *store.Extension) ExtensionResp {
	return ExtensionResp{
		ID:             e.ID,
		Name:           e.Name,
		APIKeyPrefix:   e.APIKeyPrefix,
		Profile:        e.Profile,
		PolicyOverride: e.PolicyOverride,
		OnboardedAt:    e.OnboardedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}
