package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wardenlabs/hostguard/internal/alert"
	"github.com/wardenlabs/hostguard/internal/auth"
	"github.com/wardenlabs/hostguard/internal/chread"
	"github.com/wardenlabs/hostguard/internal/dispatch"
	"github.com/wardenlabs/hostguard/internal/evidence"
	"github.com/wardenlabs/hostguard/internal/registry"
	"github.com/wardenlabs/hostguard/internal/rollout"
	"github.com/wardenlabs/hostguard/internal/store"
	"github.com/wardenlabs/hostguard/internal/trust"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Trust      *trust.Tracker
	Rollout    *rollout.Controller
	Alerts     *alert.Stream
	Registry   *registry.Registry
	Bundler    *evidence.Bundler
	Reader     *chread.Reader // nil if ClickHouse unavailable
	Auth       auth.Authenticator
	Logger     *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Mediated hostcall endpoint (auth required via Bearer hgk_ key)
	mux.HandleFunc("POST /v1/hostcall", deps.authMiddleware(deps.handleHostcall))

	// Extension CRUD (no auth — dashboard auth added later)
	mux.HandleFunc("POST /api/hostguard/extensions", deps.handleCreateExtension)
	mux.HandleFunc("GET /api/hostguard/extensions", deps.handleListExtensions)
	mux.HandleFunc("GET /api/hostguard/extensions/{extension_id}", deps.handleGetExtension)
	mux.HandleFunc("PATCH /api/hostguard/extensions/{extension_id}", deps.handleUpdateExtension)
	mux.HandleFunc("DELETE /api/hostguard/extensions/{extension_id}", deps.handleDeleteExtension)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/rotate-key", deps.handleRotateKey)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/manifests", deps.handleRegisterManifest)

	// Trust lifecycle (no auth)
	mux.HandleFunc("GET /api/hostguard/extensions/{extension_id}/trust", deps.handleGetTrust)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/trust/quarantine", deps.handleQuarantine)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/trust/acknowledge", deps.handleAcknowledge)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/trust/promote", deps.handlePromote)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/trust/demote", deps.handleDemote)
	mux.HandleFunc("POST /api/hostguard/extensions/{extension_id}/trust/re-onboard", deps.handleReOnboard)

	// Rollout control (no auth)
	mux.HandleFunc("GET /api/hostguard/rollout", deps.handleGetRollout)
	mux.HandleFunc("POST /api/hostguard/rollout/phase", deps.handleSetPhase)
	mux.HandleFunc("POST /api/hostguard/rollout/advance", deps.handleAdvanceRollout)
	mux.HandleFunc("POST /api/hostguard/rollout/rollback", deps.handleRollback)

	// Alerts (no auth)
	mux.HandleFunc("GET /api/hostguard/alerts", deps.handleListAlerts)

	// Evidence bundles (no auth)
	mux.HandleFunc("POST /api/hostguard/evidence", deps.handleBuildBundle)
	mux.HandleFunc("POST /api/hostguard/evidence/verify", deps.handleVerifyBundle)

	// Events & Analytics (no auth)
	mux.HandleFunc("GET /api/hostguard/events", deps.handleListEvents)
	mux.HandleFunc("GET /api/hostguard/events/{call_id}", deps.handleGetEvent)
	mux.HandleFunc("GET /api/hostguard/analytics", deps.handleGetAnalytics)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
