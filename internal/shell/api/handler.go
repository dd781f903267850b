// Package api provides the HTTP surface a host tool uses to drive runway
// out-of-process: preview and apply passes, plus recorded state lookup.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/runway/internal/core/manifest"
	"github.com/artpar/runway/internal/shell/engine"
	"github.com/artpar/runway/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Deployer runs passes; implemented by the engine.
type Deployer interface {
	Preview(ctx context.Context, deployments []manifest.Deployment) (engine.PassResult, error)
	Apply(ctx context.Context, deployments []manifest.Deployment) (engine.PassResult, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	deployer Deployer
	store    store.Store
	defaults manifest.Defaults
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deployer, s store.Store, defaults manifest.Defaults, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deployer: d,
		store:    s,
		defaults: defaults,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/preview", h.handlePreview)
		r.Post("/apply", h.handleApply)
		r.Get("/state", h.handleListState)
		r.Get("/state/{resourceID}", h.handleGetState)
		r.Delete("/state/{resourceID}", h.handleDeleteState)
	})

	return r
}

// jsonContentType sets the response content type for all API responses.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Request/Response Types
// =============================================================================

// passRequest is the body of preview and apply requests.
type passRequest struct {
	// Manifest is the raw runway manifest YAML.
	Manifest string `json:"manifest"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	deployments, ok := h.decodeManifest(w, r)
	if !ok {
		return
	}

	result, err := h.deployer.Preview(r.Context(), deployments)
	if err != nil {
		h.logger.Error("preview failed", "error", err)
		h.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	deployments, ok := h.decodeManifest(w, r)
	if !ok {
		return
	}

	result, err := h.deployer.Apply(r.Context(), deployments)
	if err != nil {
		h.logger.Error("apply failed", "error", err)
		h.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")

	state, err := h.store.ReadServiceState(r.Context(), resourceID)
	if err != nil {
		h.logger.Error("state read failed", "resource_id", resourceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "state read failed")
		return
	}
	if state == nil {
		h.writeError(w, http.StatusNotFound, "no state recorded for "+resourceID)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// handleDeleteState removes one resource's record, e.g. one orphaned by
// renaming a service without a stable manifest id. The live service is
// not touched.
func (h *Handler) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")

	state, err := h.store.ReadServiceState(r.Context(), resourceID)
	if err != nil {
		h.logger.Error("state read failed", "resource_id", resourceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "state read failed")
		return
	}
	if state == nil {
		h.writeError(w, http.StatusNotFound, "no state recorded for "+resourceID)
		return
	}

	if err := h.store.DeleteServiceState(r.Context(), resourceID); err != nil {
		h.logger.Error("state delete failed", "resource_id", resourceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "state delete failed")
		return
	}
	h.logger.Info("state record deleted", "resource_id", resourceID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleListState(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListResourceIDs(r.Context())
	if err != nil {
		h.logger.Error("state list failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "state list failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"resource_ids": ids})
}

// =============================================================================
// Helpers
// =============================================================================

// decodeManifest parses the request body into resolved deployments,
// writing the error response itself on failure.
func (h *Handler) decodeManifest(w http.ResponseWriter, r *http.Request) ([]manifest.Deployment, bool) {
	var req passRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	deployments, err := manifest.Parse(req.Manifest, h.defaults)
	if err != nil {
		var parseErr *manifest.ParseError
		if errors.As(err, &parseErr) {
			h.writeError(w, http.StatusBadRequest, parseErr.Error())
		} else {
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return nil, false
	}
	return deployments, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
