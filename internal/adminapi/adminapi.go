// Package adminapi serves the management REST surface: configuration
// inspection and replacement, file-backed reload, and lock-table
// introspection. The full web UI is a separate deliverable; the JSON wire
// contract served here is what it builds on.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vxi11gw/vxi11gw/internal/config"
	"github.com/vxi11gw/vxi11gw/internal/vxi11"
)

// LocksResponse is the body of GET /api/admin/locks.
type LocksResponse struct {
	Owners map[string]*int32 `json:"owners"`
}

// errorResponse is the body of any non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler exposes the management endpoints over an http.ServeMux.
type Handler struct {
	store  *config.Store
	engine *vxi11.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the management handler.
func New(store *config.Store, engine *vxi11.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{store: store, engine: engine, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("/api/config", h.handleConfig)
	h.mux.HandleFunc("/api/reload", h.handleReload)
	h.mux.HandleFunc("/api/admin/locks", h.handleLocks)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Current())
	case http.MethodPost:
		var doc config.Document
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if err := h.store.Replace(&doc); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
			return
		}
		h.logger.Info("configuration replaced via api")
		writeJSON(w, http.StatusOK, h.store.Current())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.store.Reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	// Live links keep their pinned adapter snapshot; links created from
	// here on see the reloaded document.
	h.logger.Info("configuration reloaded via api")
	writeJSON(w, http.StatusOK, h.store.Current())
}

func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, LocksResponse{Owners: h.engine.LockOwners()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
