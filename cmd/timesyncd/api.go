package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mdevq/timesync/internal/conflict"
	"github.com/mdevq/timesync/internal/models"
	"github.com/mdevq/timesync/internal/session"
	"github.com/mdevq/timesync/internal/timer"
)

// apiHandler exposes timer operations over REST, one engine per user.
type apiHandler struct {
	manager *session.Manager
}

type startRequest struct {
	UserID           string `json:"user_id"`
	ProjectID        string `json:"project_id"`
	TaskID           string `json:"task_id"`
	AllocatedSeconds *int   `json:"allocated_seconds,omitempty"`
}

type userRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes,omitempty"`
}

type resolveRequest struct {
	UserID     string `json:"user_id"`
	ConflictID string `json:"conflict_id"`
	Strategy   string `json:"strategy"`
}

func (h *apiHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/timer/start", h.handleStart)
	mux.HandleFunc("POST /api/timer/pause", h.handlePause)
	mux.HandleFunc("POST /api/timer/resume", h.handleResume)
	mux.HandleFunc("POST /api/timer/stop", h.handleStop)
	mux.HandleFunc("GET /api/timer/state", h.handleState)
	mux.HandleFunc("GET /api/sync/status", h.handleSyncStatus)
	mux.HandleFunc("POST /api/sync/resolve", h.handleResolve)
}

func (h *apiHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ProjectID == "" || req.TaskID == "" {
		http.Error(w, "user_id, project_id and task_id are required", http.StatusBadRequest)
		return
	}

	sess, err := h.manager.Engine(req.UserID).Start(r.Context(), req.ProjectID, req.TaskID, req.AllocatedSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *apiHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(eng *session.Engine, req userRequest) (*models.TimerSession, error) {
		return eng.Pause(r.Context())
	})
}

func (h *apiHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(eng *session.Engine, req userRequest) (*models.TimerSession, error) {
		return eng.Resume(r.Context())
	})
}

func (h *apiHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(eng *session.Engine, req userRequest) (*models.TimerSession, error) {
		return eng.Stop(r.Context(), req.Notes)
	})
}

func (h *apiHandler) mutate(w http.ResponseWriter, r *http.Request, op func(*session.Engine, userRequest) (*models.TimerSession, error)) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	sess, err := op(h.manager.Engine(req.UserID), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *apiHandler) handleState(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.Engine(userID).Projection())
}

func (h *apiHandler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.Engine(userID).Status().Status())
}

func (h *apiHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ConflictID == "" {
		http.Error(w, "user_id and conflict_id are required", http.StatusBadRequest)
		return
	}

	sess, err := h.manager.Engine(req.UserID).ResolveConflict(r.Context(), req.ConflictID, models.ResolutionStrategy(req.Strategy))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAssignmentDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrConflictUnresolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, timer.ErrInvalidTransition), errors.Is(err, timer.ErrPauseBudgetExceeded), errors.Is(err, timer.ErrNoSession):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, conflict.ErrUnknownConflict):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conflict.ErrInvalidStrategy):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
