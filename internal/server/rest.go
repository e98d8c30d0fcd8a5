package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/bridge/internal/auth"
	"github.com/ocx/bridge/internal/bridge"
	"github.com/ocx/bridge/internal/task"
)

// acceptedBody is the 202 envelope for an asynchronously running task.
type acceptedBody struct {
	Accepted      bool                   `json:"accepted"`
	TaskID        string                 `json:"taskId"`
	EstimatedTime int                    `json:"estimatedTime"`
	FreeTier      *bridge.FreeTierStatus `json:"freeTier,omitempty"`
}

// resultBody is a task result plus the caller's quota snapshot.
type resultBody struct {
	task.Result
	FreeTier *bridge.FreeTierStatus `json:"freeTier,omitempty"`
}

// runningBody reports a task still executing.
type runningBody struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "request body exceeds the size limit")
		return false
	}
	s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON")
	return false
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, _ := auth.ResultFrom(r.Context())

	var sub task.Submission
	if !s.decodeBody(w, r, &sub) {
		return
	}

	t, serr := s.engine.Submit(sub, res.Identity, clientIP(r))
	if serr != nil {
		s.writeSubmitError(w, serr)
		return
	}
	quota := s.engine.FreeTierQuota(res.Identity)

	if r.URL.Query().Get("wait") == "true" {
		ch, cancelWait := s.registry.AwaitResult(t.ID)
		defer cancelWait()
		select {
		case result := <-ch:
			writeJSON(w, http.StatusOK, resultBody{Result: result, FreeTier: quota})
			return
		case <-time.After(s.cfg.Limits.SyncTimeout):
			// Still running; fall back to the async contract.
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Location", "/task/"+t.ID)
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusAccepted, acceptedBody{
		Accepted:      true,
		TaskID:        t.ID,
		EstimatedTime: int(t.Timeout / time.Second),
		FreeTier:      quota,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	res, _ := auth.ResultFrom(r.Context())
	id := mux.Vars(r)["id"]

	_, pending := s.registry.GetPending(id)
	result, completed := s.registry.GetCompletedFresh(id)
	if !pending && !completed {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "task not found or expired")
		return
	}
	if !s.registry.AllowedToAccess(id, res.Identity.ID, r.Header.Get("x-client-did")) {
		s.writeError(w, http.StatusForbidden, "FORBIDDEN", "task belongs to a different identity")
		return
	}

	if pending {
		writeJSON(w, http.StatusOK, runningBody{TaskID: id, Status: "running"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	res, _ := auth.ResultFrom(r.Context())
	id := mux.Vars(r)["id"]

	if serr := s.engine.CancelOwned(id, res.Identity.ID, r.Header.Get("x-client-did")); serr != nil {
		s.writeSubmitError(w, serr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "taskId": id})
}
