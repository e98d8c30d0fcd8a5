package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ocx/bridge/internal/auth"
	"github.com/ocx/bridge/internal/bridge"
	"github.com/ocx/bridge/internal/task"
)

// errorBody is the uniform error envelope for every non-2xx JSON response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []task.FieldError `json:"details,omitempty"`
	Help    *helpBlock        `json:"help,omitempty"`
}

// helpBlock points rejected callers at the card and the accepted auth
// schemes, per the 401/429 contract.
type helpBlock struct {
	Message     string   `json:"message"`
	AgentCard   string   `json:"agentCard"`
	AuthMethods []string `json:"authMethods"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeErrorDetail(w, status, errorDetail{Code: code, Message: message})
}

func (s *Server) writeErrorDetail(w http.ResponseWriter, status int, detail errorDetail) {
	if status == http.StatusUnauthorized || status == http.StatusTooManyRequests {
		detail.Help = &helpBlock{
			Message:     "see the agent card for supported authentication",
			AgentCard:   "/.well-known/agent.json",
			AuthMethods: s.auth.AcceptedSchemes(),
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// writeAuthError maps an authentication failure onto the wire. Payment
// challenges replace the error envelope wholesale: x402 clients expect the
// challenge document at the top level.
func (s *Server) writeAuthError(w http.ResponseWriter, err *auth.Error) {
	if err.Status == http.StatusPaymentRequired && err.Challenge != nil {
		writeJSON(w, err.Status, err.Challenge)
		return
	}
	s.writeErrorDetail(w, err.Status, errorDetail{Code: err.Code, Message: err.Message})
}

// writeSubmitError maps an engine gate refusal onto the wire.
func (s *Server) writeSubmitError(w http.ResponseWriter, serr *bridge.SubmitError) {
	if serr.RetryAfter > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(serr.RetryAfter, 10))
	}
	s.writeErrorDetail(w, serr.Status, errorDetail{
		Code:    serr.Code,
		Message: serr.Message,
		Details: serr.Fields,
	})
}
