package server

import (
	"encoding/json"
	"net/http"
)

type sandboxRequest struct {
	Prompt string `json:"prompt"`
}

// handleSandbox runs one short unauthenticated trial prompt. The per-IP
// limiter is deliberately tight; this surface exists so an agent developer
// can verify the worker answers before wiring up credentials.
func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.sandbox.allow(ip) {
		s.metrics.RateLimitDenials.WithLabelValues("sandbox").Inc()
		s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "sandbox limit is 3 requests per hour per IP")
		return
	}

	var req sandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body is not valid JSON")
		return
	}

	res, serr := s.engine.ExecuteTrial(r.Context(), req.Prompt)
	if serr != nil {
		s.writeSubmitError(w, serr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
