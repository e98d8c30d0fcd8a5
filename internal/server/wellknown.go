package server

import "net/http"

// handleHealth answers liveness probes. Exempt from auth and from the
// global rate limit so orchestrators never see a 429 here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"agent":  s.cfg.AgentName,
	})
}

// handleCard serves the agent card. The bytes are rendered once at
// startup, so every alias returns the identical document.
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.card.CardJSON())
}

// handleLLMS serves the plain-text capability summary for LLM crawlers.
func (s *Server) handleLLMS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(s.card.LLMSText())
}
