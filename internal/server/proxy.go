package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/bridge/internal/identity"
	"github.com/ocx/bridge/internal/node"
	"github.com/ocx/bridge/internal/trust"
)

// handleDiscovery relays marketplace discovery calls to the operator's
// upstream node. The bridge adds nothing: same method, same query, same
// body, with the /discovery prefix stripped.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "no upstream node configured")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/discovery")
	reply, err := s.node.Forward(r.Context(), r.Method, path, r.URL.Query(), r.Body)
	switch err {
	case nil:
	case node.ErrBadGateway:
		s.writeError(w, http.StatusBadGateway, "BAD_GATEWAY", "upstream node returned an error")
		return
	default:
		s.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "upstream node unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	w.Write(reply.Body)
}

type trustBody struct {
	DID     string          `json:"did"`
	Local   trust.Profile   `json:"local"`
	Network json.RawMessage `json:"network"`
}

// handleTrust serves the two-sided reputation view for a DID: the local
// trust store synchronously, the network's opinion from the upstream node
// with null standing in when the node cannot answer in time.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]
	if !identity.ValidDID(did) {
		s.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "did is not a valid identifier")
		return
	}

	network := make(chan json.RawMessage, 1)
	go func() {
		if s.node == nil {
			network <- nil
			return
		}
		network <- s.node.TrustView(r.Context(), did)
	}()

	local, ok := s.trust.Get(did)
	if !ok {
		// Never seen locally: report the entry tier rather than 404, so
		// callers can probe their own standing before the first task.
		local = trust.Profile{Identity: did, Tier: trust.TierNew}
	}

	writeJSON(w, http.StatusOK, trustBody{DID: did, Local: local, Network: <-network})
}
