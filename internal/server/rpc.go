package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ocx/bridge/internal/auth"
	"github.com/ocx/bridge/internal/bridge"
	"github.com/ocx/bridge/internal/task"
	"github.com/ocx/bridge/internal/trust"
)

// JSON-RPC 2.0 error codes, standard plus the two service codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcTaskNotFound   = -32000
	rpcNotCancellable = -32001
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorObj    `json:"error,omitempty"`
}

// a2aMessage is the inbound message/send parameter shape. Parts tolerate
// both the `kind` and the legacy `type` discriminator.
type a2aMessage struct {
	Message struct {
		TaskID string    `json:"taskId"`
		Parts  []a2aPart `json:"parts"`
	} `json:"message"`
}

type a2aPart struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p a2aPart) isText() bool {
	return p.Kind == "text" || (p.Kind == "" && (p.Type == "text" || p.Type == ""))
}

// a2aTask is the task object returned by message/send and tasks/get.
type a2aTask struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Status    a2aStatus     `json:"status"`
	Artifacts []a2aArtifact `json:"artifacts,omitempty"`
}

type a2aStatus struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

type a2aArtifact struct {
	ArtifactID string    `json:"artifactId"`
	Parts      []a2aPart `json:"parts"`
}

// handleRPC serves the JSON-RPC 2.0 envelope. Transport-level success is
// unconditional: every outcome, including malformed input, is HTTP 200
// with the verdict in the body.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &rpcErrorObj{Code: rpcParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || len(req.ID) == 0 || string(req.ID) == "null" {
		s.writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &rpcErrorObj{Code: rpcInvalidRequest, Message: "invalid request: jsonrpc must be \"2.0\" and id must be non-null"}})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "message/send":
		resp.Result, resp.Error = s.rpcMessageSend(r, req.Params)
	case "tasks/get":
		resp.Result, resp.Error = s.rpcTasksGet(r, req.Params)
	case "tasks/cancel":
		resp.Result, resp.Error = s.rpcTasksCancel(r, req.Params)
	case "agent/describe":
		resp.Result = json.RawMessage(s.card.CardJSON())
	case "agent/status":
		resp.Result = s.rpcAgentStatus()
	default:
		resp.Error = &rpcErrorObj{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
	s.writeRPC(w, resp)
}

func (s *Server) writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

// rpcMessageSend synthesizes a task from the first text part, runs it up
// to the sync timeout, and reports the outcome as an A2A task object. A
// task still running at the timeout reports as failed; its id stays valid
// for tasks/get.
func (s *Server) rpcMessageSend(r *http.Request, params json.RawMessage) (any, *rpcErrorObj) {
	var msg a2aMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		return nil, &rpcErrorObj{Code: rpcInvalidParams, Message: "params must carry a message object"}
	}
	prompt := ""
	for _, p := range msg.Message.Parts {
		if p.isText() && p.Text != "" {
			prompt = p.Text
			break
		}
	}
	if prompt == "" {
		return nil, &rpcErrorObj{Code: rpcInvalidParams, Message: "message has no text part"}
	}

	res, _ := auth.ResultFrom(r.Context())
	t, serr := s.engine.Submit(task.Submission{TaskID: msg.Message.TaskID, Prompt: prompt}, res.Identity, clientIP(r))
	if serr != nil {
		return nil, submitErrorToRPC(serr)
	}

	ch, cancelWait := s.registry.AwaitResult(t.ID)
	defer cancelWait()
	select {
	case result := <-ch:
		return taskToA2A(result), nil
	case <-time.After(s.cfg.Limits.SyncTimeout):
		return a2aTask{ID: t.ID, Kind: "task", Status: a2aStatus{
			State:     "failed",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Error:     "task did not finish within the synchronous window",
		}}, nil
	case <-r.Context().Done():
		return nil, &rpcErrorObj{Code: rpcInternalError, Message: "client disconnected"}
	}
}

func (s *Server) rpcTasksGet(r *http.Request, params json.RawMessage) (any, *rpcErrorObj) {
	id, rerr := taskIDParam(params)
	if rerr != nil {
		return nil, rerr
	}
	res, _ := auth.ResultFrom(r.Context())

	_, pending := s.registry.GetPending(id)
	result, completed := s.registry.GetCompletedFresh(id)
	if !pending && !completed {
		return nil, &rpcErrorObj{Code: rpcTaskNotFound, Message: "task not found"}
	}
	if !s.registry.AllowedToAccess(id, res.Identity.ID, r.Header.Get("x-client-did")) {
		return nil, &rpcErrorObj{Code: rpcTaskNotFound, Message: "task not found"}
	}
	if pending {
		return a2aTask{ID: id, Kind: "task", Status: a2aStatus{State: "working"}}, nil
	}
	return taskToA2A(result), nil
}

func (s *Server) rpcTasksCancel(r *http.Request, params json.RawMessage) (any, *rpcErrorObj) {
	id, rerr := taskIDParam(params)
	if rerr != nil {
		return nil, rerr
	}
	res, _ := auth.ResultFrom(r.Context())

	if serr := s.engine.CancelOwned(id, res.Identity.ID, r.Header.Get("x-client-did")); serr != nil {
		if serr.Code == "FORBIDDEN" {
			return nil, &rpcErrorObj{Code: rpcNotCancellable, Message: "task cannot be cancelled by this identity"}
		}
		return nil, &rpcErrorObj{Code: rpcTaskNotFound, Message: "task not found or already finished"}
	}
	return a2aTask{ID: id, Kind: "task", Status: a2aStatus{State: "canceled"}}, nil
}

func (s *Server) rpcAgentStatus() any {
	return map[string]any{
		"state":         s.engine.State().String(),
		"uptimeSeconds": int64(s.engine.Uptime().Seconds()),
		"inFlight":      s.engine.InFlight(),
		"mock":          s.engine.Mock(),
		"trustTiers":    trust.Tiers(),
	}
}

func taskIDParam(params json.RawMessage) (string, *rpcErrorObj) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return "", &rpcErrorObj{Code: rpcInvalidParams, Message: "params must carry a task id"}
	}
	return p.ID, nil
}

// taskToA2A maps a finished result onto the A2A task shape: completed
// stays completed, everything else is failed.
func taskToA2A(res task.Result) a2aTask {
	out := a2aTask{
		ID:   res.TaskID,
		Kind: "task",
		Status: a2aStatus{
			State:     "failed",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Error:     res.Error,
		},
	}
	if res.Status == task.StatusCompleted {
		out.Status.State = "completed"
		out.Status.Error = ""
		out.Artifacts = []a2aArtifact{{
			ArtifactID: res.TaskID + "-output",
			Parts:      []a2aPart{{Kind: "text", Text: res.Output}},
		}}
	}
	return out
}

// submitErrorToRPC maps engine gate refusals onto RPC error codes.
func submitErrorToRPC(serr *bridge.SubmitError) *rpcErrorObj {
	switch serr.Status {
	case http.StatusBadRequest:
		return &rpcErrorObj{Code: rpcInvalidParams, Message: serr.Message}
	default:
		return &rpcErrorObj{Code: rpcInternalError, Message: serr.Message}
	}
}
