// Package testutil provides shared test fixtures, most notably a fake
// agent HTTP server implementing the /health and /execute contract.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/flowmesh/flowmesh/types"
)

// AgentBehavior scripts one fake agent's /execute handler.
type AgentBehavior func(req *types.ExecuteRequest) (*types.ExecuteResponse, int)

// FakeAgent is an in-process agent service for tests.
type FakeAgent struct {
	ID       string
	Server   *httptest.Server
	behavior AgentBehavior

	mu       sync.Mutex
	requests []*types.ExecuteRequest
	calls    atomic.Int32
}

// NewFakeAgent starts a fake agent. The default behavior echoes the
// request input back under "echo".
func NewFakeAgent(id string, behavior AgentBehavior) *FakeAgent {
	a := &FakeAgent{ID: id, behavior: behavior}
	if a.behavior == nil {
		a.behavior = Echo
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/execute", a.handleExecute)
	a.Server = httptest.NewServer(mux)
	return a
}

// Echo returns the request input under "echo".
func Echo(req *types.ExecuteRequest) (*types.ExecuteResponse, int) {
	return &types.ExecuteResponse{
		Status:      "success",
		Output:      map[string]any{"echo": req.Input},
		ExecutionID: req.ExecutionID,
	}, http.StatusOK
}

// Static returns the same output for every call.
func Static(output map[string]any) AgentBehavior {
	return func(req *types.ExecuteRequest) (*types.ExecuteResponse, int) {
		return &types.ExecuteResponse{
			Status:      "success",
			Output:      output,
			ExecutionID: req.ExecutionID,
		}, http.StatusOK
	}
}

// FailStatus always answers with the given HTTP status.
func FailStatus(status int) AgentBehavior {
	return func(req *types.ExecuteRequest) (*types.ExecuteResponse, int) {
		return nil, status
	}
}

// FailN answers with the HTTP status for the first n calls, then
// delegates to next.
func FailN(n int, status int, next AgentBehavior) AgentBehavior {
	var calls atomic.Int32
	return func(req *types.ExecuteRequest) (*types.ExecuteResponse, int) {
		if calls.Add(1) <= int32(n) {
			return nil, status
		}
		return next(req)
	}
}

// Close shuts the server down.
func (a *FakeAgent) Close() {
	a.Server.Close()
}

// Record returns the agent's registry record pointing at the test server.
func (a *FakeAgent) Record() *types.AgentRecord {
	return &types.AgentRecord{
		AgentID:   a.ID,
		Endpoint:  a.Server.URL,
		AgentType: types.AgentTypeProcessor,
		AuthToken: "test-token",
	}
}

// Calls reports how many /execute requests the agent received.
func (a *FakeAgent) Calls() int {
	return int(a.calls.Load())
}

// Requests returns the recorded /execute requests in order.
func (a *FakeAgent) Requests() []*types.ExecuteRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.ExecuteRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *FakeAgent) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(types.HealthResponse{
		AgentID:   a.ID,
		Version:   "1.0.0",
		Ready:     true,
		AgentType: types.AgentTypeProcessor,
	})
}

func (a *FakeAgent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.calls.Add(1)
	a.mu.Lock()
	a.requests = append(a.requests, &req)
	a.mu.Unlock()

	resp, status := a.behavior(&req)
	if resp == nil {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
