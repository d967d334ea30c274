package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/internal/cache"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/registry"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/types"
)

// server is the thin HTTP layer over the engine handle. Authentication
// happens upstream; the resolved tenant arrives in X-Tenant-ID.
type server struct {
	engine  *engine.Engine
	bus     *eventbus.Bus
	cache   *cache.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

func newServer(eng *engine.Engine, bus *eventbus.Bus, c *cache.Manager, m *metrics.Collector, logger *zap.Logger) *server {
	return &server{
		engine:  eng,
		bus:     bus,
		cache:   c,
		metrics: m,
		logger:  logger.With(zap.String("component", "http")),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/executions", s.handleSubmit)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/executions/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/executions/{id}/nodes", s.handleNodeResults)
	mux.HandleFunc("GET /v1/executions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/executions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func tenant(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrNotFound, types.ErrFlowNotFound, types.ErrAgentUnknown:
		status = http.StatusNotFound
	case types.ErrFlowInvalid:
		status = http.StatusBadRequest
	case types.ErrAlreadyTerminal, types.ErrAgentConflict, types.ErrInvalidTransition:
		status = http.StatusConflict
	case types.ErrSaturated:
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error(), "kind": string(types.KindOf(err))})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FlowID   string         `json:"flow_id"`
		Input    map[string]any `json:"input"`
		Deadline string         `json:"deadline,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	var opts *engine.SubmitOptions
	if body.Deadline != "" {
		if d, err := time.ParseDuration(body.Deadline); err == nil {
			opts = &engine.SubmitOptions{Deadline: d}
		}
	}

	id, err := s.engine.Submit(r.Context(), body.FlowID, body.Input, tenant(r), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id.String(), "status": "pending"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}

	// Hot statuses are served from the cache when available.
	if ec := s.cache.GetExecution(r.Context(), id); ec != nil && visibleTo(ec, tenant(r)) {
		if s.metrics != nil {
			s.metrics.CacheHit()
		}
		s.writeJSON(w, http.StatusOK, ec)
		return
	}
	if s.metrics != nil {
		s.metrics.CacheMiss()
	}

	ec, err := s.engine.Status(r.Context(), id, tenant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.PutExecution(r.Context(), ec)
	s.writeJSON(w, http.StatusOK, ec)
}

func visibleTo(ec *types.ExecutionContext, tenantID string) bool {
	return ec.TenantID == "" || ec.TenantID == tenantID
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}
	if err := s.engine.Cancel(r.Context(), id, tenant(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), id)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

func (s *server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := store.ExecutionFilters{
		FlowID: q.Get("flow_id"),
		Status: types.ExecutionStatus(q.Get("status")),
	}
	page := store.Page{}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		page.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		page.Offset = n
	}

	executions, err := s.engine.ListExecutions(r.Context(), tenant(r), filters, page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *server) handleNodeResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}
	results, err := s.engine.NodeResults(r.Context(), id, tenant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"node_results": results})
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}
	msgs, err := s.engine.Messages(r.Context(), id, tenant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}
	if _, err := s.engine.Status(r.Context(), id, tenant(r)); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	streamer := eventbus.NewWSStreamer(conn, s.logger)
	defer streamer.Close()
	if err := streamer.Stream(r.Context(), s.bus, id); err != nil && err != context.Canceled {
		s.logger.Debug("stream ended", zap.Error(err))
	}
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var rec types.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	registered, err := s.engine.RegisterAgent(r.Context(), &rec, tenant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, registered)
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents := s.engine.ListAgents(tenant(r), registry.Filters{
		Capability: q.Get("capability"),
		AgentType:  types.AgentType(q.Get("type")),
		Health:     types.HealthState(q.Get("health")),
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeregisterAgent(r.Context(), r.PathValue("id"), tenant(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "deregistered"})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Metrics(r.Context(), tenant(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": Version})
}
