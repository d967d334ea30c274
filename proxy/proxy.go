// Package proxy is the stateless outbound HTTP client for agent calls.
// It applies per-node timeouts, injects the agent's auth token, enforces
// the response size cap, validates the execute contract, and translates
// transport failures into the engine's error taxonomy. A process-wide
// semaphore bounds concurrent dispatches; excess callers queue up to a
// limit and are then rejected as saturated.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/types"
)

// Config holds proxy limits.
type Config struct {
	// DefaultTimeout applies when a node specifies none.
	DefaultTimeout time.Duration
	// MaxResponseBytes caps an agent response body.
	MaxResponseBytes int64
	// MaxConcurrency bounds in-flight dispatches process-wide.
	MaxConcurrency int64
	// MaxQueued bounds dispatches waiting for a slot before rejection.
	MaxQueued int64
}

// DefaultConfig returns the engine defaults: 30s timeout, 4 MiB cap,
// 256 concurrent dispatches, 1024 queued.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   30 * time.Second,
		MaxResponseBytes: 4 << 20,
		MaxConcurrency:   256,
		MaxQueued:        1024,
	}
}

// Observer receives one latency sample per completed dispatch.
type Observer func(agentID string, latency time.Duration, err error)

// Proxy dispatches execute calls to agents.
type Proxy struct {
	config   Config
	client   *http.Client
	sem      *semaphore.Weighted
	queued   atomic.Int64
	observer Observer
	logger   *zap.Logger
}

// New creates a proxy. observer may be nil.
func New(config Config, observer Observer, logger *zap.Logger) *Proxy {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = 4 << 20
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 256
	}
	if config.MaxQueued <= 0 {
		config.MaxQueued = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		config:   config,
		client:   &http.Client{},
		sem:      semaphore.NewWeighted(config.MaxConcurrency),
		observer: observer,
		logger:   logger.With(zap.String("component", "agent_proxy")),
	}
}

// Execute POSTs the request to the agent's /execute endpoint and returns
// its validated response. timeout zero falls back to the default.
func (p *Proxy) Execute(ctx context.Context, rec *types.AgentRecord, req *types.ExecuteRequest, timeout time.Duration) (*types.ExecuteResponse, error) {
	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	start := time.Now()
	resp, err := p.do(ctx, rec, req, timeout)
	if p.observer != nil {
		p.observer(rec.AgentID, time.Since(start), err)
	}
	return resp, err
}

// acquire takes a dispatch slot, queueing up to MaxQueued waiters.
func (p *Proxy) acquire(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}

	if p.queued.Add(1) > p.config.MaxQueued {
		p.queued.Add(-1)
		return types.NewError(types.ErrSaturated, "dispatch queue full").WithRetryable(true)
	}
	defer p.queued.Add(-1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrCancelled, "dispatch cancelled while queued").WithCause(err)
	}
	return nil
}

func (p *Proxy) do(ctx context.Context, rec *types.AgentRecord, execReq *types.ExecuteRequest, timeout time.Duration) (*types.ExecuteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "marshal execute request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.Endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build execute request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rec.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rec.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.Errorf(types.ErrAgentTimeout, "agent %s timed out after %s", rec.AgentID, timeout).
				WithCause(err).WithRetryable(true)
		}
		if errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrCancelled, "agent call cancelled").WithCause(err)
		}
		return nil, types.Errorf(types.ErrAgentNetwork, "agent %s unreachable", rec.AgentID).
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to detect oversize bodies.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.Errorf(types.ErrAgentTimeout, "agent %s timed out after %s", rec.AgentID, timeout).
				WithCause(err).WithRetryable(true)
		}
		return nil, types.Errorf(types.ErrAgentNetwork, "agent %s response read failed", rec.AgentID).
			WithCause(err).WithRetryable(true)
	}
	if int64(len(data)) > p.config.MaxResponseBytes {
		return nil, types.Errorf(types.ErrAgentContract, "agent %s response exceeds %d bytes",
			rec.AgentID, p.config.MaxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.Errorf(types.ErrAgentStatus, "agent %s returned %d", rec.AgentID, resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(types.RetryableHTTPStatus(resp.StatusCode))
	}

	var execResp types.ExecuteResponse
	if err := json.Unmarshal(data, &execResp); err != nil {
		return nil, types.Errorf(types.ErrAgentContract, "agent %s returned invalid JSON", rec.AgentID).WithCause(err)
	}

	switch execResp.Status {
	case "success":
	case "error":
		msg := execResp.ErrorMessage
		if msg == "" {
			msg = "agent reported an unspecified error"
		}
		return nil, types.Errorf(types.ErrAgentStatus, "agent %s: %s", rec.AgentID, msg).
			WithHTTPStatus(resp.StatusCode)
	default:
		return nil, types.Errorf(types.ErrAgentContract, "agent %s returned unknown status %q",
			rec.AgentID, execResp.Status)
	}

	if execResp.ExecutionID != "" && execResp.ExecutionID != execReq.ExecutionID {
		return nil, types.Errorf(types.ErrAgentContract, "agent %s echoed execution %s, want %s",
			rec.AgentID, execResp.ExecutionID, execReq.ExecutionID)
	}

	return &execResp, nil
}

// InFlight reports the number of dispatches currently queued for a slot.
func (p *Proxy) InFlight() int64 {
	return p.queued.Load()
}

// String describes the proxy limits for startup logs.
func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(timeout=%s, cap=%dB, conc=%d, queue=%d)",
		p.config.DefaultTimeout, p.config.MaxResponseBytes, p.config.MaxConcurrency, p.config.MaxQueued)
}
