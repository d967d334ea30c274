// Package engine drives flow executions. Each execution is owned by one
// coordinator goroutine that holds all scheduling state; node dispatches
// fan out as workers and report back over a completion channel, so
// per-execution state is never shared across goroutines.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/circuitbreaker"
	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/internal/metrics"
	"github.com/flowmesh/flowmesh/proxy"
	"github.com/flowmesh/flowmesh/registry"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/types"
)

// Config holds the orchestrator knobs.
type Config struct {
	// Parallelism caps concurrently dispatched nodes per execution.
	Parallelism int
	// TenantParallelism caps concurrently running executions per tenant.
	TenantParallelism int64
	// ExecutionDeadline bounds one execution end to end.
	ExecutionDeadline time.Duration
	// RetryBaseDelay is the backoff base for node retries.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the node retry backoff.
	RetryMaxDelay time.Duration
}

// DefaultConfig returns the engine defaults: 8 nodes per execution, 4
// executions per tenant, 300 second deadline.
func DefaultConfig() Config {
	return Config{
		Parallelism:       8,
		TenantParallelism: 4,
		ExecutionDeadline: 300 * time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
	}
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// Deadline overrides the configured execution deadline when positive.
	Deadline time.Duration
}

// Engine is the handle owning every engine component. It is the single
// entry point the transport layer talks to; there is no package-level
// state.
type Engine struct {
	config   Config
	catalog  *catalog.Catalog
	registry *registry.Registry
	store    store.Store
	proxy    *proxy.Proxy
	bus      *eventbus.Bus
	breakers *circuitbreaker.Registry
	tenants  *tenantLimiter
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu      sync.Mutex
	runs    map[uuid.UUID]*run
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	stopped bool
}

// Options wires the engine's collaborators.
type Options struct {
	Config   Config
	Catalog  *catalog.Catalog
	Registry *registry.Registry
	Store    store.Store
	Proxy    *proxy.Proxy
	Bus      *eventbus.Bus
	Breakers *circuitbreaker.Registry
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// New assembles an engine. Store, Catalog, Registry, Proxy, and Bus are
// required; Breakers defaults to the standard registry.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.ExecutionDeadline <= 0 {
		cfg.ExecutionDeadline = 300 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		config:   cfg,
		catalog:  opts.Catalog,
		registry: opts.Registry,
		store:    opts.Store,
		proxy:    opts.Proxy,
		bus:      opts.Bus,
		breakers: breakers,
		tenants:  newTenantLimiter(cfg.TenantParallelism),
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "engine")),
		runs:     make(map[uuid.UUID]*run),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// Submit validates the flow, persists a pending execution, and starts
// its coordinator. It returns the execution id immediately; the run
// proceeds asynchronously once the tenant has a free slot.
func (e *Engine) Submit(ctx context.Context, flowID string, input map[string]any, tenantID string, opts *SubmitOptions) (uuid.UUID, error) {
	flow, err := e.catalog.Get(flowID, tenantID)
	if err != nil {
		return uuid.Nil, err
	}

	ec := types.NewExecutionContext(flowID, tenantID, input)
	if err := e.store.CreateExecution(ctx, ec); err != nil {
		return uuid.Nil, err
	}

	deadline := e.config.ExecutionDeadline
	if opts != nil && opts.Deadline > 0 {
		deadline = opts.Deadline
	}

	r := newRun(e, flow, ec, deadline)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return uuid.Nil, types.NewError(types.ErrInternal, "engine is stopped")
	}
	e.runs[ec.ExecutionID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.forget(ec.ExecutionID)
		r.execute()
	}()

	e.logger.Info("execution submitted",
		zap.String("execution_id", ec.ExecutionID.String()),
		zap.String("flow_id", flowID),
		zap.String("tenant_id", tenantID),
	)
	return ec.ExecutionID, nil
}

// Status returns the execution context if visible to the tenant.
func (e *Engine) Status(ctx context.Context, executionID uuid.UUID, tenantID string) (*types.ExecutionContext, error) {
	return e.store.GetExecution(ctx, executionID, tenantID)
}

// Cancel requests cooperative cancellation of a running execution.
func (e *Engine) Cancel(ctx context.Context, executionID uuid.UUID, tenantID string) error {
	ec, err := e.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return err
	}
	if ec.Status.Terminal() {
		return types.Errorf(types.ErrAlreadyTerminal, "execution is %s", ec.Status)
	}

	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()

	if r != nil {
		r.requestCancel()
		return nil
	}

	// Not in flight on this coordinator: a pending execution can still be
	// cancelled directly in the store.
	return e.store.Transition(ctx, executionID, types.StatusCancelled, nil)
}

// Subscribe returns an event feed for one execution after a tenant check.
func (e *Engine) Subscribe(ctx context.Context, executionID uuid.UUID, tenantID string) (*eventbus.Subscription, error) {
	if _, err := e.store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return e.bus.Subscribe(eventbus.SubscriberFilter{ExecutionID: executionID}), nil
}

// RegisterAgent registers an agent under the tenant's scope and persists
// the record.
func (e *Engine) RegisterAgent(ctx context.Context, rec *types.AgentRecord, tenantID string) (*types.AgentRecord, error) {
	rec.OwnerTenant = tenantID
	registered, err := e.registry.Register(rec)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveAgent(ctx, registered); err != nil {
		e.logger.Warn("agent persisted to memory only",
			zap.String("agent_id", registered.AgentID),
			zap.Error(err),
		)
	}
	return registered, nil
}

// DeregisterAgent removes an agent from the tenant's scope.
func (e *Engine) DeregisterAgent(ctx context.Context, agentID, tenantID string) error {
	if err := e.registry.Deregister(agentID, tenantID); err != nil {
		return err
	}
	if err := e.store.DeleteAgent(ctx, agentID, tenantID); err != nil && !types.IsKind(err, types.ErrNotFound) {
		e.logger.Warn("agent removal not persisted",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
	return nil
}

// ListAgents returns the agents visible to the tenant.
func (e *Engine) ListAgents(tenantID string, filters registry.Filters) []*types.AgentRecord {
	return e.registry.List(tenantID, filters)
}

// ListExecutions returns the tenant's executions.
func (e *Engine) ListExecutions(ctx context.Context, tenantID string, f store.ExecutionFilters, p store.Page) ([]*types.ExecutionContext, error) {
	return e.store.ListExecutions(ctx, tenantID, f, p)
}

// NodeResults returns the per-node trace of an execution.
func (e *Engine) NodeResults(ctx context.Context, executionID uuid.UUID, tenantID string) ([]*types.NodeResult, error) {
	if _, err := e.store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return e.store.GetNodeResults(ctx, executionID)
}

// Messages returns the execution's inter-node message trace.
func (e *Engine) Messages(ctx context.Context, executionID uuid.UUID, tenantID string) ([]*types.AgentMessage, error) {
	if _, err := e.store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return e.store.GetMessages(ctx, executionID)
}

// Metrics aggregates execution counts for the tenant.
func (e *Engine) Metrics(ctx context.Context, tenantID string) (*types.Metrics, error) {
	return e.store.Metrics(ctx, tenantID)
}

// Start launches background components.
func (e *Engine) Start(ctx context.Context) {
	e.registry.Start(ctx)
	e.logger.Info("engine started",
		zap.Int("parallelism", e.config.Parallelism),
		zap.Int64("tenant_parallelism", e.config.TenantParallelism),
		zap.Duration("deadline", e.config.ExecutionDeadline),
	)
}

// Stop cancels all running executions, waits for their coordinators to
// finish, and shuts background components down.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, r := range e.runs {
		r.requestCancel()
	}
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	e.registry.Stop()
	e.bus.Close()
	e.logger.Info("engine stopped")
}

func (e *Engine) forget(id uuid.UUID) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}
