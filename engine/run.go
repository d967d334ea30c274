package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/internal/telemetry"
	"github.com/flowmesh/flowmesh/store"
	"github.com/flowmesh/flowmesh/types"
)

// nodeState is the coordinator-local lifecycle of one node.
type nodeState int

const (
	nodePending nodeState = iota
	nodeRunning
	nodeSucceeded
	nodeFailed
	nodeSkipped
	nodeCancelled
)

func (s nodeState) terminal() bool {
	return s == nodeSucceeded || s == nodeFailed || s == nodeSkipped || s == nodeCancelled
}

// completion is what a node worker reports back to the coordinator.
type completion struct {
	nodeID         string
	iteration      int
	output         map[string]any
	contextUpdates map[string]any
	attempts       int
	err            error
}

type dispatchItem struct {
	nodeID    string
	iteration int
}

// run is the coordinator for one execution. All fields below ctx are
// owned by the single coordinator goroutine; workers communicate only
// through the completions channel.
type run struct {
	e        *Engine
	flow     *catalog.CompiledFlow
	ec       *types.ExecutionContext
	deadline time.Duration
	logger   *zap.Logger

	// cancelCtx is cancelled by requestCancel or a fatal failure; ctx
	// additionally carries the execution deadline.
	cancelCtx   context.Context
	cancelFn    context.CancelFunc
	ctx         context.Context
	cancelled   atomic.Bool
	completions chan completion

	state       map[string]nodeState
	outputs     map[string]map[string]any
	inputs      map[string]map[string]any // what each node was dispatched with
	userCtx     map[string]any
	choices     map[string]string         // decision -> chosen branch
	iterations  map[string]int            // loop -> current iteration
	loopOf      map[string]string         // body node -> owning loop
	handlers    map[string]bool           // on_error targets, dormant until transfer
	overrides   map[string]map[string]any // on_error_node injected inputs
	preds       map[string][]string
	nodeCancels map[string]context.CancelFunc
	queuedSet   map[string]bool
	inflight    int
	queue       []dispatchItem
	failure     *types.Error
}

func newRun(e *Engine, flow *catalog.CompiledFlow, ec *types.ExecutionContext, deadline time.Duration) *run {
	preds := make(map[string][]string)
	for from, targets := range flow.Successors {
		for _, to := range targets {
			preds[to] = append(preds[to], from)
		}
	}

	loopOf := make(map[string]string)
	handlers := make(map[string]bool)
	for _, n := range flow.Def.Nodes {
		if n.Type == types.NodeTypeLoop {
			for _, b := range n.Body {
				loopOf[b] = n.ID
			}
		}
		if n.OnErrorNode != "" {
			handlers[n.OnErrorNode] = true
		}
	}

	state := make(map[string]nodeState, len(flow.Def.Nodes))
	for _, n := range flow.Def.Nodes {
		state[n.ID] = nodePending
	}

	cancelCtx, cancelFn := context.WithCancel(e.baseCtx)

	return &run{
		e:           e,
		flow:        flow,
		ec:          ec,
		deadline:    deadline,
		cancelCtx:   cancelCtx,
		cancelFn:    cancelFn,
		logger:      e.logger.With(zap.String("execution_id", ec.ExecutionID.String())),
		completions: make(chan completion, len(flow.Def.Nodes)+8),
		state:       state,
		outputs:     make(map[string]map[string]any),
		inputs:      make(map[string]map[string]any),
		userCtx:     make(map[string]any),
		choices:     make(map[string]string),
		iterations:  make(map[string]int),
		loopOf:      loopOf,
		handlers:    handlers,
		overrides:   make(map[string]map[string]any),
		preds:       preds,
		nodeCancels: make(map[string]context.CancelFunc),
		queuedSet:   make(map[string]bool),
	}
}

// requestCancel flips the cancel flag; in-flight dispatches abort at
// their next suspension point.
func (r *run) requestCancel() {
	r.cancelled.Store(true)
	r.cancelFn()
}

// execute is the coordinator loop. It owns the run for its full lifetime.
func (r *run) execute() {
	defer r.cancelFn()

	// Wait for a tenant slot before the deadline clock starts.
	if err := r.e.tenants.acquire(r.cancelCtx, r.ec.TenantID); err != nil {
		r.finalize(types.StatusCancelled, types.NewError(types.ErrCancelled, "cancelled before start"))
		return
	}
	defer r.e.tenants.release(r.ec.TenantID)

	ctx, cancel := context.WithDeadline(r.cancelCtx, time.Now().Add(r.deadline))
	r.ctx = ctx
	defer cancel()

	if r.cancelled.Load() {
		r.finalize(types.StatusCancelled, types.NewError(types.ErrCancelled, "cancelled before start"))
		return
	}

	if err := r.e.store.Transition(ctx, r.ec.ExecutionID, types.StatusRunning, nil); err != nil {
		// Cancelled while pending wins the race.
		if types.IsKind(err, types.ErrAlreadyTerminal) {
			return
		}
		r.finalize(types.StatusFailed, types.NewError(types.ErrStoreUnavailable, "could not start execution").WithCause(err))
		return
	}
	r.publish(eventbus.ExecutionStarted, "", nil)
	r.logger.Info("execution started", zap.String("flow_id", r.flow.Def.FlowID))

	_, span := telemetry.StartExecution(ctx, r.ec.ExecutionID.String(), r.flow.Def.FlowID, r.ec.TenantID)
	defer func() { telemetry.End(span, errOrNil(r.failure)) }()

	r.schedule()

	for {
		if r.done() {
			break
		}
		select {
		case c := <-r.completions:
			r.handleCompletion(c)
			r.schedule()
		case <-r.ctx.Done():
			r.drain()
		}
	}

	r.conclude()
}

// done reports whether the coordinator loop can stop: nothing in flight
// and either a terminal outcome is known or no progress is possible.
func (r *run) done() bool {
	if r.inflight > 0 {
		return false
	}
	if r.ctx.Err() != nil || r.failure != nil {
		return true
	}
	if r.exitsSucceeded() {
		return true
	}
	// Quiescent without success: nothing running, nothing queued.
	return len(r.queue) == 0 && !r.anyReady()
}

func (r *run) exitsSucceeded() bool {
	for _, exit := range r.flow.Def.ExitPoints {
		if r.state[exit] != nodeSucceeded {
			return false
		}
	}
	return true
}

// drain waits for in-flight workers after the context ended; their
// completions are recorded under cancellation semantics.
func (r *run) drain() {
	for r.inflight > 0 {
		c := <-r.completions
		r.handleAborted(c)
	}
}

// conclude writes the terminal status once the loop exits.
func (r *run) conclude() {
	switch {
	case r.cancelled.Load():
		r.finalize(types.StatusCancelled, types.NewError(types.ErrCancelled, "execution cancelled"))
	case r.failure != nil:
		r.finalize(types.StatusFailed, r.failure)
	case r.ctx.Err() != nil:
		r.finalize(types.StatusFailed, types.NewError(types.ErrDeadlineExceeded, "execution deadline exceeded"))
	case r.exitsSucceeded():
		r.finalize(types.StatusSucceeded, nil)
	default:
		r.finalize(types.StatusFailed, types.NewError(types.ErrInternal, "execution stalled: unsatisfiable dependencies"))
	}
}

// finalize records the terminal state and publishes the matching event.
func (r *run) finalize(status types.ExecutionStatus, failure *types.Error) {
	ctx := context.Background()

	fields := &store.TransitionFields{Error: failure}
	if status == types.StatusSucceeded {
		output := make(map[string]any, len(r.flow.Def.ExitPoints))
		for _, exit := range r.flow.Def.ExitPoints {
			output[exit] = r.outputs[exit]
		}
		fields.Output = output
	}

	if err := r.e.store.Transition(ctx, r.ec.ExecutionID, status, fields); err != nil &&
		!types.IsKind(err, types.ErrAlreadyTerminal) {
		r.logger.Error("failed to persist terminal status", zap.Error(err))
	}

	event := map[types.ExecutionStatus]eventbus.EventType{
		types.StatusSucceeded: eventbus.ExecutionSucceeded,
		types.StatusFailed:    eventbus.ExecutionFailed,
		types.StatusCancelled: eventbus.ExecutionCancelled,
	}[status]

	payload := map[string]any{}
	if failure != nil {
		payload["error"] = map[string]any{"kind": string(failure.Kind), "message": failure.Message}
	}
	r.publish(event, "", payload)

	if r.e.metrics != nil {
		r.e.metrics.RecordExecution(r.flow.Def.FlowID, string(status), time.Since(r.ec.CreatedAt))
	}

	r.logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Error(errOrNil(failure)),
	)
}

func errOrNil(e *types.Error) error {
	if e == nil {
		return nil
	}
	return e
}

func (r *run) publish(t eventbus.EventType, nodeID string, payload map[string]any) {
	r.e.bus.Publish(eventbus.Event{
		Type:        t,
		ExecutionID: r.ec.ExecutionID,
		NodeID:      nodeID,
		TenantID:    r.ec.TenantID,
		Payload:     payload,
	})
}
