package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/internal/telemetry"
	"github.com/flowmesh/flowmesh/retry"
	"github.com/flowmesh/flowmesh/types"
)

// startAgent moves an agent node to running and fans a worker out. All
// inputs are assembled on the coordinator before the goroutine starts so
// the worker never reads coordinator state.
func (r *run) startAgent(nodeID string, iteration int) {
	n := mustNode(r.flow.Def, nodeID)
	delete(r.queuedSet, nodeID)
	r.state[nodeID] = nodeRunning

	input := r.inputFor(nodeID)
	r.inputs[nodeID] = input
	delete(r.overrides, nodeID)

	nctx, cancel := context.WithCancel(r.ctx)
	r.nodeCancels[nodeID] = cancel
	r.inflight++

	go r.dispatchAgent(nctx, n, input, iteration)
}

// dispatchAgent is the worker for one agent node attempt sequence. It
// writes the node's own rows, performs the retried HTTP call, and reports
// the outcome on the completions channel.
func (r *run) dispatchAgent(ctx context.Context, n *types.Node, input map[string]any, iteration int) {
	started := time.Now().UTC()
	attempts := 0

	result := &types.NodeResult{
		ExecutionID: r.ec.ExecutionID,
		NodeID:      n.ID,
		Iteration:   iteration,
		AgentID:     n.AgentID,
		Status:      types.StatusRunning,
		Input:       input,
		StartedAt:   started,
	}
	if err := r.e.store.UpsertNodeResult(context.Background(), result); err != nil {
		r.logger.Warn("node start not recorded", zap.String("node_id", n.ID), zap.Error(err))
	}
	r.publish(eventbus.NodeStarted, n.ID, map[string]any{"agent_id": n.AgentID, "iteration": iteration})

	spanCtx, span := telemetry.StartNode(ctx, n.ID, n.AgentID, iteration)

	var resp *types.ExecuteResponse
	err := r.callAgent(spanCtx, n, input, iteration, &attempts, &resp)
	telemetry.End(span, err)
	if err == nil && r.cancelled.Load() {
		// The call finished, but after the cancel timestamp: the node
		// must not surface as succeeded.
		err = types.NewError(types.ErrCancelled, "node cancelled").WithNode(n.ID)
	}

	done := time.Now().UTC()
	result.Attempts = attempts
	result.CompletedAt = &done

	var output, ctxUpdates map[string]any
	if err == nil {
		result.Status = types.StatusSucceeded
		result.Output = resp.Output
		output = resp.Output
		ctxUpdates = resp.ContextUpdates
	} else {
		engErr := toEngineErr(err, n.ID)
		switch {
		case r.cancelled.Load():
			result.Status = types.StatusCancelled
			engErr = types.NewError(types.ErrCancelled, "node cancelled").WithNode(n.ID)
		case r.ctx.Err() == context.DeadlineExceeded:
			result.Status = types.StatusFailed
			engErr = types.NewError(types.ErrDeadlineExceeded, "execution deadline exceeded").WithNode(n.ID)
		case engErr.Kind == types.ErrCancelled:
			result.Status = types.StatusCancelled
		default:
			result.Status = types.StatusFailed
		}
		result.Error = engErr
		err = engErr
	}
	if uerr := r.e.store.UpsertNodeResult(context.Background(), result); uerr != nil {
		r.logger.Warn("node result not recorded", zap.String("node_id", n.ID), zap.Error(uerr))
	}
	if r.e.metrics != nil {
		r.e.metrics.RecordNode(n.AgentID, string(result.Status), done.Sub(started))
	}

	r.completions <- completion{
		nodeID:         n.ID,
		iteration:      iteration,
		output:         output,
		contextUpdates: ctxUpdates,
		attempts:       attempts,
		err:            err,
	}
}

// callAgent resolves the agent record and performs the retried dispatch.
// Every failure except a rejected breaker and cancellation counts against
// the agent's breaker; one success resets it.
func (r *run) callAgent(ctx context.Context, n *types.Node, input map[string]any, iteration int, attempts *int, out **types.ExecuteResponse) error {
	rec, err := r.e.registry.Lookup(n.AgentID, r.ec.TenantID)
	if err != nil {
		return err
	}

	req := &types.ExecuteRequest{
		ExecutionID: r.ec.ExecutionID.String(),
		NodeID:      n.ID,
		Input:       input,
		Config:      n.Config,
	}

	retryer := retry.New(retry.Policy{
		MaxRetries: n.MaxRetries,
		BaseDelay:  r.e.config.RetryBaseDelay,
		MaxDelay:   r.e.config.RetryMaxDelay,
		OnRetry: func(attempt int, lastErr error, delay time.Duration) {
			r.publish(eventbus.NodeRetrying, n.ID, map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
		},
	}, r.logger)

	return retryer.Do(ctx, func(attempt int) error {
		*attempts = attempt + 1

		if err := r.e.breakers.Allow(n.AgentID); err != nil {
			return err
		}

		resp, callErr := r.e.proxy.Execute(ctx, rec, req, n.Timeout)
		if callErr != nil {
			kind := types.KindOf(callErr)
			if kind != types.ErrCancelled && kind != types.ErrAgentBreakerOpen {
				r.e.breakers.RecordFailure(n.AgentID)
			}
			return callErr
		}

		r.e.breakers.RecordSuccess(n.AgentID)
		*out = resp
		return nil
	})
}

// handleCompletion folds a worker's outcome back into coordinator state.
func (r *run) handleCompletion(c completion) {
	r.inflight--
	if cancel, ok := r.nodeCancels[c.nodeID]; ok {
		cancel()
		delete(r.nodeCancels, c.nodeID)
	}

	// A first_complete join already cancelled this node; its late result
	// is irrelevant.
	if r.state[c.nodeID] == nodeCancelled {
		return
	}

	if c.err == nil {
		r.state[c.nodeID] = nodeSucceeded
		r.outputs[c.nodeID] = c.output
		for k, v := range c.contextUpdates {
			r.userCtx[k] = v
		}
		r.publish(eventbus.NodeSucceeded, c.nodeID, map[string]any{
			"attempts":  c.attempts,
			"iteration": c.iteration,
		})
		r.appendMessages(c.nodeID)
		return
	}

	engErr := toEngineErr(c.err, c.nodeID)
	if engErr.Kind == types.ErrCancelled {
		r.state[c.nodeID] = nodeCancelled
		return
	}
	if engErr.Kind == types.ErrDeadlineExceeded {
		r.state[c.nodeID] = nodeFailed
		if r.failure == nil {
			r.failure = engErr
		}
		return
	}
	r.nodeFailure(c.nodeID, engErr)
}

// handleAborted settles a completion that arrives after the run context
// ended: the node is labelled per the termination mode, with no further
// scheduling.
func (r *run) handleAborted(c completion) {
	r.inflight--
	delete(r.nodeCancels, c.nodeID)

	if c.err == nil {
		// The call finished before the abort took effect.
		if r.cancelled.Load() {
			r.state[c.nodeID] = nodeCancelled
			return
		}
		r.state[c.nodeID] = nodeSucceeded
		r.outputs[c.nodeID] = c.output
		return
	}

	if r.cancelled.Load() {
		r.state[c.nodeID] = nodeCancelled
		return
	}
	r.state[c.nodeID] = nodeFailed
}
