package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/expr"
	"github.com/flowmesh/flowmesh/types"
)

// schedule advances the execution: it drains the deferred queue, resolves
// joins, evaluates structural nodes inline, and dispatches ready agent
// nodes up to the parallelism cap. It runs on the coordinator goroutine
// and loops until no inline progress is possible.
func (r *run) schedule() {
	if r.ctx.Err() != nil || r.failure != nil {
		return
	}

	for {
		progressed := false

		// Deferred dispatches go first, in FIFO order.
		for len(r.queue) > 0 && r.inflight < r.e.config.Parallelism {
			item := r.queue[0]
			r.queue = r.queue[1:]
			if r.state[item.nodeID] != nodePending {
				continue
			}
			r.startAgent(item.nodeID, item.iteration)
			progressed = true
		}

		for i := range r.flow.Def.Nodes {
			n := &r.flow.Def.Nodes[i]
			if r.state[n.ID] != nodePending {
				continue
			}

			if n.Type == types.NodeTypeJoin {
				if r.resolveJoin(n) {
					progressed = true
				}
				continue
			}

			ready, allSkipped := r.readiness(n)
			if allSkipped {
				r.skipNode(n.ID)
				progressed = true
				continue
			}
			if !ready {
				continue
			}

			switch n.Type {
			case types.NodeTypeAgent:
				if r.inflight < r.e.config.Parallelism {
					r.startAgent(n.ID, r.iterationFor(n.ID))
				} else {
					// Beyond the cap: defer in FIFO order.
					r.queue = append(r.queue, dispatchItem{n.ID, r.iterationFor(n.ID)})
					r.queuedSet[n.ID] = true
				}
				progressed = true
			case types.NodeTypeDecision:
				r.runDecision(n)
				progressed = true
			case types.NodeTypeFork:
				r.runFork(n)
				progressed = true
			case types.NodeTypeLoop:
				r.startLoop(n)
				progressed = true
			case types.NodeTypeOutput:
				r.runOutput(n)
				progressed = true
			}

			if r.ctx.Err() != nil || r.failure != nil {
				return
			}
		}

		// Structural body nodes resolve inline, so loop rounds can
		// advance without a worker completion.
		for i := range r.flow.Def.Nodes {
			n := &r.flow.Def.Nodes[i]
			if n.Type == types.NodeTypeLoop && r.state[n.ID] == nodeRunning {
				if r.checkLoopRound(n.ID) {
					progressed = true
				}
			}
			if r.ctx.Err() != nil || r.failure != nil {
				return
			}
		}

		if !progressed {
			return
		}
	}
}

// anyReady reports whether some pending node could still start, used for
// quiescence detection.
func (r *run) anyReady() bool {
	for i := range r.flow.Def.Nodes {
		n := &r.flow.Def.Nodes[i]
		if r.state[n.ID] != nodePending {
			continue
		}
		if n.Type == types.NodeTypeJoin {
			if r.joinResolvable(n) {
				return true
			}
			continue
		}
		ready, allSkipped := r.readiness(n)
		if ready || allSkipped {
			return true
		}
	}
	return false
}

// joinResolvable mirrors resolveJoin without side effects.
func (r *run) joinResolvable(n *types.Node) bool {
	anySucceeded, allTerminal, _ := r.joinSources(n)
	if n.Strategy == types.MergeFirstComplete {
		return anySucceeded || allTerminal
	}
	return allTerminal
}

// readiness decides whether a pending node can start. The second return
// reports that every predecessor resolved as skipped, in which case the
// node itself is skipped.
func (r *run) readiness(n *types.Node) (ready, allSkipped bool) {
	// Error handlers stay dormant until a failing node transfers to them.
	if r.handlers[n.ID] {
		return false, false
	}

	preds := r.preds[n.ID]
	if len(preds) == 0 {
		return true, false
	}

	// Queued agent nodes are waiting on the cap, not on dependencies.
	if r.queuedSet[n.ID] {
		return false, false
	}

	satisfied := 0
	skipVotes := 0
	for _, p := range preds {
		switch {
		case r.loopOf[n.ID] == p:
			// Body nodes run only while their loop is iterating.
			if r.state[p] != nodeRunning {
				return false, false
			}
			satisfied++
		case r.state[p] == nodeSucceeded:
			if pd, ok := r.flow.Def.NodeByID(p); ok && pd.Type == types.NodeTypeDecision && isBranchTarget(pd, n.ID) {
				if r.choices[p] == n.ID {
					satisfied++
				} else {
					skipVotes++
				}
				continue
			}
			satisfied++
		case r.state[p] == nodeSkipped:
			skipVotes++
		default:
			// Pending, running, failed, or cancelled predecessor: the
			// node cannot start yet (or ever).
			return false, false
		}
	}

	if satisfied == 0 && skipVotes == len(preds) {
		return false, true
	}
	return satisfied+skipVotes == len(preds) && satisfied > 0, false
}

func isBranchTarget(decision *types.Node, nodeID string) bool {
	return decision.ThenNode == nodeID || decision.ElseNode == nodeID
}

// iterationFor returns the loop iteration a node runs under, zero outside
// loops.
func (r *run) iterationFor(nodeID string) int {
	if loop, ok := r.loopOf[nodeID]; ok {
		return r.iterations[loop]
	}
	return 0
}

// env builds the expression environment seen by conditions evaluated for
// the given node. Iteration is bound only inside a loop body.
func (r *run) env(nodeID string) expr.Env {
	env := expr.Env{
		Input:   r.ec.InputData,
		Output:  r.outputs,
		Context: r.userCtx,
	}
	if loop, ok := r.loopOf[nodeID]; ok {
		iter := r.iterations[loop]
		env.Iteration = &iter
	}
	return env
}

// predOutputs merges the outputs of a node's succeeded predecessors,
// keyed by their node ids.
func (r *run) predOutputs(nodeID string) map[string]any {
	out := make(map[string]any)
	for _, p := range r.preds[nodeID] {
		if r.state[p] == nodeSucceeded {
			if o := r.outputs[p]; o != nil {
				out[p] = o
			}
		}
	}
	return out
}

// inputFor assembles the dispatch input: predecessor outputs under their
// node ids plus the flow input under "input". An on_error transfer
// overrides the whole object.
func (r *run) inputFor(nodeID string) map[string]any {
	if override, ok := r.overrides[nodeID]; ok {
		return override
	}
	input := r.predOutputs(nodeID)
	input["input"] = r.ec.InputData
	return input
}

// --- Structural nodes, handled inline on the coordinator ---

func (r *run) runDecision(n *types.Node) {
	r.publish(eventbus.NodeStarted, n.ID, nil)
	started := time.Now().UTC()

	cond, err := expr.EvalBool(n.Condition, r.env(n.ID))
	if err != nil {
		r.recordStructural(n.ID, types.StatusFailed, nil, started, toEngineErr(err, n.ID))
		r.nodeFailure(n.ID, toEngineErr(err, n.ID))
		return
	}

	chosen := n.ElseNode
	if cond {
		chosen = n.ThenNode
	}
	r.choices[n.ID] = chosen
	r.state[n.ID] = nodeSucceeded
	r.outputs[n.ID] = r.predOutputs(n.ID)
	r.recordStructural(n.ID, types.StatusSucceeded, map[string]any{"chosen": chosen}, started, nil)
	r.publish(eventbus.NodeSucceeded, n.ID, map[string]any{"chosen": chosen})
	r.appendMessages(n.ID)

	// The non-chosen branch is skipped by the readiness scan: the
	// decision votes skip for it, and branch-exclusive successors cascade
	// through the all-predecessors-skipped rule.
}

func mustNode(def *types.FlowDefinition, id string) *types.Node {
	n, _ := def.NodeByID(id)
	return n
}

func (r *run) runFork(n *types.Node) {
	r.publish(eventbus.NodeStarted, n.ID, nil)
	started := time.Now().UTC()

	r.state[n.ID] = nodeSucceeded
	r.outputs[n.ID] = r.predOutputs(n.ID)
	r.recordStructural(n.ID, types.StatusSucceeded, map[string]any{"branches": n.Branches}, started, nil)
	r.publish(eventbus.NodeSucceeded, n.ID, nil)
	r.appendMessages(n.ID)
}

func (r *run) runOutput(n *types.Node) {
	r.publish(eventbus.NodeStarted, n.ID, nil)
	started := time.Now().UTC()

	out := r.predOutputs(n.ID)
	r.state[n.ID] = nodeSucceeded
	r.outputs[n.ID] = out
	r.recordStructural(n.ID, types.StatusSucceeded, out, started, nil)
	r.publish(eventbus.NodeSucceeded, n.ID, nil)
	r.appendMessages(n.ID)
}

// --- Loops ---

func (r *run) startLoop(n *types.Node) {
	r.state[n.ID] = nodeRunning
	r.iterations[n.ID] = 0
	r.publish(eventbus.NodeStarted, n.ID, nil)
	r.loopRound(n)
}

// loopRound checks the exit condition and either completes the loop or
// resets the body for another iteration.
func (r *run) loopRound(n *types.Node) {
	iter := r.iterations[n.ID]

	env := expr.Env{
		Input:     r.ec.InputData,
		Output:    r.outputs,
		Context:   r.userCtx,
		Iteration: &iter,
	}
	stop, err := expr.EvalBool(n.Until, env)
	if err != nil {
		e := toEngineErr(err, n.ID)
		r.recordStructural(n.ID, types.StatusFailed, nil, time.Now().UTC(), e)
		r.nodeFailure(n.ID, e)
		return
	}

	if stop || iter >= n.MaxIterations {
		r.completeLoop(n)
		return
	}

	// Fresh round: reset body nodes and emit the traversal messages.
	for _, b := range n.Body {
		r.state[b] = nodePending
		delete(r.outputs, b)
		r.message(n.ID, b, map[string]any{"iteration": iter})
	}
}

func (r *run) completeLoop(n *types.Node) {
	body := make(map[string]any, len(n.Body))
	for _, b := range n.Body {
		if o := r.outputs[b]; o != nil {
			body[b] = o
		}
	}
	r.state[n.ID] = nodeSucceeded
	r.outputs[n.ID] = body
	r.recordStructural(n.ID, types.StatusSucceeded,
		map[string]any{"iterations": r.iterations[n.ID]}, time.Now().UTC(), nil)
	r.publish(eventbus.NodeSucceeded, n.ID, map[string]any{"iterations": r.iterations[n.ID]})

	// Messages flow to downstream dependents, not back into the body.
	r.appendMessages(n.ID)
}

// checkLoopRound advances the loop when every body node has resolved.
// It reports whether the loop made progress.
func (r *run) checkLoopRound(loopID string) bool {
	n := mustNode(r.flow.Def, loopID)
	if r.state[loopID] != nodeRunning {
		return false
	}
	for _, b := range n.Body {
		if !r.state[b].terminal() {
			return false
		}
		if r.state[b] == nodeFailed || r.state[b] == nodeCancelled {
			// Body failure surfaces through nodeFailure on the body node.
			return false
		}
	}
	r.iterations[loopID]++
	r.loopRound(n)
	return true
}

// --- Joins ---

// joinSummary captures the resolvability of a join's sources. A pending
// source that can never run anymore (its path died upstream) counts as
// terminal and failed, so the join is not waited on forever.
type joinSummary struct {
	succeeded   []string
	anyFailed   bool
	allTerminal bool
}

func (r *run) joinSources(n *types.Node) (anySucceeded bool, allTerminal bool, succeeded []string) {
	s := r.summarizeJoin(n)
	return len(s.succeeded) > 0, s.allTerminal, s.succeeded
}

func (r *run) summarizeJoin(n *types.Node) joinSummary {
	s := joinSummary{allTerminal: true}
	dead := make(map[string]int)
	for _, src := range n.Sources {
		switch r.state[src] {
		case nodeSucceeded:
			s.succeeded = append(s.succeeded, src)
		case nodeFailed, nodeCancelled:
			s.anyFailed = true
		case nodeSkipped:
		default:
			if r.nodeDead(src, dead) {
				s.anyFailed = true
			} else {
				s.allTerminal = false
			}
		}
	}
	return s
}

// nodeDead reports whether a non-terminal node can never start because
// some upstream dependency failed or was cancelled. memo holds 0 for
// unvisited, 1 for in-progress or alive, 2 for dead.
func (r *run) nodeDead(nodeID string, memo map[string]int) bool {
	switch memo[nodeID] {
	case 1:
		return false
	case 2:
		return true
	}
	memo[nodeID] = 1

	if r.state[nodeID] == nodeRunning || r.queuedSet[nodeID] {
		return false
	}
	for _, p := range r.preds[nodeID] {
		if r.loopOf[nodeID] == p {
			if r.state[p].terminal() && r.state[p] != nodeSucceeded {
				memo[nodeID] = 2
				return true
			}
			continue
		}
		if r.state[p] == nodeFailed || r.state[p] == nodeCancelled || r.nodeDead(p, memo) {
			// A failed predecessor with an error handler may still feed
			// this node through the handler's path; treat only
			// handler-less failures as dead ends.
			if pd := mustNode(r.flow.Def, p); pd != nil && pd.OnErrorNode != "" && r.state[p] == nodeFailed {
				continue
			}
			memo[nodeID] = 2
			return true
		}
	}
	return false
}

// resolveJoin applies the merge strategy. It returns true when the join
// reached a terminal state this pass.
func (r *run) resolveJoin(n *types.Node) bool {
	s := r.summarizeJoin(n)

	switch n.Strategy {
	case types.MergeFirstComplete:
		if len(s.succeeded) > 0 {
			winner := s.succeeded[0]
			r.cancelLosers(n, winner)
			r.finishJoin(n, map[string]any{winner: r.outputs[winner]}, winner)
			return true
		}
		if s.allTerminal {
			r.failJoin(n, types.Errorf(types.ErrInternal, "join %s: every source failed", n.ID))
			return true
		}

	case types.MergeAllComplete:
		if !s.allTerminal {
			return false
		}
		if s.anyFailed {
			r.failJoin(n, types.Errorf(types.ErrInternal, "join %s: a source failed", n.ID))
			return true
		}
		out := make(map[string]any, len(s.succeeded))
		for _, src := range s.succeeded {
			out[src] = r.outputs[src]
		}
		r.finishJoin(n, out, "")
		return true

	case types.MergeBestBy:
		if !s.allTerminal {
			return false
		}
		if len(s.succeeded) == 0 {
			r.failJoin(n, types.Errorf(types.ErrInternal, "join %s: no source succeeded", n.ID))
			return true
		}
		winner, err := r.pickBest(n, s.succeeded)
		if err != nil {
			r.failJoin(n, toEngineErr(err, n.ID))
			return true
		}
		r.finishJoin(n, map[string]any{winner: r.outputs[winner]}, winner)
		return true
	}
	return false
}

// pickBest evaluates the best_by expression once per succeeded source.
// The candidate's output is bound under its own node id and under the
// generic name "source".
func (r *run) pickBest(n *types.Node, succeeded []string) (string, error) {
	best := ""
	bestScore := 0.0
	for _, s := range succeeded {
		env := expr.Env{
			Input:   r.ec.InputData,
			Context: r.userCtx,
			Output: map[string]map[string]any{
				s:        r.outputs[s],
				"source": r.outputs[s],
			},
		}
		score, err := expr.EvalNumber(n.BestBy, env)
		if err != nil {
			return "", err
		}
		if best == "" || score > bestScore {
			best, bestScore = s, score
		}
	}
	return best, nil
}

// cancelLosers aborts the remaining sources of a first_complete join.
func (r *run) cancelLosers(n *types.Node, winner string) {
	for _, s := range n.Sources {
		if s == winner {
			continue
		}
		switch r.state[s] {
		case nodePending:
			r.state[s] = nodeCancelled
			r.publish(eventbus.NodeSkipped, s, map[string]any{"reason": "join resolved"})
		case nodeRunning:
			if cancel, ok := r.nodeCancels[s]; ok {
				cancel()
			}
			r.state[s] = nodeCancelled
		}
	}
}

func (r *run) finishJoin(n *types.Node, output map[string]any, winner string) {
	started := time.Now().UTC()
	r.state[n.ID] = nodeSucceeded
	r.outputs[n.ID] = output

	payload := map[string]any{"strategy": string(n.Strategy)}
	if winner != "" {
		payload["winner"] = winner
	}
	r.recordStructural(n.ID, types.StatusSucceeded, output, started, nil)
	r.publish(eventbus.NodeSucceeded, n.ID, payload)
	r.appendMessages(n.ID)
}

func (r *run) failJoin(n *types.Node, err *types.Error) {
	r.recordStructural(n.ID, types.StatusFailed, nil, time.Now().UTC(), err)
	r.nodeFailure(n.ID, err)
}

// --- Skips, failures, messages ---

func (r *run) skipNode(nodeID string) {
	r.state[nodeID] = nodeSkipped
	now := time.Now().UTC()
	result := &types.NodeResult{
		ExecutionID: r.ec.ExecutionID,
		NodeID:      nodeID,
		Iteration:   r.iterationFor(nodeID),
		Status:      types.StatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := r.e.store.UpsertNodeResult(context.Background(), result); err != nil {
		r.logger.Warn("skipped node not recorded", zap.String("node_id", nodeID), zap.Error(err))
	}
	r.publish(eventbus.NodeSkipped, nodeID, nil)
}

// nodeFailure applies the propagation policy: on_error transfer first,
// then absorption by a forgiving join, otherwise the failure is fatal to
// the execution.
func (r *run) nodeFailure(nodeID string, failure *types.Error) {
	r.state[nodeID] = nodeFailed
	r.publish(eventbus.NodeFailed, nodeID, map[string]any{
		"kind":    string(failure.Kind),
		"message": failure.Message,
	})

	n := mustNode(r.flow.Def, nodeID)
	if n != nil && n.OnErrorNode != "" {
		r.transferToErrorNode(n, failure)
		return
	}

	if r.absorbedByJoin(nodeID) {
		r.logger.Debug("node failure absorbed by join",
			zap.String("node_id", nodeID),
			zap.String("kind", string(failure.Kind)),
		)
		return
	}

	if r.failure == nil {
		r.failure = failure
	}
	// Abort remaining work; the drain loop settles in-flight nodes.
	r.cancelFn()
}

// absorbedByJoin reports whether the failed node sits inside a branch
// that converges at a join whose strategy tolerates source failures. The
// failure then stays local: the join resolves from its other sources.
func (r *run) absorbedByJoin(nodeID string) bool {
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, v := range r.flow.Successors[id] {
			if visited[v] {
				continue
			}
			visited[v] = true
			if n := mustNode(r.flow.Def, v); n != nil && n.Type == types.NodeTypeJoin {
				if n.Strategy == types.MergeFirstComplete || n.Strategy == types.MergeBestBy {
					return true
				}
				// A stricter join fails itself when the dead source
				// reaches it; stop walking through it.
				continue
			}
			queue = append(queue, v)
		}
	}
	return false
}

// transferToErrorNode activates the failing node's error handler with the
// original input plus the error object.
func (r *run) transferToErrorNode(failed *types.Node, failure *types.Error) {
	handler := failed.OnErrorNode
	if r.state[handler] != nodePending {
		// The handler already ran or was skipped; nothing to transfer to.
		if r.failure == nil {
			r.failure = failure
		}
		r.cancelFn()
		return
	}

	input := r.inputs[failed.ID]
	if input == nil {
		input = r.inputFor(failed.ID)
	}
	override := make(map[string]any, len(input)+1)
	for k, v := range input {
		override[k] = v
	}
	override["error"] = map[string]any{
		"kind":    string(failure.Kind),
		"message": failure.Message,
		"node_id": failed.ID,
	}
	r.overrides[handler] = override

	r.logger.Info("transferring control to error handler",
		zap.String("failed_node", failed.ID),
		zap.String("handler", handler),
	)
	if r.inflight < r.e.config.Parallelism {
		r.startAgent(handler, r.iterationFor(failed.ID))
	} else {
		r.queue = append(r.queue, dispatchItem{handler, r.iterationFor(failed.ID)})
		r.queuedSet[handler] = true
	}
}

// recordStructural writes a NodeResult for nodes evaluated inline.
func (r *run) recordStructural(nodeID string, status types.ExecutionStatus, output map[string]any, started time.Time, failure *types.Error) {
	now := time.Now().UTC()
	result := &types.NodeResult{
		ExecutionID: r.ec.ExecutionID,
		NodeID:      nodeID,
		Iteration:   r.iterationFor(nodeID),
		Status:      status,
		Output:      output,
		Error:       failure,
		StartedAt:   started,
		CompletedAt: &now,
	}
	if err := r.e.store.UpsertNodeResult(context.Background(), result); err != nil {
		r.logger.Warn("node result not recorded", zap.String("node_id", nodeID), zap.Error(err))
	}
}

// appendMessages stores one AgentMessage per traversed outgoing edge of a
// completed node. Edges into a decision's non-chosen branch and a loop's
// own body are not traversals.
func (r *run) appendMessages(nodeID string) {
	n := mustNode(r.flow.Def, nodeID)
	for _, v := range r.flow.Successors[nodeID] {
		if n.Type == types.NodeTypeDecision && isBranchTarget(n, v) && r.choices[nodeID] != v {
			continue
		}
		if n.Type == types.NodeTypeLoop && r.loopOf[v] == nodeID {
			continue
		}
		r.message(nodeID, v, r.outputs[nodeID])
	}
}

func (r *run) message(from, to string, payload map[string]any) {
	msg := types.NewAgentMessage(r.ec.ExecutionID, from, to, payload)
	if err := r.e.store.AppendMessage(context.Background(), msg); err != nil {
		r.logger.Warn("agent message not recorded",
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err),
		)
	}
}

func toEngineErr(err error, nodeID string) *types.Error {
	if e, ok := err.(*types.Error); ok {
		if e.NodeID == "" {
			e.NodeID = nodeID
		}
		return e
	}
	return types.NewError(types.ErrInternal, err.Error()).WithNode(nodeID)
}
