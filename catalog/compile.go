package catalog

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/flowmesh/flowmesh/types"
)

var (
	flowIDPattern  = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// CompiledFlow is a validated flow plus the scheduling structure the
// orchestrator consumes: forward edges, per-node indegree, and topological
// layers.
type CompiledFlow struct {
	Def *types.FlowDefinition

	// Successors holds every forward edge: depends_on edges plus the
	// implicit control edges (decision -> then/else, loop -> body,
	// fork -> branches, source -> join).
	Successors map[string][]string

	// Indegree counts incoming forward edges per node.
	Indegree map[string]int

	// Layers groups node ids by topological depth; layer 0 is the entry.
	Layers [][]string
}

// Compile validates a flow definition and precomputes its scheduling
// structure. All violations are reported as types.ErrFlowInvalid.
func Compile(def *types.FlowDefinition) (*CompiledFlow, error) {
	if err := validateHeader(def); err != nil {
		return nil, err
	}

	nodes := make(map[string]*types.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, invalid("node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, invalid("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}

	if _, ok := nodes[def.EntryPoint]; !ok {
		return nil, invalid("entry_point %q is not a node", def.EntryPoint)
	}
	if len(nodes[def.EntryPoint].DependsOn) > 0 {
		return nil, invalid("entry_point %q must have no dependencies", def.EntryPoint)
	}
	for _, ep := range def.ExitPoints {
		if _, ok := nodes[ep]; !ok {
			return nil, invalid("exit_point %q is not a node", ep)
		}
	}

	if err := validateVariants(def, nodes); err != nil {
		return nil, err
	}

	edges, err := buildEdges(def, nodes)
	if err != nil {
		return nil, err
	}

	layers, indegree, err := topoLayers(def, edges)
	if err != nil {
		return nil, err
	}

	// Error-handler targets are reachable through the on_error transfer
	// even though the scheduler never follows that edge directly.
	reach := make(map[string][]string, len(edges))
	for from, targets := range edges {
		reach[from] = append(reach[from], targets...)
	}
	for _, n := range def.Nodes {
		if n.OnErrorNode != "" {
			reach[n.ID] = append(reach[n.ID], n.OnErrorNode)
		}
	}

	if err := validateReachability(def, nodes, reach); err != nil {
		return nil, err
	}

	if err := validateConvergence(def, nodes, edges); err != nil {
		return nil, err
	}

	return &CompiledFlow{
		Def:        def,
		Successors: edges,
		Indegree:   indegree,
		Layers:     layers,
	}, nil
}

func invalid(format string, args ...any) error {
	return types.Errorf(types.ErrFlowInvalid, format, args...)
}

func validateHeader(def *types.FlowDefinition) error {
	if !flowIDPattern.MatchString(def.FlowID) {
		return invalid("flow_id %q must match %s", def.FlowID, flowIDPattern.String())
	}
	if def.Version != "" && !versionPattern.MatchString(def.Version) {
		return invalid("version %q is not semver", def.Version)
	}
	if len(def.Nodes) == 0 {
		return invalid("flow has no nodes")
	}
	if len(def.ExitPoints) == 0 {
		return invalid("flow has no exit_points")
	}
	return nil
}

func validateVariants(def *types.FlowDefinition, nodes map[string]*types.Node) error {
	ref := func(owner, field, id string) error {
		if _, ok := nodes[id]; !ok {
			return invalid("node %s: %s references unknown node %q", owner, field, id)
		}
		return nil
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if err := ref(n.ID, "depends_on", dep); err != nil {
				return err
			}
		}

		switch n.Type {
		case types.NodeTypeAgent:
			if n.AgentID == "" {
				return invalid("node %s: agent node requires agent_id", n.ID)
			}
			if n.OnErrorNode != "" {
				if err := ref(n.ID, "on_error_node", n.OnErrorNode); err != nil {
					return err
				}
			}

		case types.NodeTypeDecision:
			if n.Condition == "" {
				return invalid("node %s: decision requires condition", n.ID)
			}
			if n.ThenNode == "" || n.ElseNode == "" {
				return invalid("node %s: decision requires then and else", n.ID)
			}
			if err := ref(n.ID, "then", n.ThenNode); err != nil {
				return err
			}
			if err := ref(n.ID, "else", n.ElseNode); err != nil {
				return err
			}

		case types.NodeTypeLoop:
			if len(n.Body) == 0 {
				return invalid("node %s: loop requires a non-empty body", n.ID)
			}
			if n.Until == "" {
				return invalid("node %s: loop requires until", n.ID)
			}
			if n.MaxIterations < 1 {
				return invalid("node %s: loop requires max_iterations >= 1", n.ID)
			}
			for _, b := range n.Body {
				if err := ref(n.ID, "body", b); err != nil {
					return err
				}
			}

		case types.NodeTypeFork:
			if len(n.Branches) < 2 {
				return invalid("node %s: fork requires at least two branches", n.ID)
			}
			for _, b := range n.Branches {
				if err := ref(n.ID, "branches", b); err != nil {
					return err
				}
			}

		case types.NodeTypeJoin:
			if len(n.Sources) == 0 {
				return invalid("node %s: join requires sources", n.ID)
			}
			for _, s := range n.Sources {
				if err := ref(n.ID, "sources", s); err != nil {
					return err
				}
			}
			switch n.Strategy {
			case types.MergeFirstComplete, types.MergeAllComplete:
				if n.BestBy != "" {
					return invalid("node %s: best_by is only valid with strategy best_by", n.ID)
				}
			case types.MergeBestBy:
				if n.BestBy == "" {
					return invalid("node %s: strategy best_by requires best_by expression", n.ID)
				}
			default:
				return invalid("node %s: unknown merge strategy %q", n.ID, n.Strategy)
			}

		case types.NodeTypeOutput:
			// Terminal aggregator, depends_on only.

		default:
			return invalid("node %s: unknown node type %q", n.ID, n.Type)
		}
	}

	return validateLoopIsolation(def, nodes)
}

// validateLoopIsolation enforces that loop bodies are reachable only
// through their loop node: nothing outside the body may depend on or
// branch into a body node.
func validateLoopIsolation(def *types.FlowDefinition, nodes map[string]*types.Node) error {
	for _, loop := range def.Nodes {
		if loop.Type != types.NodeTypeLoop {
			continue
		}
		body := make(map[string]bool, len(loop.Body))
		for _, b := range loop.Body {
			body[b] = true
		}

		for _, n := range def.Nodes {
			if n.ID == loop.ID || body[n.ID] {
				continue
			}
			for _, target := range controlTargets(&n) {
				if body[target] {
					return invalid("loop %s: body node %q is reachable from %q outside the loop",
						loop.ID, target, n.ID)
				}
			}
			for _, dep := range n.DependsOn {
				if body[dep] {
					return invalid("loop %s: node %q outside the loop depends on body node %q",
						loop.ID, n.ID, dep)
				}
			}
		}
	}
	return nil
}

// controlTargets lists the implicit successors a node schedules by type.
func controlTargets(n *types.Node) []string {
	switch n.Type {
	case types.NodeTypeDecision:
		return []string{n.ThenNode, n.ElseNode}
	case types.NodeTypeLoop:
		return n.Body
	case types.NodeTypeFork:
		return n.Branches
	}
	return nil
}

// buildEdges assembles the forward edge map: dep -> dependent for every
// depends_on, control edges by node type, and source -> join.
func buildEdges(def *types.FlowDefinition, nodes map[string]*types.Node) (map[string][]string, error) {
	edges := make(map[string][]string, len(def.Nodes))
	seen := make(map[[2]string]bool)

	add := func(from, to string) {
		key := [2]string{from, to}
		if seen[key] || from == to {
			return
		}
		seen[key] = true
		edges[from] = append(edges[from], to)
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			add(dep, n.ID)
		}
		for _, target := range controlTargets(&n) {
			add(n.ID, target)
		}
		if n.Type == types.NodeTypeJoin {
			for _, s := range n.Sources {
				add(s, n.ID)
			}
		}
	}

	for from := range edges {
		sort.Strings(edges[from])
	}
	return edges, nil
}

// topoLayers runs Kahn's algorithm by levels, rejecting cycles.
func topoLayers(def *types.FlowDefinition, edges map[string][]string) ([][]string, map[string]int, error) {
	indegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, targets := range edges {
		for _, to := range targets {
			indegree[to]++
		}
	}

	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var layers [][]string
	placed := 0

	frontier := make([]string, 0)
	for id, d := range remaining {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		layers = append(layers, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, to := range edges[id] {
				remaining[to]--
				if remaining[to] == 0 {
					next = append(next, to)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if placed != len(def.Nodes) {
		// Name one node still holding an incoming edge for the report.
		var stuck []string
		for id, d := range remaining {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, nil, invalid("cycle at %s", stuck[0])
	}

	return layers, indegree, nil
}

// validateReachability requires every exit point, and every node, to be
// reachable from the entry point over the forward edges.
func validateReachability(def *types.FlowDefinition, nodes map[string]*types.Node, edges map[string][]string) error {
	reached := make(map[string]bool, len(nodes))
	queue := []string{def.EntryPoint}
	reached[def.EntryPoint] = true

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range edges[id] {
			if !reached[to] {
				reached[to] = true
				queue = append(queue, to)
			}
		}
	}

	for _, ep := range def.ExitPoints {
		if !reached[ep] {
			return invalid("exit_point %q is not reachable from entry_point", ep)
		}
	}
	for _, n := range def.Nodes {
		if !reached[n.ID] {
			return invalid("node %q is not reachable from entry_point", n.ID)
		}
	}
	return nil
}

// validateConvergence enforces the structural pairing rules: every fork's
// branches must all reach a common join, and a decision's branches must
// converge at a shared successor or each end at an exit point.
func validateConvergence(def *types.FlowDefinition, nodes map[string]*types.Node, edges map[string][]string) error {
	descendants := func(start string) map[string]bool {
		out := map[string]bool{start: true}
		queue := []string{start}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, to := range edges[id] {
				if !out[to] {
					out[to] = true
					queue = append(queue, to)
				}
			}
		}
		return out
	}

	for _, n := range def.Nodes {
		switch n.Type {
		case types.NodeTypeFork:
			sets := make([]map[string]bool, len(n.Branches))
			for i, b := range n.Branches {
				sets[i] = descendants(b)
			}
			found := false
			for _, cand := range def.Nodes {
				if cand.Type != types.NodeTypeJoin {
					continue
				}
				all := true
				for _, set := range sets {
					if !set[cand.ID] {
						all = false
						break
					}
				}
				if all {
					found = true
					break
				}
			}
			if !found {
				return invalid("fork %s: branches do not converge at a join", n.ID)
			}

		case types.NodeTypeDecision:
			thenSet := descendants(n.ThenNode)
			elseSet := descendants(n.ElseNode)

			converges := false
			for id := range thenSet {
				if id != n.ThenNode && elseSet[id] {
					converges = true
					break
				}
			}
			if converges {
				continue
			}

			reachesExit := func(set map[string]bool) bool {
				for _, ep := range def.ExitPoints {
					if set[ep] {
						return true
					}
				}
				return false
			}
			if !reachesExit(thenSet) || !reachesExit(elseSet) {
				return invalid("decision %s: branches neither converge nor reach an exit", n.ID)
			}
		}
	}
	return nil
}

// String renders a compact summary used in logs.
func (c *CompiledFlow) String() string {
	return fmt.Sprintf("flow %s v%s (%d nodes, %d layers)",
		c.Def.FlowID, c.Def.Version, len(c.Def.Nodes), len(c.Layers))
}
