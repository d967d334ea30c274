package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/types"
)

const linearFlow = `
flow_id: credit-check
name: Credit check
description: Two step scoring pipeline
version: 1.0.0
entry_point: gather
exit_points: [report]
nodes:
  - id: gather
    type: agent
    agent_id: gatherer
  - id: score
    type: agent
    agent_id: scorer
    depends_on: [gather]
    config:
      timeout: 60
      max_retries: 2
  - id: report
    type: output
    depends_on: [score]
`

func TestParseLinearFlow(t *testing.T) {
	def, err := Parse([]byte(linearFlow))
	require.NoError(t, err)

	assert.Equal(t, "credit-check", def.FlowID)
	assert.Equal(t, "gather", def.EntryPoint)
	assert.Equal(t, []string{"report"}, def.ExitPoints)
	require.Len(t, def.Nodes, 3)

	score, ok := def.NodeByID("score")
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, score.Timeout)
	assert.Equal(t, 2, score.MaxRetries)
	assert.Equal(t, types.NodeTypeAgent, score.Type)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := `
flow_id: f1
name: f
description: d
version: 1.0.0
entry_point: a
exit_points: [a]
bogus_field: true
nodes:
  - id: a
    type: output
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, types.ErrFlowInvalid, types.KindOf(err))
}

func TestParseRejectsTimeoutOutOfRange(t *testing.T) {
	doc := `
flow_id: f1
name: f
description: d
version: 1.0.0
entry_point: a
exit_points: [a]
nodes:
  - id: a
    type: agent
    agent_id: x
    config:
      timeout: 5
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestCompileRejections(t *testing.T) {
	base := func() *types.FlowDefinition {
		return &types.FlowDefinition{
			FlowID:     "f1",
			Version:    "1.0.0",
			EntryPoint: "a",
			ExitPoints: []string{"b"},
			Nodes: []types.Node{
				{ID: "a", Type: types.NodeTypeAgent, AgentID: "x"},
				{ID: "b", Type: types.NodeTypeOutput, DependsOn: []string{"a"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*types.FlowDefinition)
		wantMsg string
	}{
		{
			name:    "bad flow id",
			mutate:  func(d *types.FlowDefinition) { d.FlowID = "Not Valid!" },
			wantMsg: "flow_id",
		},
		{
			name:    "bad version",
			mutate:  func(d *types.FlowDefinition) { d.Version = "one" },
			wantMsg: "semver",
		},
		{
			name: "duplicate node id",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes = append(d.Nodes, types.Node{ID: "a", Type: types.NodeTypeOutput})
			},
			wantMsg: "duplicate",
		},
		{
			name: "unknown dependency",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes[1].DependsOn = []string{"ghost"}
			},
			wantMsg: "unknown node",
		},
		{
			name: "cycle",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes[0].DependsOn = nil
				d.Nodes = append(d.Nodes,
					types.Node{ID: "c", Type: types.NodeTypeAgent, AgentID: "x", DependsOn: []string{"a", "d"}},
					types.Node{ID: "d", Type: types.NodeTypeAgent, AgentID: "x", DependsOn: []string{"c"}},
				)
			},
			wantMsg: "cycle at",
		},
		{
			name: "entry with dependencies",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes[0].DependsOn = []string{"b"}
			},
			wantMsg: "",
		},
		{
			name: "unreachable exit",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes[1].DependsOn = nil
				d.ExitPoints = []string{"b"}
			},
			wantMsg: "not reachable",
		},
		{
			name: "missing entry",
			mutate: func(d *types.FlowDefinition) {
				d.EntryPoint = "ghost"
			},
			wantMsg: "entry_point",
		},
		{
			name: "no exit points",
			mutate: func(d *types.FlowDefinition) {
				d.ExitPoints = nil
			},
			wantMsg: "exit_points",
		},
		{
			name: "agent without id",
			mutate: func(d *types.FlowDefinition) {
				d.Nodes[0].AgentID = ""
			},
			wantMsg: "agent_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(def)
			_, err := Compile(def)
			require.Error(t, err)
			assert.Equal(t, types.ErrFlowInvalid, types.KindOf(err))
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestCompileJoinStrategyRules(t *testing.T) {
	def := &types.FlowDefinition{
		FlowID:     "f1",
		Version:    "1.0.0",
		EntryPoint: "a",
		ExitPoints: []string{"j"},
		Nodes: []types.Node{
			{ID: "a", Type: types.NodeTypeFork, Branches: []string{"b", "c"}},
			{ID: "b", Type: types.NodeTypeAgent, AgentID: "x"},
			{ID: "c", Type: types.NodeTypeAgent, AgentID: "y"},
			{ID: "j", Type: types.NodeTypeJoin, Sources: []string{"b", "c"}, Strategy: types.MergeAllComplete},
		},
	}

	compiled, err := Compile(def)
	require.NoError(t, err)
	assert.Equal(t, 2, compiled.Indegree["j"])

	// best_by expression without the matching strategy.
	def.Nodes[3].BestBy = "output.b.score"
	_, err = Compile(def)
	require.Error(t, err)

	// strategy best_by without an expression.
	def.Nodes[3].Strategy = types.MergeBestBy
	def.Nodes[3].BestBy = ""
	_, err = Compile(def)
	require.Error(t, err)

	// Well-formed best_by.
	def.Nodes[3].BestBy = "output.b.score"
	_, err = Compile(def)
	require.NoError(t, err)
}

func TestCompileLoopIsolation(t *testing.T) {
	def := &types.FlowDefinition{
		FlowID:     "f1",
		Version:    "1.0.0",
		EntryPoint: "start",
		ExitPoints: []string{"done"},
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeTypeAgent, AgentID: "x"},
			{ID: "iterate", Type: types.NodeTypeLoop, DependsOn: []string{"start"},
				Body: []string{"work"}, Until: "iteration >= 3", MaxIterations: 3},
			{ID: "work", Type: types.NodeTypeAgent, AgentID: "y"},
			{ID: "done", Type: types.NodeTypeOutput, DependsOn: []string{"iterate"}},
		},
	}

	_, err := Compile(def)
	require.NoError(t, err)

	// An outside node depending on a body node breaks isolation.
	def.Nodes[3].DependsOn = []string{"iterate", "work"}
	_, err = Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the loop")
}

func TestCompileForkNeedsJoin(t *testing.T) {
	def := &types.FlowDefinition{
		FlowID:     "f1",
		Version:    "1.0.0",
		EntryPoint: "a",
		ExitPoints: []string{"b", "c"},
		Nodes: []types.Node{
			{ID: "a", Type: types.NodeTypeFork, Branches: []string{"b", "c"}},
			{ID: "b", Type: types.NodeTypeAgent, AgentID: "x"},
			{ID: "c", Type: types.NodeTypeAgent, AgentID: "y"},
		},
	}

	_, err := Compile(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "converge at a join")
}

func TestCompileLayers(t *testing.T) {
	def, err := Parse([]byte(linearFlow))
	require.NoError(t, err)

	compiled, err := Compile(def)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"gather"}, {"score"}, {"report"}}, compiled.Layers)
	assert.Equal(t, 0, compiled.Indegree["gather"])
	assert.Equal(t, 1, compiled.Indegree["score"])
	assert.Equal(t, []string{"score"}, compiled.Successors["gather"])
}

func TestCatalogTenantFallback(t *testing.T) {
	c := New(nil, nil)
	ctx := context.Background()

	system, err := Parse([]byte(linearFlow))
	require.NoError(t, err)
	_, err = c.Add(ctx, system)
	require.NoError(t, err)

	// Tenant-scoped flow with the same id shadows the system one.
	tenant, err := Parse([]byte(linearFlow))
	require.NoError(t, err)
	tenant.TenantID = "tenant-a"
	tenant.Name = "Tenant override"
	_, err = c.Add(ctx, tenant)
	require.NoError(t, err)

	got, err := c.Get("credit-check", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "Tenant override", got.Def.Name)

	// Other tenants fall back to system scope.
	got, err = c.Get("credit-check", "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, "Credit check", got.Def.Name)

	_, err = c.Get("ghost", "tenant-a")
	require.Error(t, err)
	assert.Equal(t, types.ErrFlowNotFound, types.KindOf(err))
}

func TestCatalogListAndDelete(t *testing.T) {
	c := New(nil, nil)
	ctx := context.Background()

	def, err := Parse([]byte(linearFlow))
	require.NoError(t, err)
	def.TenantID = "tenant-a"
	_, err = c.Add(ctx, def)
	require.NoError(t, err)

	assert.Len(t, c.List("tenant-a"), 1)
	assert.Empty(t, c.List("tenant-b"))

	require.NoError(t, c.Delete(ctx, "credit-check", "tenant-a"))
	assert.Empty(t, c.List("tenant-a"))

	err = c.Delete(ctx, "credit-check", "tenant-a")
	require.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	def, err := Parse([]byte(linearFlow))
	require.NoError(t, err)

	data, err := Marshal(def)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}
