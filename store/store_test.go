package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowmesh/flowmesh/types"
)

// storeUnderTest runs the contract suite against both implementations.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		require.NoError(t, err)
		s, err := NewGormStore(db, nil)
		require.NoError(t, err)
		return s
	default:
		t.Fatalf("unknown store %q", name)
		return nil
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			s := storeUnderTest(t, name)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ec := types.NewExecutionContext("f1", "tenant-a", map[string]any{"x": float64(1)})

		require.NoError(t, s.CreateExecution(ctx, ec))
		// Replaying the create is a no-op.
		require.NoError(t, s.CreateExecution(ctx, ec))

		got, err := s.GetExecution(ctx, ec.ExecutionID, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.Equal(t, "f1", got.FlowID)
		assert.Equal(t, map[string]any{"x": float64(1)}, got.InputData)
	})
}

func TestTenantIsolationReturnsNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ec := types.NewExecutionContext("f1", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, ec))

		// Another tenant sees not-found, never forbidden.
		_, err := s.GetExecution(ctx, ec.ExecutionID, "tenant-b")
		require.Error(t, err)
		assert.Equal(t, types.ErrNotFound, types.KindOf(err))

		_, err = s.GetExecution(ctx, uuid.New(), "tenant-a")
		require.Error(t, err)
		assert.Equal(t, types.ErrNotFound, types.KindOf(err))
	})
}

func TestTransitionLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ec := types.NewExecutionContext("f1", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, ec))

		require.NoError(t, s.Transition(ctx, ec.ExecutionID, types.StatusRunning, nil))

		got, err := s.GetExecution(ctx, ec.ExecutionID, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		out := map[string]any{"answer": float64(42)}
		require.NoError(t, s.Transition(ctx, ec.ExecutionID, types.StatusSucceeded, &TransitionFields{Output: out}))

		got, err = s.GetExecution(ctx, ec.ExecutionID, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, types.StatusSucceeded, got.Status)
		assert.Equal(t, out, got.OutputData)
		require.NotNil(t, got.CompletedAt)
	})
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ec := types.NewExecutionContext("f1", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, ec))

		// pending cannot jump to succeeded.
		err := s.Transition(ctx, ec.ExecutionID, types.StatusSucceeded, nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrInvalidTransition, types.KindOf(err))

		require.NoError(t, s.Transition(ctx, ec.ExecutionID, types.StatusRunning, nil))
		require.NoError(t, s.Transition(ctx, ec.ExecutionID, types.StatusCancelled, nil))

		// Terminals absorb everything else.
		err = s.Transition(ctx, ec.ExecutionID, types.StatusRunning, nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrAlreadyTerminal, types.KindOf(err))

		// Re-asserting the terminal state is a harmless replay.
		require.NoError(t, s.Transition(ctx, ec.ExecutionID, types.StatusCancelled, nil))

		err = s.Transition(ctx, uuid.New(), types.StatusRunning, nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrNotFound, types.KindOf(err))
	})
}

func TestUpsertNodeResultIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execID := uuid.New()

		result := &types.NodeResult{
			ExecutionID: execID,
			NodeID:      "score",
			Iteration:   0,
			AgentID:     "scorer",
			Status:      types.StatusRunning,
			Attempts:    1,
			StartedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.UpsertNodeResult(ctx, result))

		done := time.Now().UTC()
		result.Status = types.StatusSucceeded
		result.Output = map[string]any{"score": 0.9}
		result.CompletedAt = &done
		require.NoError(t, s.UpsertNodeResult(ctx, result))

		// Same key updates in place; a new iteration is a new row.
		iter1 := *result
		iter1.Iteration = 1
		iter1.Output = nil
		iter1.Status = types.StatusRunning
		require.NoError(t, s.UpsertNodeResult(ctx, &iter1))

		results, err := s.GetNodeResults(ctx, execID)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, types.StatusSucceeded, results[0].Status)
		assert.Equal(t, 0, results[0].Iteration)
		assert.Equal(t, 1, results[1].Iteration)
	})
}

func TestMessagesOrderedAndIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execID := uuid.New()

		first := types.NewAgentMessage(execID, "a", "b", map[string]any{"v": float64(1)})
		second := types.NewAgentMessage(execID, "b", "c", nil)
		second.CreatedAt = first.CreatedAt.Add(time.Millisecond)

		require.NoError(t, s.AppendMessage(ctx, first))
		require.NoError(t, s.AppendMessage(ctx, second))
		// Replay of the same message id is dropped.
		require.NoError(t, s.AppendMessage(ctx, first))

		msgs, err := s.GetMessages(ctx, execID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", msgs[0].FromNode)
		assert.Equal(t, "b", msgs[0].ToNode)
		assert.Equal(t, "c", msgs[1].ToNode)
	})
}

func TestListExecutionsFiltersAndPagination(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			ec := types.NewExecutionContext("flow-a", "tenant-a", nil)
			ec.CreatedAt = ec.CreatedAt.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateExecution(ctx, ec))
		}
		other := types.NewExecutionContext("flow-b", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, other))
		require.NoError(t, s.Transition(ctx, other.ExecutionID, types.StatusRunning, nil))

		foreign := types.NewExecutionContext("flow-a", "tenant-b", nil)
		require.NoError(t, s.CreateExecution(ctx, foreign))

		all, err := s.ListExecutions(ctx, "tenant-a", ExecutionFilters{}, Page{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		flowA, err := s.ListExecutions(ctx, "tenant-a", ExecutionFilters{FlowID: "flow-a"}, Page{})
		require.NoError(t, err)
		assert.Len(t, flowA, 3)

		running, err := s.ListExecutions(ctx, "tenant-a", ExecutionFilters{Status: types.StatusRunning}, Page{})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "flow-b", running[0].FlowID)

		page, err := s.ListExecutions(ctx, "tenant-a", ExecutionFilters{FlowID: "flow-a"}, Page{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

func TestMetricsAggregation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		ok := types.NewExecutionContext("f1", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, ok))
		require.NoError(t, s.Transition(ctx, ok.ExecutionID, types.StatusRunning, nil))
		require.NoError(t, s.Transition(ctx, ok.ExecutionID, types.StatusSucceeded, nil))

		bad := types.NewExecutionContext("f1", "tenant-a", nil)
		require.NoError(t, s.CreateExecution(ctx, bad))
		require.NoError(t, s.Transition(ctx, bad.ExecutionID, types.StatusRunning, nil))
		require.NoError(t, s.Transition(ctx, bad.ExecutionID, types.StatusFailed, nil))

		m, err := s.Metrics(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), m.TotalExecutions)
		assert.Equal(t, int64(1), m.SucceededExecutions)
		assert.Equal(t, int64(1), m.FailedExecutions)
		assert.NotNil(t, m.LastExecutionAt)
	})
}

func TestFlowPersistence(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		def := &types.FlowDefinition{
			FlowID:     "credit-check",
			Name:       "Credit check",
			Version:    "1.0.0",
			EntryPoint: "a",
			ExitPoints: []string{"a"},
			Nodes:      []types.Node{{ID: "a", Type: types.NodeTypeOutput}},
			TenantID:   "tenant-a",
		}
		require.NoError(t, s.SaveFlow(ctx, def))

		// Upsert replaces in place.
		def.Version = "1.1.0"
		require.NoError(t, s.SaveFlow(ctx, def))

		flows, err := s.ListFlows(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, flows, 1)
		assert.Equal(t, "1.1.0", flows[0].Version)

		flows, err = s.ListFlows(ctx, "tenant-b")
		require.NoError(t, err)
		assert.Empty(t, flows)

		require.NoError(t, s.DeleteFlow(ctx, "credit-check", "tenant-a"))
		require.Error(t, s.DeleteFlow(ctx, "credit-check", "tenant-a"))
	})
}

func TestAgentPersistence(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		rec := &types.AgentRecord{
			AgentID:      "scorer",
			Endpoint:     "http://agents.internal/scorer",
			Capabilities: []string{"scoring"},
			AgentType:    types.AgentTypeProcessor,
		}
		require.NoError(t, s.SaveAgent(ctx, rec))

		agents, err := s.ListAgents(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "scorer", agents[0].AgentID)

		require.NoError(t, s.DeleteAgent(ctx, "scorer", ""))
		require.Error(t, s.DeleteAgent(ctx, "scorer", ""))
	})
}

func TestNodeResultAttemptsMonotoneInMemory(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	execID := uuid.New()

	r := &types.NodeResult{ExecutionID: execID, NodeID: "n", Attempts: 3, Status: types.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, s.UpsertNodeResult(ctx, r))

	stale := *r
	stale.Attempts = 1
	require.NoError(t, s.UpsertNodeResult(ctx, &stale))

	results, err := s.GetNodeResults(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, 3, results[0].Attempts)
}
