package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/types"
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.DefaultTTL = 5 * time.Second

	m, err := NewManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestPutAndGetExecution(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	ec := types.NewExecutionContext("f1", "tenant-a", map[string]any{"x": float64(1)})
	m.PutExecution(ctx, ec)

	got := m.GetExecution(ctx, ec.ExecutionID)
	require.NotNil(t, got)
	assert.Equal(t, ec.ExecutionID, got.ExecutionID)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestGetMiss(t *testing.T) {
	m, _ := testManager(t)
	ec := types.NewExecutionContext("f1", "", nil)
	assert.Nil(t, m.GetExecution(context.Background(), ec.ExecutionID))
}

func TestInvalidate(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	ec := types.NewExecutionContext("f1", "", nil)
	m.PutExecution(ctx, ec)
	m.Invalidate(ctx, ec.ExecutionID)

	assert.Nil(t, m.GetExecution(ctx, ec.ExecutionID))
}

func TestTerminalEntriesGetLongerTTL(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	running := types.NewExecutionContext("f1", "", nil)
	running.Status = types.StatusRunning
	m.PutExecution(ctx, running)

	finished := types.NewExecutionContext("f1", "", nil)
	finished.Status = types.StatusSucceeded
	m.PutExecution(ctx, finished)

	shortTTL := mr.TTL("flowmesh:execution:" + running.ExecutionID.String())
	longTTL := mr.TTL("flowmesh:execution:" + finished.ExecutionID.String())
	assert.Greater(t, longTTL, shortTTL)
}

func TestUndecodableEntryIsDropped(t *testing.T) {
	m, mr := testManager(t)
	ctx := context.Background()

	ec := types.NewExecutionContext("f1", "", nil)
	require.NoError(t, mr.Set("flowmesh:execution:"+ec.ExecutionID.String(), "not-json"))

	assert.Nil(t, m.GetExecution(ctx, ec.ExecutionID))
	assert.False(t, mr.Exists("flowmesh:execution:"+ec.ExecutionID.String()))
}

func TestNilManagerIsPassThrough(t *testing.T) {
	var m *Manager
	ctx := context.Background()
	ec := types.NewExecutionContext("f1", "", nil)

	assert.Nil(t, m.GetExecution(ctx, ec.ExecutionID))
	m.PutExecution(ctx, ec)
	m.Invalidate(ctx, ec.ExecutionID)
	assert.NoError(t, m.Close())
}
