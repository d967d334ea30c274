package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/types"
)

func agentRecord(endpoint string) *types.AgentRecord {
	return &types.AgentRecord{
		AgentID:   "echo",
		Endpoint:  endpoint,
		AuthToken: "tok-123",
		AgentType: types.AgentTypeProcessor,
	}
}

func executeRequest() *types.ExecuteRequest {
	return &types.ExecuteRequest{
		ExecutionID: "11111111-1111-4111-8111-111111111111",
		NodeID:      "n1",
		Input:       map[string]any{"x": float64(1)},
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var req types.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "n1", req.NodeID)

		_ = json.NewEncoder(w).Encode(types.ExecuteResponse{
			Status:      "success",
			Output:      map[string]any{"echo": req.Input},
			ExecutionID: req.ExecutionID,
		})
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil, nil)
	resp, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, map[string]any{"x": float64(1)}, resp.Output["echo"])
}

func TestExecuteClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		p := New(DefaultConfig(), nil, nil)
		_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)
		srv.Close()

		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, types.ErrAgentStatus, types.KindOf(err))
		assert.Equal(t, tt.retryable, types.IsRetryable(err), "status %d", tt.status)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil, nil)
	_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 20*time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, types.ErrAgentTimeout, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestExecuteNetworkError(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	_, err := p.Execute(context.Background(), agentRecord("http://127.0.0.1:1"), executeRequest(), time.Second)

	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNetwork, types.KindOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestExecuteContractViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"status": "succ`},
		{"unknown status", `{"status": "maybe"}`},
		{"execution id mismatch", `{"status": "success", "execution_id": "22222222-2222-4222-8222-222222222222"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := New(DefaultConfig(), nil, nil)
			_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)

			require.Error(t, err)
			assert.Equal(t, types.ErrAgentContract, types.KindOf(err))
			assert.False(t, types.IsRetryable(err))
		})
	}
}

func TestExecuteAgentReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ExecuteResponse{
			Status:       "error",
			ErrorMessage: "model unavailable",
		})
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil, nil)
	_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)

	require.Error(t, err)
	assert.Equal(t, types.ErrAgentStatus, types.KindOf(err))
	assert.Contains(t, err.Error(), "model unavailable")
	assert.False(t, types.IsRetryable(err))
}

func TestExecuteResponseSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "success", "output": {"blob": "`))
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
		_, _ = w.Write([]byte(`"}}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 1024
	p := New(cfg, nil, nil)

	_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentContract, types.KindOf(err))
	assert.Contains(t, err.Error(), "exceeds")
}

func TestExecuteSaturation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(types.ExecuteResponse{Status: "success"})
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxQueued = 1
	p := New(cfg, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), time.Minute)
			errs <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	// One in flight, one queued, the third is rejected as saturated.
	var saturated bool
	select {
	case err := <-errs:
		saturated = types.KindOf(err) == types.ErrSaturated
	case <-time.After(time.Second):
		t.Fatal("expected a saturated rejection")
	}
	assert.True(t, saturated)

	release <- struct{}{}
	release <- struct{}{}
	wg.Wait()
}

func TestObserverReceivesLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ExecuteResponse{Status: "success"})
	}))
	defer srv.Close()

	var mu sync.Mutex
	var observed []string
	p := New(DefaultConfig(), func(agentID string, latency time.Duration, err error) {
		mu.Lock()
		observed = append(observed, agentID)
		mu.Unlock()
		assert.GreaterOrEqual(t, latency, time.Duration(0))
	}, nil)

	_, err := p.Execute(context.Background(), agentRecord(srv.URL), executeRequest(), 0)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"echo"}, observed)
}
