package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/types"
)

// sweeper probes every registered agent on a fixed interval. Probes are
// rate limited so a large registry does not burst outbound traffic.
type sweeper struct {
	registry *Registry
	client   *http.Client
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSweeper(r *Registry) *sweeper {
	burst := int(r.config.ProbeRate)
	if burst < 1 {
		burst = 1
	}
	return &sweeper{
		registry: r,
		client:   &http.Client{Timeout: r.config.ProbeTimeout},
		limiter:  rate.NewLimiter(rate.Limit(r.config.ProbeRate), burst),
		done:     make(chan struct{}),
	}
}

func (s *sweeper) start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

func (s *sweeper) stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		} else {
			close(s.done)
		}
	})
}

func (s *sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.registry.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	records := s.registry.snapshot()
	var wg sync.WaitGroup

	for _, rec := range records {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		go func(rec *types.AgentRecord) {
			defer wg.Done()
			healthy := s.probe(ctx, rec)
			s.registry.recordProbe(rec, healthy)
		}(rec)
	}
	wg.Wait()
}

// probe performs one GET /health call. Any non-200 status, transport
// error, or missing required field counts as unhealthy.
func (s *sweeper) probe(ctx context.Context, rec *types.AgentRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, s.registry.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	if rec.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rec.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.registry.logger.Debug("health probe failed",
			zap.String("agent_id", rec.AgentID),
			zap.Error(err),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.AgentID != "" && health.Ready
}

// Probe runs a one-off, best-effort health probe for a single agent and
// returns its resulting state.
func (r *Registry) Probe(ctx context.Context, agentID, tenantID string) (types.HealthState, error) {
	rec, err := r.Lookup(agentID, tenantID)
	if err != nil {
		return types.HealthUnknown, err
	}
	healthy := r.sweeper.probe(ctx, rec)
	r.recordProbe(rec, healthy)
	return rec.Health, nil
}
