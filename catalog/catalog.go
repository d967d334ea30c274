package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

// FlowPersister is the slice of the execution store the catalog uses to
// keep flow definitions durable. Nil-safe: a catalog without a persister
// is purely in-memory.
type FlowPersister interface {
	SaveFlow(ctx context.Context, def *types.FlowDefinition) error
	DeleteFlow(ctx context.Context, flowID, tenantID string) error
}

// Catalog holds compiled flow definitions, keyed by (tenant, flow_id).
// The empty tenant is the system-scope catalogue visible to all tenants.
type Catalog struct {
	mu        sync.RWMutex
	flows     map[string]map[string]*CompiledFlow // tenant -> flow_id -> flow
	persister FlowPersister
	logger    *zap.Logger
}

// New creates an empty catalog.
func New(persister FlowPersister, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		flows:     make(map[string]map[string]*CompiledFlow),
		persister: persister,
		logger:    logger.With(zap.String("component", "catalog")),
	}
}

// Add validates and registers a flow under its tenant scope. An existing
// flow with the same id in the same scope is replaced.
func (c *Catalog) Add(ctx context.Context, def *types.FlowDefinition) (*CompiledFlow, error) {
	compiled, err := Compile(def)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	scope := c.flows[def.TenantID]
	if scope == nil {
		scope = make(map[string]*CompiledFlow)
		c.flows[def.TenantID] = scope
	}
	scope[def.FlowID] = compiled
	c.mu.Unlock()

	if c.persister != nil {
		if err := c.persister.SaveFlow(ctx, def); err != nil {
			c.logger.Warn("flow persisted to memory only",
				zap.String("flow_id", def.FlowID),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("flow loaded",
		zap.String("flow_id", def.FlowID),
		zap.String("tenant_id", def.TenantID),
		zap.Int("nodes", len(def.Nodes)),
	)
	return compiled, nil
}

// Get returns the flow for the tenant, falling back to the system-scope
// catalogue on miss.
func (c *Catalog) Get(flowID, tenantID string) (*CompiledFlow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if scope := c.flows[tenantID]; scope != nil {
		if f, ok := scope[flowID]; ok {
			return f, nil
		}
	}
	if tenantID != "" {
		if scope := c.flows[""]; scope != nil {
			if f, ok := scope[flowID]; ok {
				return f, nil
			}
		}
	}
	return nil, types.Errorf(types.ErrFlowNotFound, "flow %q not found", flowID)
}

// Delete removes a flow from the tenant's scope. System-scope flows can
// only be deleted from the system scope itself.
func (c *Catalog) Delete(ctx context.Context, flowID, tenantID string) error {
	c.mu.Lock()
	scope := c.flows[tenantID]
	if scope == nil {
		c.mu.Unlock()
		return types.Errorf(types.ErrFlowNotFound, "flow %q not found", flowID)
	}
	if _, ok := scope[flowID]; !ok {
		c.mu.Unlock()
		return types.Errorf(types.ErrFlowNotFound, "flow %q not found", flowID)
	}
	delete(scope, flowID)
	c.mu.Unlock()

	if c.persister != nil {
		if err := c.persister.DeleteFlow(ctx, flowID, tenantID); err != nil {
			c.logger.Warn("flow delete not persisted",
				zap.String("flow_id", flowID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// List returns the flows visible to the tenant: its own plus system scope.
func (c *Catalog) List(tenantID string) []*types.FlowDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.FlowDefinition
	seen := make(map[string]bool)

	if scope := c.flows[tenantID]; scope != nil {
		for id, f := range scope {
			out = append(out, f.Def)
			seen[id] = true
		}
	}
	if tenantID != "" {
		if scope := c.flows[""]; scope != nil {
			for id, f := range scope {
				if !seen[id] {
					out = append(out, f.Def)
				}
			}
		}
	}
	return out
}

// LoadBytes parses, validates, and registers one YAML flow document.
func (c *Catalog) LoadBytes(ctx context.Context, data []byte, tenantID string) (*CompiledFlow, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	def.TenantID = tenantID
	return c.Add(ctx, def)
}

// LoadDir loads every *.yaml and *.yml document in dir into the system
// scope. Files that fail to parse or validate are skipped with a warning
// so one bad document does not block startup.
func (c *Catalog) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("failed to read flow file", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, err := c.LoadBytes(ctx, data, ""); err != nil {
			c.logger.Warn("failed to load flow file", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
