// Package flowmesh provides a top-level convenience entry point for
// assembling an engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/flowmesh/flowmesh"
//
//	eng, err := flowmesh.New()
//	eng, err := flowmesh.New(flowmesh.WithStore(myStore), flowmesh.WithLogger(logger))
//
// The zero-option engine runs on the in-memory store with default limits,
// which is what development and tests want. Production deployments wire
// the components explicitly through [engine.New]; see cmd/flowmesh.
package flowmesh

import (
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/eventbus"
	"github.com/flowmesh/flowmesh/proxy"
	"github.com/flowmesh/flowmesh/registry"
	"github.com/flowmesh/flowmesh/store"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	store  store.Store
	config engine.Config
	logger *zap.Logger
}

// WithStore swaps the execution store backend.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConfig overrides the engine configuration.
func WithConfig(cfg engine.Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New assembles an engine with default components.
func New(opts ...Option) (*engine.Engine, error) {
	o := &options{
		store:  store.NewMemoryStore(),
		config: engine.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	bus := eventbus.New(256, o.logger)
	return engine.New(engine.Options{
		Config:   o.config,
		Catalog:  catalog.New(o.store, o.logger),
		Registry: registry.New(registry.DefaultConfig(), bus, o.logger),
		Store:    o.store,
		Proxy:    proxy.New(proxy.DefaultConfig(), nil, o.logger),
		Bus:      bus,
		Logger:   o.logger,
	}), nil
}
