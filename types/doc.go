// Package types defines the core data model shared across the flowmesh
// engine: flow definitions, agent records, execution state, node results,
// inter-node messages, and the structured error taxonomy.
package types
