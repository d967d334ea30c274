// Package catalog loads, validates, and serves flow definitions.
//
// Flow documents are YAML with a strict field set; unknown fields are
// rejected. On load each flow is validated for DAG well-formedness and
// compiled into topological layers with per-node indegree for the
// orchestrator's ready-set scheduling. Lookups are tenant-scoped with a
// fallback to the system-scope catalogue.
package catalog
