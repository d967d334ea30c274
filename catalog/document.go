package catalog

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/flowmesh/types"
)

// flowDocument is the YAML wire form of a flow definition.
type flowDocument struct {
	FlowID      string         `yaml:"flow_id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Version     string         `yaml:"version"`
	EntryPoint  string         `yaml:"entry_point"`
	ExitPoints  []string       `yaml:"exit_points"`
	Nodes       []nodeDocument `yaml:"nodes"`
}

type nodeDocument struct {
	ID        string         `yaml:"id"`
	Type      string         `yaml:"type"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	Config    map[string]any `yaml:"config,omitempty"`

	AgentID     string `yaml:"agent_id,omitempty"`
	OnErrorNode string `yaml:"on_error_node,omitempty"`

	Condition string `yaml:"condition,omitempty"`
	Then      string `yaml:"then,omitempty"`
	Else      string `yaml:"else,omitempty"`

	Body          []string `yaml:"body,omitempty"`
	Until         string   `yaml:"until,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`

	Branches []string `yaml:"branches,omitempty"`

	Sources  []string `yaml:"sources,omitempty"`
	Strategy string   `yaml:"strategy,omitempty"`
	BestBy   string   `yaml:"best_by,omitempty"`
}

// Parse decodes a flow document from YAML. Unknown fields are rejected so
// that typos in documents surface at load time rather than as silently
// ignored configuration.
func Parse(data []byte) (*types.FlowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc flowDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, types.Errorf(types.ErrFlowInvalid, "parse flow document: %v", err)
	}

	def := &types.FlowDefinition{
		FlowID:      doc.FlowID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		EntryPoint:  doc.EntryPoint,
		ExitPoints:  doc.ExitPoints,
		Nodes:       make([]types.Node, 0, len(doc.Nodes)),
	}

	for _, nd := range doc.Nodes {
		node, err := nd.toNode()
		if err != nil {
			return nil, err
		}
		def.Nodes = append(def.Nodes, node)
	}

	return def, nil
}

func (nd nodeDocument) toNode() (types.Node, error) {
	node := types.Node{
		ID:            nd.ID,
		Type:          types.NodeType(nd.Type),
		DependsOn:     nd.DependsOn,
		Config:        nd.Config,
		AgentID:       nd.AgentID,
		OnErrorNode:   nd.OnErrorNode,
		Condition:     nd.Condition,
		ThenNode:      nd.Then,
		ElseNode:      nd.Else,
		Body:          nd.Body,
		Until:         nd.Until,
		MaxIterations: nd.MaxIterations,
		Branches:      nd.Branches,
		Sources:       nd.Sources,
		Strategy:      types.MergeStrategy(nd.Strategy),
		BestBy:        nd.BestBy,
	}

	// Agent node dispatch knobs live inside config.
	if node.Type == types.NodeTypeAgent && nd.Config != nil {
		if v, ok := nd.Config["timeout"]; ok {
			secs, ok := asInt(v)
			if !ok || secs < 30 || secs > 600 {
				return node, types.Errorf(types.ErrFlowInvalid,
					"node %s: timeout must be an integer in [30, 600] seconds", nd.ID)
			}
			node.Timeout = time.Duration(secs) * time.Second
		}
		if v, ok := nd.Config["max_retries"]; ok {
			n, ok := asInt(v)
			if !ok || n < 0 || n > 5 {
				return node, types.Errorf(types.ErrFlowInvalid,
					"node %s: max_retries must be an integer in [0, 5]", nd.ID)
			}
			node.MaxRetries = n
		}
	}

	return node, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Marshal serializes a flow definition back to its YAML document form.
// Parse(Marshal(def)) yields the same normalized definition.
func Marshal(def *types.FlowDefinition) ([]byte, error) {
	doc := flowDocument{
		FlowID:      def.FlowID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		EntryPoint:  def.EntryPoint,
		ExitPoints:  def.ExitPoints,
		Nodes:       make([]nodeDocument, 0, len(def.Nodes)),
	}

	for _, n := range def.Nodes {
		doc.Nodes = append(doc.Nodes, nodeDocument{
			ID:            n.ID,
			Type:          string(n.Type),
			DependsOn:     n.DependsOn,
			Config:        n.Config,
			AgentID:       n.AgentID,
			OnErrorNode:   n.OnErrorNode,
			Condition:     n.Condition,
			Then:          n.ThenNode,
			Else:          n.ElseNode,
			Body:          n.Body,
			Until:         n.Until,
			MaxIterations: n.MaxIterations,
			Branches:      n.Branches,
			Sources:       n.Sources,
			Strategy:      string(n.Strategy),
			BestBy:        n.BestBy,
		})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal flow document: %w", err)
	}
	return out, nil
}
