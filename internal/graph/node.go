package graph

import (
	"context"
	"fmt"
	"time"
)

// NodeResult is returned by every node execution. Nodes communicate with the
// rest of the pipeline exclusively through this value.
type NodeResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   error          `json:"-"`
	// ErrorCode is the stable taxonomy code when Error is set.
	ErrorCode string `json:"error_code,omitempty"`

	Confidence    float64       `json:"confidence"`
	ExecutionTime time.Duration `json:"execution_time"`
	Cost          float64       `json:"cost"`

	// NextNodes overrides static routing when set.
	NextNodes []string `json:"next_nodes,omitempty"`
	// ShouldStop halts traversal after this node merges.
	ShouldStop bool `json:"should_stop,omitempty"`

	// ModelsUsed lists models invoked by this node, recorded on the state.
	ModelsUsed []string `json:"models_used,omitempty"`
	// Sources lists external sources consulted by this node.
	Sources []string `json:"sources,omitempty"`
	// Citations lists citation strings contributed by this node.
	Citations []string `json:"citations,omitempty"`
}

// Failure builds a failed NodeResult with a taxonomy code.
func Failure(code string, err error) *NodeResult {
	return &NodeResult{Success: false, Error: err, ErrorCode: code}
}

// Node is a unit of work in a graph. Execute must treat state as read-only;
// all output flows through the returned NodeResult.
type Node interface {
	ID() string
	Execute(ctx context.Context, state *State) (*NodeResult, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc struct {
	NodeID string
	Fn     func(ctx context.Context, state *State) (*NodeResult, error)
}

// ID implements Node.
func (n NodeFunc) ID() string { return n.NodeID }

// Execute implements Node.
func (n NodeFunc) Execute(ctx context.Context, state *State) (*NodeResult, error) {
	return n.Fn(ctx, state)
}

// Predicate routes a conditional edge. It must be a pure function of state.
type Predicate func(state *State) string

// conditionalEdge pairs a predicate with its label→node routing table.
type conditionalEdge struct {
	predicate Predicate
	routes    map[string]string
}

// Definition is an immutable graph: nodes, static edges and conditional
// edges. Build one with NewDefinition and the Add* methods, then hand it to
// an Executor.
type Definition struct {
	name        string
	startNode   string
	nodes       map[string]Node
	edges       map[string][]string
	conditional map[string]conditionalEdge
	errorNode   string
}

// NewDefinition creates an empty graph definition.
func NewDefinition(name string) *Definition {
	return &Definition{
		name:        name,
		nodes:       make(map[string]Node),
		edges:       make(map[string][]string),
		conditional: make(map[string]conditionalEdge),
	}
}

// AddNode registers a node. Duplicate ids are rejected.
func (d *Definition) AddNode(node Node) error {
	id := node.ID()
	if id == "" {
		return fmt.Errorf("graph %s: node with empty id", d.name)
	}
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("graph %s: duplicate node %q", d.name, id)
	}
	d.nodes[id] = node
	return nil
}

// SetStart sets the entry node.
func (d *Definition) SetStart(nodeID string) { d.startNode = nodeID }

// SetErrorHandler names the node that composes degraded responses. It runs
// when traversal ends with errors and no final response.
func (d *Definition) SetErrorHandler(nodeID string) { d.errorNode = nodeID }

// AddEdge adds a static edge from → to.
func (d *Definition) AddEdge(from, to string) {
	d.edges[from] = append(d.edges[from], to)
}

// AddConditionalEdge routes from a node through a predicate. The predicate's
// returned label selects the next node from routes; an unknown label ends
// the walk down this edge.
func (d *Definition) AddConditionalEdge(from string, predicate Predicate, routes map[string]string) {
	d.conditional[from] = conditionalEdge{predicate: predicate, routes: routes}
}

// Validate checks the definition is executable: a start node exists and all
// edges reference known nodes.
func (d *Definition) Validate() error {
	if d.startNode == "" {
		return fmt.Errorf("graph %s: no start node", d.name)
	}
	if _, ok := d.nodes[d.startNode]; !ok {
		return fmt.Errorf("graph %s: start node %q not registered", d.name, d.startNode)
	}
	for from, tos := range d.edges {
		if _, ok := d.nodes[from]; !ok {
			return fmt.Errorf("graph %s: edge from unknown node %q", d.name, from)
		}
		for _, to := range tos {
			if _, ok := d.nodes[to]; !ok {
				return fmt.Errorf("graph %s: edge %q -> unknown node %q", d.name, from, to)
			}
		}
	}
	for from, ce := range d.conditional {
		if _, ok := d.nodes[from]; !ok {
			return fmt.Errorf("graph %s: conditional edge from unknown node %q", d.name, from)
		}
		for label, to := range ce.routes {
			if _, ok := d.nodes[to]; !ok {
				return fmt.Errorf("graph %s: conditional route %q -> unknown node %q", d.name, label, to)
			}
		}
	}
	if d.errorNode != "" {
		if _, ok := d.nodes[d.errorNode]; !ok {
			return fmt.Errorf("graph %s: error handler %q not registered", d.name, d.errorNode)
		}
	}
	return nil
}

// successors computes the next nodes after nodeID given the merged result.
func (d *Definition) successors(nodeID string, result *NodeResult, state *State) []string {
	if result != nil && len(result.NextNodes) > 0 {
		return result.NextNodes
	}

	var next []string
	next = append(next, d.edges[nodeID]...)

	if ce, ok := d.conditional[nodeID]; ok {
		label := ce.predicate(state)
		if to, ok := ce.routes[label]; ok {
			next = append(next, to)
		}
	}
	return next
}
