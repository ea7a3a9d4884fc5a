// Package workflow implements WorkflowGraph (spec.md §4.11): a small typed
// state machine with conditional routing between nodes. Grounded on
// other_examples/b5ce8d8f_dshills-langgraph-go's Engine/Node/Edge shape,
// trimmed down for Weaver's needs: RunState is already a mutable, internally
// synchronized aggregate (internal/runstate), so nodes mutate it in place
// instead of returning deltas for a reducer to merge.
package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Next is a node's routing decision.
type Next struct {
	To       string
	Terminal bool
}

// Goto routes to the named node.
func Goto(to string) Next { return Next{To: to} }

// Stop ends the run.
func Stop() Next { return Next{Terminal: true} }

// Node is one step in the graph. Implementations read and mutate state in
// place and return where to go next.
type Node[S any] interface {
	Run(ctx context.Context, state S) (Next, error)
}

// NodeFunc adapts a function to Node.
type NodeFunc[S any] func(ctx context.Context, state S) (Next, error)

func (f NodeFunc[S]) Run(ctx context.Context, state S) (Next, error) { return f(ctx, state) }

// Predicate gates an edge.
type Predicate[S any] func(state S) bool

// Edge is a fallback transition used only when a node returns an empty Next
// (no explicit To, not Terminal).
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}

// Options configures Engine execution.
type Options struct {
	// MaxSteps bounds total node executions per Run, guarding against a
	// misconfigured loop. Zero disables the check.
	MaxSteps int
}

// Engine runs a directed graph of Node[S] over a shared, mutable state S.
type Engine[S any] struct {
	nodes     map[string]Node[S]
	edges     []Edge[S]
	startNode string
	opts      Options
}

// New constructs an empty Engine.
func New[S any](opts Options) *Engine[S] {
	return &Engine[S]{nodes: make(map[string]Node[S]), opts: opts}
}

// Add registers a node under the given ID.
func (e *Engine[S]) Add(id string, node Node[S]) error {
	if id == "" {
		return &Error{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &Error{Message: "node cannot be nil"}
	}
	if _, exists := e.nodes[id]; exists {
		return &Error{Code: "DUPLICATE_NODE", Message: "duplicate node ID: " + id}
	}
	e.nodes[id] = node
	return nil
}

// StartAt sets the entry node.
func (e *Engine[S]) StartAt(id string) error {
	if _, exists := e.nodes[id]; !exists {
		return &Error{Code: "NODE_NOT_FOUND", Message: "start node does not exist: " + id}
	}
	e.startNode = id
	return nil
}

// Connect registers a fallback edge, used only when a node's own Next is
// empty. Node-level routing always takes precedence over edges.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) {
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: when})
}

// Run executes the graph from startNode until a node returns Stop(), an
// error occurs, or MaxSteps is exceeded.
func (e *Engine[S]) Run(ctx context.Context, runID string, state S) error {
	if e.startNode == "" {
		return &Error{Code: "NO_START_NODE", Message: "start node not set"}
	}
	node := e.startNode
	for step := 0; ; step++ {
		if e.opts.MaxSteps > 0 && step >= e.opts.MaxSteps {
			return &Error{Code: "MAX_STEPS_EXCEEDED", Message: fmt.Sprintf("workflow exceeded %d steps", e.opts.MaxSteps)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		impl, ok := e.nodes[node]
		if !ok {
			return &Error{Code: "NODE_NOT_FOUND", Message: "node not found: " + node}
		}

		log.Debug().Str("run_id", runID).Str("node", node).Int("step", step).Msg("workflow node start")
		next, err := impl.Run(ctx, state)
		if err != nil {
			log.Error().Str("run_id", runID).Str("node", node).Err(err).Msg("workflow node error")
			return err
		}
		log.Debug().Str("run_id", runID).Str("node", node).Interface("route", next).Msg("workflow node end")

		if next.Terminal {
			return nil
		}
		if next.To != "" {
			node = next.To
			continue
		}
		fallback := e.evaluateEdges(node, state)
		if fallback == "" {
			return &Error{Code: "NO_ROUTE", Message: "no valid route from node: " + node}
		}
		node = fallback
	}
}

func (e *Engine[S]) evaluateEdges(from string, state S) string {
	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// Error is returned for graph construction and execution failures.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
