// Package stage defines the stage node contract and the registry that
// binds the fixed pipeline order to node implementations. Nodes are
// swappable: any implementation satisfying Node is valid, and the
// supervisor never needs to know which one is registered.
package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Node executes one pipeline stage against a thread snapshot. It must
// be side-effect-free with respect to orchestration state: it may call
// external services but never mutates the thread store. The supervisor
// is the only writer of thread state.
type Node interface {
	Execute(ctx context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(ctx context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error)

func (f NodeFunc) Execute(ctx context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	return f(ctx, snap)
}

// Spec declares a stage's orchestration parameters: its confidence
// threshold (below which success is routed to the gate), attempt
// budget, per-invocation timeout, and an optional alternate node used
// once the budget is spent.
type Spec struct {
	Stage       model.Stage
	Threshold   float64
	MaxAttempts int
	Timeout     time.Duration
	Fallback    Node
}

// Registry maps each stage of the fixed order to a node and its spec.
type Registry struct {
	nodes map[model.Stage]Node
	specs map[model.Stage]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[model.Stage]Node),
		specs: make(map[model.Stage]Spec),
	}
}

// Register binds a node to spec.Stage, replacing any previous binding.
func (r *Registry) Register(spec Spec, node Node) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 30 * time.Second
	}
	r.nodes[spec.Stage] = node
	r.specs[spec.Stage] = spec
}

// Node returns the implementation registered for the stage.
func (r *Registry) Node(s model.Stage) (Node, bool) {
	n, ok := r.nodes[s]
	return n, ok
}

// Spec returns the spec registered for the stage.
func (r *Registry) Spec(s model.Stage) (Spec, bool) {
	sp, ok := r.specs[s]
	return sp, ok
}

// Complete verifies every stage of the pipeline order has a node.
func (r *Registry) Complete() error {
	for _, s := range model.StageOrder {
		if _, ok := r.nodes[s]; !ok {
			return eris.Errorf("stage: no node registered for %s", s)
		}
	}
	return nil
}
