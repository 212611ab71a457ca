// Package dataflow implements the bipartite graph of streams and operators
// that carries multisets through a build -> finalize -> run lifecycle. The
// graph is a DAG: root input streams are fed with SendData, operator nodes
// are attached with Pipe, and Finalize computes a deterministic topological
// order (Kahn's algorithm) and rejects cycles. Run performs a single
// topological pass per call, invoking only the operators whose upstream
// streams actually produced data since the previous run, so the work done
// is proportional to the size of the change rather than the size of any
// collection.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/leofalp/flux/providers/observability"
)

// Sentinel errors surfaced by graph construction and execution.
var (
	// ErrCyclicGraph is returned by Finalize when the node/edge set contains
	// a cycle and therefore admits no topological order.
	ErrCyclicGraph = errors.New("dataflow: graph contains a cycle")

	// ErrGraphPoisoned is returned by any call made against a graph that
	// previously failed during Run, or that is mutated after Finalize.
	ErrGraphPoisoned = errors.New("dataflow: graph poisoned")

	// ErrOperatorInvariant is available for an OperatorFunc to wrap when its
	// output cannot be reconciled with the contract its node was registered
	// under (for example, a reduce operator emitting more than one insertion
	// for the same group in a single run). None of the operators in this
	// module returns it, and Run does not check operator output itself.
	ErrOperatorInvariant = errors.New("dataflow: operator invariant violated")
)

// NodeID names a stream within a Graph.
type NodeID string

// OperatorFunc computes a node's output batch from the upstream deltas
// produced during the current run. inputs is keyed by upstream NodeID and
// only contains entries for upstream streams that produced a non-nil batch
// this run. The concrete dynamic type behind each value, and behind the
// returned value, is multiset.Multiset[T] for whatever T the node's
// constructor closed over; OperatorFunc only sees `any` because a Graph is
// heterogeneous over element types.
//
// Returning (nil, nil) means the operator had nothing to emit this run even
// though it was invoked (for example, a filter that dropped every row in
// the batch).
type OperatorFunc func(inputs map[NodeID]any) (any, error)

type nodeKind int

const (
	kindInput nodeKind = iota
	kindOperator
)

type node struct {
	id       NodeID
	kind     nodeKind
	operator OperatorFunc
	inputs   []NodeID
	sink     func(batch any) error
	pending  any // root-input data queued by SendData, consumed at the next Run
}

// Option configures a Graph at construction time.
type Option func(*config)

type config struct {
	observer observability.Provider
}

// WithObserver attaches an observability.Provider used to emit one
// "dataflow.run" span per Run, carrying the number of operators invoked as
// its "dataflow.operator_invocations" attribute and recording any operator
// error. No per-operator spans or counters are emitted.
func WithObserver(p observability.Provider) Option {
	return func(c *config) { c.observer = p }
}

// Graph is a mutable builder before Finalize and a runnable, structurally
// frozen dataflow after it. It is safe for sequential use; concurrent Run
// calls on the same Graph are not supported because operator state is
// mutated in place.
type Graph struct {
	mu        sync.Mutex
	nodes     map[NodeID]*node
	insertion []NodeID // node IDs in registration order, for deterministic level ordering
	order     []NodeID // topological order, set by Finalize
	finalized bool
	poisoned  bool
	config    *config
}

// NewGraph constructs an empty, mutable Graph.
func NewGraph(opts ...Option) *Graph {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	return &Graph{nodes: make(map[NodeID]*node), config: c}
}

// NewInput registers a root stream with the given id. It has no upstream
// dependencies; data arrives on it exclusively through SendData.
func (g *Graph) NewInput(id NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return fmt.Errorf("dataflow: NewInput(%q) after Finalize: %w", id, ErrGraphPoisoned)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("dataflow: duplicate node id %q", id)
	}
	g.nodes[id] = &node{id: id, kind: kindInput}
	g.insertion = append(g.insertion, id)
	return nil
}

// Pipe attaches an operator node that consumes the named upstream streams
// and produces a new stream under id. Order of inputs is preserved and
// passed back to op via the map key, not positionally, so operators must
// look up each input by its NodeID.
func (g *Graph) Pipe(id NodeID, op OperatorFunc, inputs ...NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return fmt.Errorf("dataflow: Pipe(%q) after Finalize: %w", id, ErrGraphPoisoned)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("dataflow: duplicate node id %q", id)
	}
	for _, in := range inputs {
		if _, ok := g.nodes[in]; !ok {
			return fmt.Errorf("dataflow: operator %q references unknown input %q", id, in)
		}
	}
	g.nodes[id] = &node{id: id, kind: kindOperator, operator: op, inputs: append([]NodeID{}, inputs...)}
	g.insertion = append(g.insertion, id)
	return nil
}

// Output registers fn as a terminal sink invoked with every non-nil batch
// the named stream produces during a run. A stream may have at most one
// sink; registering a second replaces the first.
func (g *Graph) Output(id NodeID, fn func(batch any) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("dataflow: Output references unknown stream %q", id)
	}
	n.sink = fn
	return nil
}

// SendData queues a batch onto a root input stream ahead of the next Run.
// Multiple SendData calls before a Run accumulate onto the same node; it is
// the operator's responsibility (generally the upstream producer's) to have
// already packaged the batch as a multiset.Multiset[T].
func (g *Graph) SendData(id NodeID, batch any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.poisoned {
		return fmt.Errorf("dataflow: SendData(%q): %w", id, ErrGraphPoisoned)
	}
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("dataflow: unknown stream %q", id)
	}
	if n.kind != kindInput {
		return fmt.Errorf("dataflow: SendData(%q): not a root input stream", id)
	}
	if n.pending != nil && batch != nil {
		concat := reflect.ValueOf(n.pending).MethodByName("Concat")
		if !concat.IsValid() || concat.Type().NumIn() != 1 || !reflect.TypeOf(batch).AssignableTo(concat.Type().In(0)) {
			return fmt.Errorf("dataflow: SendData(%q): pending batch cannot be merged with %T", id, batch)
		}
		batch = concat.Call([]reflect.Value{reflect.ValueOf(batch)})[0].Interface()
	}
	n.pending = batch
	return nil
}

// Finalize computes a deterministic topological order over the registered
// nodes using Kahn's algorithm, breaking ties by registration order, and
// rejects the graph with ErrCyclicGraph if any node cannot be ordered. A
// Graph must be finalized before Run is called; NewInput and Pipe may not
// be called afterward.
func (g *Graph) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		return nil
	}

	inDegree := make(map[NodeID]int, len(g.nodes))
	adjacency := make(map[NodeID][]NodeID, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for id, n := range g.nodes {
		for _, in := range n.inputs {
			adjacency[in] = append(adjacency[in], id)
			inDegree[id]++
		}
	}

	position := make(map[NodeID]int, len(g.insertion))
	for i, id := range g.insertion {
		position[id] = i
	}

	var frontier []NodeID
	for id, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return position[frontier[i]] < position[frontier[j]] })

	order := make([]NodeID, 0, len(g.nodes))
	for len(frontier) > 0 {
		order = append(order, frontier...)

		var next []NodeID
		for _, id := range frontier {
			for _, dependent := range adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		frontier = next
	}

	if len(order) != len(g.nodes) {
		var cyclic []string
		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, string(id))
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("dataflow: nodes %v: %w", cyclic, ErrCyclicGraph)
	}

	g.order = order
	g.finalized = true
	return nil
}

// Run performs one topological pass: every root input's queued batch (if
// any) becomes its delta for this run, and every operator whose upstream
// set produced at least one non-nil delta is invoked with exactly those
// deltas. Operators with no dirty upstream this run are not invoked at all,
// which is what makes the cost of a run proportional to the change rather
// than to the graph's total state. Sinks registered via Output receive any
// non-nil terminal delta. Root input pendings are cleared at the end of the
// run whether or not any sink fired.
func (g *Graph) Run(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.poisoned {
		return ErrGraphPoisoned
	}
	if !g.finalized {
		return fmt.Errorf("dataflow: Run called before Finalize")
	}

	var span observability.Span
	if g.config.observer != nil {
		ctx, span = g.config.observer.StartSpan(ctx, "dataflow.run")
		defer span.End()
	}

	deltas := make(map[NodeID]any, len(g.order))
	invocations := 0

	for _, id := range g.order {
		select {
		case <-ctx.Done():
			g.poisoned = true
			return ctx.Err()
		default:
		}

		n := g.nodes[id]
		var delta any

		switch n.kind {
		case kindInput:
			delta = n.pending
		case kindOperator:
			upstream := make(map[NodeID]any, len(n.inputs))
			for _, in := range n.inputs {
				if d, ok := deltas[in]; ok && d != nil {
					upstream[in] = d
				}
			}
			if len(upstream) == 0 {
				break
			}
			invocations++
			out, err := n.operator(upstream)
			if err != nil {
				g.poisoned = true
				if g.config.observer != nil {
					span.RecordError(err)
				}
				return fmt.Errorf("dataflow: operator %q: %w", id, err)
			}
			delta = out
		}

		deltas[id] = delta

		if n.sink != nil && delta != nil {
			if err := n.sink(delta); err != nil {
				g.poisoned = true
				return fmt.Errorf("dataflow: sink %q: %w", id, err)
			}
		}
	}

	if g.config.observer != nil {
		span.SetAttributes(observability.Int("dataflow.operator_invocations", invocations))
	}

	for _, id := range g.order {
		if n := g.nodes[id]; n.kind == kindInput {
			n.pending = nil
		}
	}

	return nil
}
