package dataflow

import (
	"context"
	"errors"
	"testing"

	"github.com/leofalp/flux/core/multiset"
)

func mapOperator[T, U any](f func(T) U) OperatorFunc {
	return func(inputs map[NodeID]any) (any, error) {
		var out multiset.Multiset[U]
		for _, raw := range inputs {
			in := raw.(multiset.Multiset[T])
			out = out.Concat(multiset.Map(in, f))
		}
		return out, nil
	}
}

func TestGraphRunPropagatesThroughOperators(t *testing.T) {
	g := NewGraph()
	if err := g.NewInput("numbers"); err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	if err := g.Pipe("doubled", mapOperator(func(x int) int { return x * 2 }), "numbers"); err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	var captured multiset.Multiset[int]
	if err := g.Output("doubled", func(batch any) error {
		captured = batch.(multiset.Multiset[int])
		return nil
	}); err != nil {
		t.Fatalf("Output: %v", err)
	}

	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := g.SendData("numbers", multiset.FromValues(1, 2, 3)); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := captured.Consolidate().Inner()
	want := map[int]int{2: 1, 4: 1, 6: 1}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for _, e := range got {
		if e.Multiplicity != want[e.Value] {
			t.Errorf("value %d: got multiplicity %d, want %d", e.Value, e.Multiplicity, want[e.Value])
		}
	}
}

func TestGraphRunSkipsOperatorsWithNoDirtyUpstream(t *testing.T) {
	g := NewGraph()
	_ = g.NewInput("a")
	_ = g.NewInput("b")

	invoked := 0
	op := func(inputs map[NodeID]any) (any, error) {
		invoked++
		return inputs["a"], nil
	}
	if err := g.Pipe("out", op, "a", "b"); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// First run: only "a" has data, so the operator still fires because at
	// least one upstream is dirty.
	_ = g.SendData("a", multiset.FromValues(1))
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run 1: %v", err)
	}
	if invoked != 1 {
		t.Fatalf("run 1: got %d invocations, want 1", invoked)
	}

	// Second run: neither input has data, operator must not be invoked.
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run 2: %v", err)
	}
	if invoked != 1 {
		t.Fatalf("run 2: got %d invocations, want 1 (operator should have been skipped)", invoked)
	}
}

func TestFinalizeRejectsSelfReferenceAtPipeTime(t *testing.T) {
	g := NewGraph()
	noop := func(inputs map[NodeID]any) (any, error) { return nil, nil }
	if err := g.Pipe("c", noop, "c"); err == nil {
		t.Fatalf("expected error wiring a self-referential node before it exists")
	}
}

func TestFinalizeDetectsCycle(t *testing.T) {
	// Pipe's "inputs must already exist" rule prevents building a cycle
	// through the public API, so this constructs one directly against the
	// node map to exercise Finalize's own cycle detection.
	g := NewGraph()
	noop := func(inputs map[NodeID]any) (any, error) { return nil, nil }
	g.nodes["a"] = &node{id: "a", kind: kindOperator, operator: noop, inputs: []NodeID{"b"}}
	g.nodes["b"] = &node{id: "b", kind: kindOperator, operator: noop, inputs: []NodeID{"a"}}
	g.insertion = []NodeID{"a", "b"}

	if err := g.Finalize(); !errors.Is(err, ErrCyclicGraph) {
		t.Fatalf("got %v, want %v", err, ErrCyclicGraph)
	}
}

func TestGraphPoisonsOnOperatorError(t *testing.T) {
	g := NewGraph()
	_ = g.NewInput("a")
	boom := errors.New("boom")
	_ = g.Pipe("b", func(inputs map[NodeID]any) (any, error) { return nil, boom }, "a")
	_ = g.Finalize()
	_ = g.SendData("a", multiset.FromValues(1))

	if err := g.Run(context.Background()); err == nil || !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped %v", err, boom)
	}

	if err := g.Run(context.Background()); !errors.Is(err, ErrGraphPoisoned) {
		t.Fatalf("got %v, want %v", err, ErrGraphPoisoned)
	}
}

func TestSendDataToUnknownStreamFails(t *testing.T) {
	g := NewGraph()
	_ = g.NewInput("a")
	if err := g.SendData("unknown", multiset.FromValues(1)); err == nil {
		t.Fatal("expected error sending to unknown stream")
	}
}
