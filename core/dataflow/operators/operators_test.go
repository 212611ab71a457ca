package operators

import (
	"context"
	"testing"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

func runSingle(t *testing.T, op dataflow.OperatorFunc, in multiset.Multiset[int]) any {
	t.Helper()
	g := dataflow.NewGraph()
	if err := g.NewInput("in"); err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	if err := g.Pipe("out", op, "in"); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	var captured any
	_ = g.Output("out", func(batch any) error {
		captured = batch
		return nil
	})
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := g.SendData("in", in); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return captured
}

func TestMapAppliesFunction(t *testing.T) {
	got := runSingle(t, Map(func(x int) int { return x + 1 }), multiset.FromValues(1, 2))
	ms := got.(multiset.Multiset[int]).Consolidate()
	if ms.Len() != 2 {
		t.Fatalf("got %d entries, want 2", ms.Len())
	}
}

func TestFilterKeepsMatching(t *testing.T) {
	got := runSingle(t, Filter(func(x int) bool { return x > 1 }), multiset.FromValues(1, 2, 3))
	ms := got.(multiset.Multiset[int]).Consolidate()
	if ms.Len() != 2 {
		t.Fatalf("got %d entries, want 2", ms.Len())
	}
}

func TestNegateFlipsAllSigns(t *testing.T) {
	got := runSingle(t, Negate[int](), multiset.FromValues(1, 2))
	for _, e := range got.(multiset.Multiset[int]).Inner() {
		if e.Multiplicity != -1 {
			t.Errorf("got multiplicity %d, want -1", e.Multiplicity)
		}
	}
}

func TestConsolidateDropsZeros(t *testing.T) {
	in := multiset.New(
		multiset.Entry[int]{Value: 5, Multiplicity: 1},
		multiset.Entry[int]{Value: 5, Multiplicity: -1},
		multiset.Entry[int]{Value: 6, Multiplicity: 2},
	)
	got := runSingle(t, Consolidate[int](), in)
	ms := got.(multiset.Multiset[int])
	if ms.Len() != 1 || ms.Inner()[0].Value != 6 {
		t.Fatalf("got %+v, want single entry {6,2}", ms.Inner())
	}
}

func TestOutputInvokesCallback(t *testing.T) {
	g := dataflow.NewGraph()
	_ = g.NewInput("in")
	received := false
	if err := g.Output("in", Output(func(m multiset.Multiset[int]) error {
		received = true
		return nil
	})); err != nil {
		t.Fatalf("Output: %v", err)
	}
	_ = g.Finalize()
	_ = g.SendData("in", multiset.FromValues(1))
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !received {
		t.Fatal("output callback was not invoked")
	}
}
