package orderby

import (
	"testing"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

func apply(t *testing.T, tk *TopK[string, int], keyed ...dataflow.Keyed[string, int]) multiset.Multiset[dataflow.Keyed[string, Row[int]]] {
	t.Helper()
	fn := tk.Func("in")
	out, err := fn(map[dataflow.NodeID]any{"in": multiset.FromValues(keyed...)})
	if err != nil {
		t.Fatalf("operator: %v", err)
	}
	return out.(multiset.Multiset[dataflow.Keyed[string, Row[int]]])
}

func TestTopKEmitsOnlyWithinWindow(t *testing.T) {
	tk := NewTopK[string, int](intCmp, 0, 2)
	out := apply(t, tk,
		dataflow.Keyed[string, int]{Key: "a", Value: 1},
		dataflow.Keyed[string, int]{Key: "b", Value: 2},
		dataflow.Keyed[string, int]{Key: "c", Value: 3},
	)
	if out.Len() != 2 {
		t.Fatalf("got %d entries, want 2 (limit=2, c should not appear)", out.Len())
	}
	for _, e := range out.Inner() {
		if e.Value.Key == "c" {
			t.Fatalf("row c should be outside the window of size 2")
		}
	}
}

func TestTopKDisplacesOnNewSmallerValue(t *testing.T) {
	tk := NewTopK[string, int](intCmp, 0, 2)
	_ = apply(t, tk,
		dataflow.Keyed[string, int]{Key: "a", Value: 1},
		dataflow.Keyed[string, int]{Key: "b", Value: 2},
	)
	out := apply(t, tk, dataflow.Keyed[string, int]{Key: "z", Value: 0})

	var sawExit, sawEnter bool
	for _, e := range out.Inner() {
		if e.Multiplicity == -1 && e.Value.Key == "b" {
			sawExit = true
		}
		if e.Multiplicity == 1 && e.Value.Key == "z" {
			sawEnter = true
		}
	}
	if !sawExit || !sawEnter {
		t.Fatalf("expected b displaced and z entering, got %+v", out.Inner())
	}
	if tk.Size() != 2 {
		t.Errorf("got size %d, want 2", tk.Size())
	}
}

func TestTopKDataNeededReflectsShortfall(t *testing.T) {
	tk := NewTopK[string, int](intCmp, 0, 5)
	if got := tk.DataNeeded(); got != 5 {
		t.Fatalf("got DataNeeded()=%d on empty set, want 5", got)
	}
	_ = apply(t, tk,
		dataflow.Keyed[string, int]{Key: "a", Value: 1},
		dataflow.Keyed[string, int]{Key: "b", Value: 2},
	)
	if got := tk.DataNeeded(); got != 3 {
		t.Fatalf("got DataNeeded()=%d after 2 rows of 5, want 3", got)
	}
}

func TestTopKExistingMemberIndexUnchangedWhenUnaffected(t *testing.T) {
	tk := NewTopK[string, int](intCmp, 0, 3)
	out1 := apply(t, tk,
		dataflow.Keyed[string, int]{Key: "a", Value: 1},
		dataflow.Keyed[string, int]{Key: "c", Value: 3},
	)
	var cIndex string
	for _, e := range out1.Inner() {
		if e.Value.Key == "c" {
			cIndex = e.Value.Value.Index
		}
	}

	out2 := apply(t, tk, dataflow.Keyed[string, int]{Key: "b", Value: 2})
	for _, e := range out2.Inner() {
		if e.Value.Key == "c" {
			t.Fatalf("c should not be re-emitted when it stays in the window and isn't full yet")
		}
	}
	if cIndex == "" {
		t.Fatal("sanity: c's original index should not be empty")
	}
}
