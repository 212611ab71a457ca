package operators

import (
	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
	"github.com/leofalp/flux/internal/canonical"
)

// Distinct collapses duplicate rows (by canonical structural equality) to
// at most one copy, regardless of how many times an equal row has been
// inserted. It is stateful across runs: it tracks each canonical row's
// running multiplicity and emits a transition only when that running
// total crosses the zero boundary in either direction, the same
// presence-counter discipline join uses for its outer-join rows.
type Distinct[T any] struct {
	counts map[uint64]int
	values map[uint64]T
}

// NewDistinct constructs a Distinct operator.
func NewDistinct[T any]() *Distinct[T] {
	return &Distinct[T]{counts: make(map[uint64]int), values: make(map[uint64]T)}
}

// Func returns the dataflow.OperatorFunc form of the operator.
func (d *Distinct[T]) Func(inputNode dataflow.NodeID) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		raw, ok := inputs[inputNode]
		if !ok {
			return nil, nil
		}
		delta := raw.(multiset.Multiset[T])

		var out []multiset.Entry[T]
		for _, e := range delta.Inner() {
			h := canonical.Hash(e.Value)
			before := d.counts[h]
			after := before + e.Multiplicity
			d.counts[h] = after
			d.values[h] = e.Value

			if before <= 0 && after > 0 {
				out = append(out, multiset.Entry[T]{Value: e.Value, Multiplicity: 1})
			} else if before > 0 && after <= 0 {
				out = append(out, multiset.Entry[T]{Value: d.values[h], Multiplicity: -1})
			}
			if after == 0 {
				delete(d.counts, h)
				delete(d.values, h)
			}
		}

		return multiset.New(out...), nil
	}
}
