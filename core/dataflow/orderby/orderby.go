package orderby

import (
	"sort"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

// Comparator orders two values; negative means a sorts before b, positive
// means a sorts after b, zero means they are equal for ordering purposes.
type Comparator[T any] func(a, b T) int

// Row is the value payload emitted by the orderBy operator: the original
// row plus the fractional index string a downstream collection compares
// lexically to reproduce the configured order without re-sorting.
type Row[T any] struct {
	Value T
	Index string
}

type member[K comparable, T any] struct {
	key   K
	value T
	index string
}

// Operator maintains a persistently sorted set of rows and attaches a
// fractional index to each as it is inserted. Because fractional indices
// never need to be reassigned when a new row is inserted between two
// existing ones, deletions and insertions elsewhere in the order never
// disturb an already-assigned index.
type Operator[K comparable, T any] struct {
	cmp   Comparator[T]
	order []*member[K, T] // sorted ascending by cmp(value)
	byKey map[K]*member[K, T]
}

// New constructs an orderBy operator using cmp to determine row order.
func New[K comparable, T any](cmp Comparator[T]) *Operator[K, T] {
	return &Operator[K, T]{cmp: cmp, byKey: make(map[K]*member[K, T])}
}

func (op *Operator[K, T]) position(value T) int {
	return sort.Search(len(op.order), func(i int) bool {
		return op.cmp(op.order[i].value, value) >= 0
	})
}

func (op *Operator[K, T]) insert(key K, value T) *member[K, T] {
	pos := op.position(value)
	var lo, hi string
	if pos > 0 {
		lo = op.order[pos-1].index
	}
	if pos < len(op.order) {
		hi = op.order[pos].index
	}
	m := &member[K, T]{key: key, value: value, index: Between(lo, hi)}
	op.order = append(op.order, nil)
	copy(op.order[pos+1:], op.order[pos:])
	op.order[pos] = m
	op.byKey[key] = m
	return m
}

func (op *Operator[K, T]) remove(key K) (*member[K, T], bool) {
	m, ok := op.byKey[key]
	if !ok {
		return nil, false
	}
	for i, candidate := range op.order {
		if candidate.key == key {
			op.order = append(op.order[:i], op.order[i+1:]...)
			break
		}
	}
	delete(op.byKey, key)
	return m, true
}

// Func returns the dataflow.OperatorFunc form of the operator, consuming
// Keyed[K,T] deltas from the given upstream node and producing
// Keyed[K,Row[T]] deltas carrying the assigned index.
func (op *Operator[K, T]) Func(inputNode dataflow.NodeID) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		raw, ok := inputs[inputNode]
		if !ok {
			return nil, nil
		}
		delta := raw.(multiset.Multiset[dataflow.Keyed[K, T]])

		var out []multiset.Entry[dataflow.Keyed[K, Row[T]]]
		for _, e := range delta.Inner() {
			key := e.Value.Key
			if e.Multiplicity < 0 {
				if m, found := op.remove(key); found {
					out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
						Value:        dataflow.Keyed[K, Row[T]]{Key: key, Value: Row[T]{Value: m.value, Index: m.index}},
						Multiplicity: -1,
					})
				}
				continue
			}
			m := op.insert(key, e.Value.Value)
			out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
				Value:        dataflow.Keyed[K, Row[T]]{Key: key, Value: Row[T]{Value: m.value, Index: m.index}},
				Multiplicity: 1,
			})
		}

		return multiset.New(out...), nil
	}
}
