package orderby

import (
	"sort"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

// TopK maintains a window [offset, offset+limit) over a sorted set of rows
// and emits only the deltas that actually affect that window: insertions
// landing inside it, exits for rows displaced out of it, and paired
// updates when a row already in the window changes value. It exposes
// Size and DataNeeded so a coordinator can pull exactly enough additional
// rows from a source's sorted index to keep the window full.
type TopK[K comparable, T any] struct {
	cmp    Comparator[T]
	offset int
	limit  int

	order []*member[K, T] // every row currently held (retracted rows removed), sorted ascending
	byKey map[K]*member[K, T]

	window map[K]bool // key set in the window as of the end of the last run
}

// NewTopK constructs a windowed orderBy operator. offset and limit behave
// like SQL OFFSET/LIMIT over the configured order.
func NewTopK[K comparable, T any](cmp Comparator[T], offset, limit int) *TopK[K, T] {
	return &TopK[K, T]{
		cmp:    cmp,
		offset: offset,
		limit:  limit,
		byKey:  make(map[K]*member[K, T]),
		window: make(map[K]bool),
	}
}

func (tk *TopK[K, T]) position(value T) int {
	return sort.Search(len(tk.order), func(i int) bool {
		return tk.cmp(tk.order[i].value, value) >= 0
	})
}

func (tk *TopK[K, T]) insert(key K, value T) {
	pos := tk.position(value)
	m := &member[K, T]{key: key, value: value}
	tk.order = append(tk.order, nil)
	copy(tk.order[pos+1:], tk.order[pos:])
	tk.order[pos] = m
	tk.byKey[key] = m
}

func (tk *TopK[K, T]) remove(key K) bool {
	if _, ok := tk.byKey[key]; !ok {
		return false
	}
	for i, candidate := range tk.order {
		if candidate.key == key {
			tk.order = append(tk.order[:i], tk.order[i+1:]...)
			break
		}
	}
	delete(tk.byKey, key)
	return true
}

func (tk *TopK[K, T]) windowSlice() []*member[K, T] {
	start := tk.offset
	if start > len(tk.order) {
		start = len(tk.order)
	}
	end := start + tk.limit
	if end > len(tk.order) {
		end = len(tk.order)
	}
	return tk.order[start:end]
}

// Size returns the number of rows currently inside the window.
func (tk *TopK[K, T]) Size() int {
	start := tk.offset
	if start > len(tk.order) {
		return 0
	}
	end := start + tk.limit
	if end > len(tk.order) {
		end = len(tk.order)
	}
	return end - start
}

// DataNeeded returns how many additional rows upstream of this operator's
// current total would be required to fill the window, or 0 if it is
// already full (or limit is unbounded, signaled by limit <= 0).
func (tk *TopK[K, T]) DataNeeded() int {
	if tk.limit <= 0 {
		return 0
	}
	need := tk.offset + tk.limit - len(tk.order)
	if need < 0 {
		return 0
	}
	return need
}

// Func returns the dataflow.OperatorFunc form of the operator.
func (tk *TopK[K, T]) Func(inputNode dataflow.NodeID) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		raw, ok := inputs[inputNode]
		if !ok {
			return nil, nil
		}
		delta := raw.(multiset.Multiset[dataflow.Keyed[K, T]])

		retracted := make(map[K]*member[K, T])
		for _, e := range delta.Inner() {
			key := e.Value.Key
			if e.Multiplicity < 0 {
				if m, ok := tk.byKey[key]; ok {
					retracted[key] = m
				}
				tk.remove(key)
				continue
			}
			tk.insert(key, e.Value.Value)
		}

		indexed := tk.windowSlice()
		newWindow := make(map[K]bool, len(indexed))
		stayed := make([]bool, len(indexed))
		for i, m := range indexed {
			newWindow[m.key] = true
			stayed[i] = tk.window[m.key] && retracted[m.key] == nil
		}

		var out []multiset.Entry[dataflow.Keyed[K, Row[T]]]

		for key := range tk.window {
			if old := retracted[key]; old != nil {
				out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
					Value:        dataflow.Keyed[K, Row[T]]{Key: key, Value: Row[T]{Value: old.value, Index: old.index}},
					Multiplicity: -1,
				})
				continue
			}
			if newWindow[key] {
				continue
			}
			if m, ok := tk.byKey[key]; ok {
				out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
					Value:        dataflow.Keyed[K, Row[T]]{Key: key, Value: Row[T]{Value: m.value, Index: m.index}},
					Multiplicity: -1,
				})
			} else {
				// Displaced because the row left the underlying set
				// entirely; its value is gone, so the retraction carries
				// only the key.
				out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
					Value:        dataflow.Keyed[K, Row[T]]{Key: key},
					Multiplicity: -1,
				})
			}
		}

		// nextAnchor[i] is the index string of the nearest member at or
		// after position i that already held a valid index before this
		// run (and therefore must not be disturbed); "" means no such
		// member exists before the end of the window.
		nextAnchor := make([]string, len(indexed)+1)
		for i := len(indexed) - 1; i >= 0; i-- {
			if stayed[i] {
				nextAnchor[i] = indexed[i].index
			} else {
				nextAnchor[i] = nextAnchor[i+1]
			}
		}

		lo := ""
		for i, m := range indexed {
			if stayed[i] {
				lo = m.index
				continue
			}
			m.index = Between(lo, nextAnchor[i+1])
			lo = m.index
			out = append(out, multiset.Entry[dataflow.Keyed[K, Row[T]]]{
				Value:        dataflow.Keyed[K, Row[T]]{Key: m.key, Value: Row[T]{Value: m.value, Index: m.index}},
				Multiplicity: 1,
			})
		}

		tk.window = newWindow
		return multiset.New(out...), nil
	}
}
