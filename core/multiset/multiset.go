// Package multiset implements the signed-multiplicity collection that is the
// transport currency of every stream in the dataflow graph. A multiset is a
// mapping from a value to a non-zero integer multiplicity; equal values may
// appear more than once in the unconsolidated wire form, and consolidation
// sums multiplicities per value (by canonical structural equality) and drops
// any that net to zero.
package multiset

import "github.com/leofalp/flux/internal/canonical"

// Entry is one (element, multiplicity) pair carried by a Multiset.
type Entry[T any] struct {
	Value        T
	Multiplicity int
}

// Multiset is an ordered list of (element, multiplicity) pairs. It is not
// consolidated by construction; callers call Consolidate when they need the
// summed, zero-free form (for example before comparing a terminal stream's
// accumulated state against the "only +1 multiplicities" invariant).
type Multiset[T any] struct {
	entries []Entry[T]
}

// New builds a Multiset from the given pairs, unconsolidated.
func New[T any](pairs ...Entry[T]) Multiset[T] {
	return Multiset[T]{entries: append([]Entry[T]{}, pairs...)}
}

// FromValues builds a Multiset where every value carries multiplicity +1.
func FromValues[T any](values ...T) Multiset[T] {
	entries := make([]Entry[T], len(values))
	for i, v := range values {
		entries[i] = Entry[T]{Value: v, Multiplicity: 1}
	}
	return Multiset[T]{entries: entries}
}

// Inner returns the raw, unconsolidated (element, multiplicity) pairs.
// Callers must not mutate the returned slice.
func (m Multiset[T]) Inner() []Entry[T] {
	return m.entries
}

// Len reports the number of raw entries (not the consolidated cardinality).
func (m Multiset[T]) Len() int {
	return len(m.entries)
}

// Consolidate sums multiplicities per element, using canonical structural
// equality (internal/canonical) as the identity of T, and drops any entry
// whose summed multiplicity is zero. The order of the returned entries
// follows first-occurrence order of each distinct canonical key.
func (m Multiset[T]) Consolidate() Multiset[T] {
	totals := make(map[uint64]int, len(m.entries))
	values := make(map[uint64]T, len(m.entries))
	order := make([]uint64, 0, len(m.entries))

	for _, e := range m.entries {
		key := canonical.Hash(e.Value)
		if _, seen := totals[key]; !seen {
			order = append(order, key)
			values[key] = e.Value
		}
		totals[key] += e.Multiplicity
	}

	out := make([]Entry[T], 0, len(order))
	for _, key := range order {
		if mult := totals[key]; mult != 0 {
			out = append(out, Entry[T]{Value: values[key], Multiplicity: mult})
		}
	}
	return Multiset[T]{entries: out}
}

// Map returns a new multiset where each (x, m) becomes (f(x), m). The
// multiplicity is carried through unchanged; f is not expected to be
// injective, so the result is generally not yet consolidated.
func Map[T, U any](m Multiset[T], f func(T) U) Multiset[U] {
	out := make([]Entry[U], len(m.entries))
	for i, e := range m.entries {
		out[i] = Entry[U]{Value: f(e.Value), Multiplicity: e.Multiplicity}
	}
	return Multiset[U]{entries: out}
}

// Filter returns a new multiset containing only the entries for which pred
// returns true, multiplicities unchanged.
func Filter[T any](m Multiset[T], pred func(T) bool) Multiset[T] {
	out := make([]Entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		if pred(e.Value) {
			out = append(out, e)
		}
	}
	return Multiset[T]{entries: out}
}

// Negate returns a new multiset with every multiplicity's sign flipped. This
// is how operators express "retract everything this multiset asserted".
func (m Multiset[T]) Negate() Multiset[T] {
	out := make([]Entry[T], len(m.entries))
	for i, e := range m.entries {
		out[i] = Entry[T]{Value: e.Value, Multiplicity: -e.Multiplicity}
	}
	return Multiset[T]{entries: out}
}

// Concat unions two multisets at the entry level: it is simply the
// concatenation of their raw pairs, leaving consolidation to the caller.
func (m Multiset[T]) Concat(other Multiset[T]) Multiset[T] {
	out := make([]Entry[T], 0, len(m.entries)+len(other.entries))
	out = append(out, m.entries...)
	out = append(out, other.entries...)
	return Multiset[T]{entries: out}
}

// JoinPair is one matched pair produced by JoinWith: the left and right
// values that shared a join key, with multiplicity the product of the two
// contributing multiplicities (so a (-1) retraction on either side correctly
// retracts every pairing it participated in).
type JoinPair[L, R any] struct {
	Left  L
	Right R
}

// JoinWith produces the product multiset of m and other under key equality:
// for every pair of entries (l, ml) in m and (r, mr) in other where
// leftKey(l) canonically equals rightKey(r), the result contains
// (JoinPair{l, r}, ml*mr).
func JoinWith[L, R, K any](m Multiset[L], other Multiset[R], leftKey func(L) K, rightKey func(R) K) Multiset[JoinPair[L, R]] {
	rightByKey := make(map[uint64][]Entry[R])
	for _, re := range other.entries {
		k := canonical.Hash(rightKey(re.Value))
		rightByKey[k] = append(rightByKey[k], re)
	}

	var out []Entry[JoinPair[L, R]]
	for _, le := range m.entries {
		k := canonical.Hash(leftKey(le.Value))
		for _, re := range rightByKey[k] {
			out = append(out, Entry[JoinPair[L, R]]{
				Value:        JoinPair[L, R]{Left: le.Value, Right: re.Value},
				Multiplicity: le.Multiplicity * re.Multiplicity,
			})
		}
	}
	return Multiset[JoinPair[L, R]]{entries: out}
}

// OnlyPositive reports whether every entry has multiplicity +1 exactly once
// per canonical key, the quiescence invariant a terminal stream's
// accumulated state must satisfy after a full graph run.
func (m Multiset[T]) OnlyPositive() bool {
	seen := make(map[uint64]bool, len(m.entries))
	for _, e := range m.entries {
		if e.Multiplicity != 1 {
			return false
		}
		key := canonical.Hash(e.Value)
		if seen[key] {
			return false
		}
		seen[key] = true
	}
	return true
}
