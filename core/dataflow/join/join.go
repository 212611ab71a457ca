// Package join implements the incremental inner/left/right/full join
// operator described in the dataflow component design: each side maintains
// a joinKey -> (sourceKey -> (value, multiplicity)) index, deltas on either
// side are probed against the opposite side's index, and outer joins
// additionally track a presence counter per join key per side so that
// 0<->1 transitions emit synthetic null-filled rows.
package join

import (
	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
	"github.com/leofalp/flux/internal/canonical"
)

// Kind selects the join's outer-join behavior.
type Kind int

const (
	Inner Kind = iota
	Left
	Right
	Full
)

// CompositeKey is the deterministic output key for a join result row: the
// canonicalized pair of both sides' source keys. nil on one side (for an
// unmatched outer-join row) canonicalizes to a stable sentinel.
type CompositeKey[LK, RK comparable] struct {
	Left     LK
	Right    RK
	HasLeft  bool
	HasRight bool
}

// Result is the value half of a joined row: both sides' values, with a
// HasLeft/HasRight flag marking which side is the synthetic-null side of an
// outer join.
type Result[LV, RV any] struct {
	Left     LV
	Right    RV
	HasLeft  bool
	HasRight bool
}

type sideEntry[V any] struct {
	value        V
	multiplicity int
}

type side[K comparable, V any] struct {
	// byJoinKey maps a canonical join-key hash to sourceKey -> sideEntry.
	byJoinKey map[uint64]map[K]*sideEntry[V]
	// presence counts live (multiplicity > 0) rows per join key, for outer
	// join null-row emission.
	presence map[uint64]int
}

func newSide[K comparable, V any]() *side[K, V] {
	return &side[K, V]{
		byJoinKey: make(map[uint64]map[K]*sideEntry[V]),
		presence:  make(map[uint64]int),
	}
}

// Operator holds the persistent per-key state for one join node across
// runs. It is not safe for concurrent use; the dataflow graph invokes it
// from a single goroutine per run.
type Operator[LK, RK comparable, LV, RV any] struct {
	kind     Kind
	leftKey  func(LV) any
	rightKey func(RV) any
	left     *side[LK, LV]
	right    *side[RK, RV]
}

// New constructs a join operator. leftKey and rightKey project each side's
// value to the value compared for equality; any two projections that
// canonically hash equal are considered a join match.
func New[LK, RK comparable, LV, RV any](kind Kind, leftKey func(LV) any, rightKey func(RV) any) *Operator[LK, RK, LV, RV] {
	return &Operator[LK, RK, LV, RV]{
		kind:     kind,
		leftKey:  leftKey,
		rightKey: rightKey,
		left:     newSide[LK, LV](),
		right:    newSide[RK, RV](),
	}
}

// Func returns the dataflow.OperatorFunc form of the operator, wired to the
// given left and right upstream node IDs.
func (op *Operator[LK, RK, LV, RV]) Func(leftNode, rightNode dataflow.NodeID) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var produced []multiset.Entry[JoinedRow[LK, RK, LV, RV]]

		if raw, ok := inputs[leftNode]; ok {
			delta := raw.(multiset.Multiset[dataflow.Keyed[LK, LV]])
			produced = append(produced, op.applyLeft(delta)...)
		}
		if raw, ok := inputs[rightNode]; ok {
			delta := raw.(multiset.Multiset[dataflow.Keyed[RK, RV]])
			produced = append(produced, op.applyRight(delta)...)
		}

		return multiset.New(produced...), nil
	}
}

type JoinedRow[LK, RK comparable, LV, RV any] struct {
	Key   CompositeKey[LK, RK]
	Value Result[LV, RV]
}

func (op *Operator[LK, RK, LV, RV]) applyLeft(delta multiset.Multiset[dataflow.Keyed[LK, LV]]) []multiset.Entry[JoinedRow[LK, RK, LV, RV]] {
	var out []multiset.Entry[JoinedRow[LK, RK, LV, RV]]

	for _, e := range delta.Inner() {
		row := e.Value
		jk := canonical.Hash(op.leftKey(row.Value))

		bucket := op.left.byJoinKey[jk]
		if bucket == nil {
			bucket = make(map[LK]*sideEntry[LV])
			op.left.byJoinKey[jk] = bucket
		}
		entry := bucket[row.Key]
		if entry == nil {
			entry = &sideEntry[LV]{value: row.Value}
			bucket[row.Key] = entry
		}

		wasPresent := entry.multiplicity > 0
		entry.multiplicity += e.Multiplicity
		if entry.multiplicity == 0 {
			delete(bucket, row.Key)
		} else {
			entry.value = row.Value
		}
		nowPresent := entry.multiplicity > 0
		if !wasPresent && nowPresent {
			op.left.presence[jk]++
		} else if wasPresent && !nowPresent {
			op.left.presence[jk]--
		}

		if rightBucket := op.right.byJoinKey[jk]; len(rightBucket) > 0 {
			for rightKey, rentry := range rightBucket {
				out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
					Value: JoinedRow[LK, RK, LV, RV]{
						Key:   CompositeKey[LK, RK]{Left: row.Key, Right: rightKey, HasLeft: true, HasRight: true},
						Value: Result[LV, RV]{Left: row.Value, Right: rentry.value, HasLeft: true, HasRight: true},
					},
					Multiplicity: e.Multiplicity * rentry.multiplicity,
				})
			}
		} else if op.kind == Left || op.kind == Full {
			out = append(out, op.leftOuterTransition(jk, row.Key, row.Value, wasPresent, nowPresent)...)
		}
	}

	return out
}

func (op *Operator[LK, RK, LV, RV]) applyRight(delta multiset.Multiset[dataflow.Keyed[RK, RV]]) []multiset.Entry[JoinedRow[LK, RK, LV, RV]] {
	var out []multiset.Entry[JoinedRow[LK, RK, LV, RV]]

	for _, e := range delta.Inner() {
		row := e.Value
		jk := canonical.Hash(op.rightKey(row.Value))

		bucket := op.right.byJoinKey[jk]
		if bucket == nil {
			bucket = make(map[RK]*sideEntry[RV])
			op.right.byJoinKey[jk] = bucket
		}
		entry := bucket[row.Key]
		if entry == nil {
			entry = &sideEntry[RV]{value: row.Value}
			bucket[row.Key] = entry
		}

		wasPresent := entry.multiplicity > 0
		entry.multiplicity += e.Multiplicity
		if entry.multiplicity == 0 {
			delete(bucket, row.Key)
		} else {
			entry.value = row.Value
		}
		nowPresent := entry.multiplicity > 0
		if !wasPresent && nowPresent {
			op.right.presence[jk]++
		} else if wasPresent && !nowPresent {
			op.right.presence[jk]--
		}

		if leftBucket := op.left.byJoinKey[jk]; len(leftBucket) > 0 {
			for leftKey, lentry := range leftBucket {
				out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
					Value: JoinedRow[LK, RK, LV, RV]{
						Key:   CompositeKey[LK, RK]{Left: leftKey, Right: row.Key, HasLeft: true, HasRight: true},
						Value: Result[LV, RV]{Left: lentry.value, Right: row.Value, HasLeft: true, HasRight: true},
					},
					Multiplicity: lentry.multiplicity * e.Multiplicity,
				})
			}
		} else if op.kind == Right || op.kind == Full {
			out = append(out, op.rightOuterTransition(jk, row.Key, row.Value, wasPresent, nowPresent)...)
		}
	}

	return out
}

// leftOuterTransition emits a synthetic null-right row (or its retraction)
// when the right side's presence for this join key crosses 0<->1.
func (op *Operator[LK, RK, LV, RV]) leftOuterTransition(jk uint64, leftKey LK, leftVal LV, wasPresent, nowPresent bool) []multiset.Entry[JoinedRow[LK, RK, LV, RV]] {
	rightCount := op.right.presence[jk]
	if rightCount > 0 {
		return nil
	}

	var out []multiset.Entry[JoinedRow[LK, RK, LV, RV]]
	var zero RV
	if !wasPresent && nowPresent {
		out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
			Value: JoinedRow[LK, RK, LV, RV]{
				Key:   CompositeKey[LK, RK]{Left: leftKey, HasLeft: true},
				Value: Result[LV, RV]{Left: leftVal, Right: zero, HasLeft: true, HasRight: false},
			},
			Multiplicity: 1,
		})
	} else if wasPresent && !nowPresent {
		out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
			Value: JoinedRow[LK, RK, LV, RV]{
				Key:   CompositeKey[LK, RK]{Left: leftKey, HasLeft: true},
				Value: Result[LV, RV]{Left: leftVal, Right: zero, HasLeft: true, HasRight: false},
			},
			Multiplicity: -1,
		})
	}
	return out
}

func (op *Operator[LK, RK, LV, RV]) rightOuterTransition(jk uint64, rightKey RK, rightVal RV, wasPresent, nowPresent bool) []multiset.Entry[JoinedRow[LK, RK, LV, RV]] {
	leftCount := op.left.presence[jk]
	if leftCount > 0 {
		return nil
	}

	var out []multiset.Entry[JoinedRow[LK, RK, LV, RV]]
	var zero LV
	if !wasPresent && nowPresent {
		out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
			Value: JoinedRow[LK, RK, LV, RV]{
				Key:   CompositeKey[LK, RK]{Right: rightKey, HasRight: true},
				Value: Result[LV, RV]{Left: zero, Right: rightVal, HasLeft: false, HasRight: true},
			},
			Multiplicity: 1,
		})
	} else if wasPresent && !nowPresent {
		out = append(out, multiset.Entry[JoinedRow[LK, RK, LV, RV]]{
			Value: JoinedRow[LK, RK, LV, RV]{
				Key:   CompositeKey[LK, RK]{Right: rightKey, HasRight: true},
				Value: Result[LV, RV]{Left: zero, Right: rightVal, HasLeft: false, HasRight: true},
			},
			Multiplicity: -1,
		})
	}
	return out
}
