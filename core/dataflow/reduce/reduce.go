// Package reduce implements the keyed groupBy/aggregation operator. Each
// incoming delta is applied to the affected groups' reversible aggregate
// state, and the operator emits, per touched group, either a bare +1 (new
// group), a bare -1 (group fully removed), or a paired (-1 of the prior
// value, +1 of the new value) whenever an existing group's aggregated
// value actually changes, never an unpaired +1 for a group that already
// had a value on the stream.
package reduce

import (
	"sort"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
	"github.com/leofalp/flux/internal/canonical"
)

// Kind names one of the supported aggregate functions.
type Kind int

const (
	Count Kind = iota
	Sum
	Avg
	Min
	Max
	Median
	Mode
)

// Spec configures one named aggregate computed per group. Extract projects
// a source row to the numeric value the aggregate observes; ok=false marks
// a null input, which every aggregate ignores (Count included: a null input
// is not counted). A nil Extract means "count all rows" (used by the bare
// count() form).
type Spec[T any] struct {
	Name    string
	Kind    Kind
	Extract func(T) (float64, bool)
}

// Result is the value payload emitted per group: the grouping columns
// (materialized by the caller via Key) plus the computed aggregates.
type Result[G any] struct {
	Key        G
	Aggregates map[string]float64
}

// aggState is the reversible per-group, per-aggregate state.
type aggState struct {
	count  int // non-null observations
	sum    float64
	values map[float64]int // multiset of observed values, for min/max/median/mode
}

func newAggState() *aggState {
	return &aggState{values: make(map[float64]int)}
}

func (s *aggState) apply(value float64, ok bool, delta int) {
	if !ok {
		return
	}
	s.count += delta
	s.sum += value * float64(delta)
	s.values[value] += delta
	if s.values[value] == 0 {
		delete(s.values, value)
	}
}

func (s *aggState) compute(kind Kind) float64 {
	switch kind {
	case Count:
		return float64(s.count)
	case Sum:
		return s.sum
	case Avg:
		if s.count == 0 {
			return 0
		}
		return s.sum / float64(s.count)
	case Min:
		return extremum(s.values, true)
	case Max:
		return extremum(s.values, false)
	case Median:
		return median(s.values)
	case Mode:
		return mode(s.values)
	default:
		return 0
	}
}

func extremum(values map[float64]int, wantMin bool) float64 {
	first := true
	var best float64
	for v := range values {
		if first || (wantMin && v < best) || (!wantMin && v > best) {
			best = v
			first = false
		}
	}
	return best
}

func sortedValues(values map[float64]int) []float64 {
	out := make([]float64, 0, len(values))
	for v, n := range values {
		for i := 0; i < n; i++ {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

func median(values map[float64]int) float64 {
	sorted := sortedValues(values)
	if len(sorted) == 0 {
		return 0
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func mode(values map[float64]int) float64 {
	var best float64
	bestCount := -1
	// Deterministic tie-break: smallest value wins among equally frequent
	// values, by iterating in sorted order.
	sorted := make([]float64, 0, len(values))
	for v := range values {
		sorted = append(sorted, v)
	}
	sort.Float64s(sorted)
	for _, v := range sorted {
		if values[v] > bestCount {
			bestCount = values[v]
			best = v
		}
	}
	return best
}

type groupState struct {
	rowCount    int
	aggregates  map[string]*aggState
	priorResult any
	hasEmitted  bool
}

// Operator holds the persistent per-group state for one reduce node across
// runs.
type Operator[T any, G comparable] struct {
	keyFn func(T) G
	specs []Spec[T]
	state map[uint64]*groupState
	keys  map[uint64]G
}

// New constructs a reduce operator. keyFn projects a source row to its
// group key; specs lists the aggregates materialized per group.
func New[T any, G comparable](keyFn func(T) G, specs ...Spec[T]) *Operator[T, G] {
	return &Operator[T, G]{
		keyFn: keyFn,
		specs: specs,
		state: make(map[uint64]*groupState),
		keys:  make(map[uint64]G),
	}
}

// Func returns the dataflow.OperatorFunc form of the operator, consuming
// deltas from the given upstream node.
func (op *Operator[T, G]) Func(inputNode dataflow.NodeID) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		raw, ok := inputs[inputNode]
		if !ok {
			return nil, nil
		}
		delta := raw.(multiset.Multiset[T])

		touched := make(map[uint64]bool)
		for _, e := range delta.Inner() {
			g := op.keyFn(e.Value)
			gk := canonical.Hash(g)

			gs := op.state[gk]
			if gs == nil {
				gs = &groupState{aggregates: make(map[string]*aggState)}
				op.state[gk] = gs
				op.keys[gk] = g
			}
			gs.rowCount += e.Multiplicity

			for _, spec := range op.specs {
				agg := gs.aggregates[spec.Name]
				if agg == nil {
					agg = newAggState()
					gs.aggregates[spec.Name] = agg
				}
				if spec.Extract == nil {
					agg.apply(0, true, e.Multiplicity)
					continue
				}
				value, isNonNull := spec.Extract(e.Value)
				agg.apply(value, isNonNull, e.Multiplicity)
			}

			touched[gk] = true
		}

		var out []multiset.Entry[dataflow.Keyed[G, Result[G]]]
		for gk := range touched {
			gs := op.state[gk]
			g := op.keys[gk]

			if gs.rowCount <= 0 {
				if gs.hasEmitted {
					out = append(out, multiset.Entry[dataflow.Keyed[G, Result[G]]]{
						Value:        dataflow.Keyed[G, Result[G]]{Key: g, Value: gs.priorResult.(Result[G])},
						Multiplicity: -1,
					})
				}
				delete(op.state, gk)
				delete(op.keys, gk)
				continue
			}

			newResult := op.snapshot(g, gs)
			if gs.hasEmitted && canonical.Equal(gs.priorResult, newResult) {
				continue
			}
			if gs.hasEmitted {
				out = append(out, multiset.Entry[dataflow.Keyed[G, Result[G]]]{
					Value:        dataflow.Keyed[G, Result[G]]{Key: g, Value: gs.priorResult.(Result[G])},
					Multiplicity: -1,
				})
			}
			out = append(out, multiset.Entry[dataflow.Keyed[G, Result[G]]]{
				Value:        dataflow.Keyed[G, Result[G]]{Key: g, Value: newResult},
				Multiplicity: 1,
			})
			gs.priorResult = newResult
			gs.hasEmitted = true
		}

		return multiset.New(out...), nil
	}
}

func (op *Operator[T, G]) snapshot(g G, gs *groupState) Result[G] {
	aggregates := make(map[string]float64, len(op.specs))
	for _, spec := range op.specs {
		if agg := gs.aggregates[spec.Name]; agg != nil {
			aggregates[spec.Name] = agg.compute(spec.Kind)
		}
	}
	return Result[G]{Key: g, Aggregates: aggregates}
}
