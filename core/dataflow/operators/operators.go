// Package operators provides the stateless dataflow operators: map, filter,
// project, negate, concat, consolidate and output. Each constructor closes
// over a concrete element type and returns a dataflow.OperatorFunc, so the
// Graph itself stays untyped while every operator is built with full type
// safety at the call site.
package operators

import (
	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

// Map applies f to every element of every upstream batch, preserving
// multiplicity, and concatenates the results across however many upstream
// streams are dirty this run.
func Map[T, U any](f func(T) U) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var out multiset.Multiset[U]
		for _, raw := range inputs {
			out = out.Concat(multiset.Map(raw.(multiset.Multiset[T]), f))
		}
		return out, nil
	}
}

// Filter keeps only elements for which pred returns true, multiplicities
// unchanged.
func Filter[T any](pred func(T) bool) dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var out multiset.Multiset[T]
		for _, raw := range inputs {
			out = out.Concat(multiset.Filter(raw.(multiset.Multiset[T]), pred))
		}
		return out, nil
	}
}

// Project is Map specialized for the common "reshape a row" case: it is a
// thin, self-documenting alias so call sites that narrow a row to a subset
// of columns read as a projection rather than an arbitrary transform.
func Project[T, U any](project func(T) U) dataflow.OperatorFunc {
	return Map(project)
}

// Negate flips the sign of every multiplicity, the operator used to retract
// a previously-emitted batch in its entirety.
func Negate[T any]() dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var out multiset.Multiset[T]
		for _, raw := range inputs {
			out = out.Concat(raw.(multiset.Multiset[T]).Negate())
		}
		return out, nil
	}
}

// Concat unions however many upstream batches arrived this run at the entry
// level, leaving consolidation to the caller.
func Concat[T any]() dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var out multiset.Multiset[T]
		for _, raw := range inputs {
			out = out.Concat(raw.(multiset.Multiset[T]))
		}
		return out, nil
	}
}

// Consolidate sums multiplicities per canonical element across all dirty
// upstream batches this run and drops zero-multiplicity entries.
func Consolidate[T any]() dataflow.OperatorFunc {
	return func(inputs map[dataflow.NodeID]any) (any, error) {
		var out multiset.Multiset[T]
		for _, raw := range inputs {
			out = out.Concat(raw.(multiset.Multiset[T]))
		}
		return out.Consolidate(), nil
	}
}

// Output adapts a plain callback into a dataflow.Graph sink via
// Graph.Output; it is provided here purely so every operator in the
// "stateless operators" family has a matching constructor in this package,
// even though Graph.Output does not itself need an OperatorFunc.
func Output[T any](fn func(multiset.Multiset[T]) error) func(batch any) error {
	return func(batch any) error {
		return fn(batch.(multiset.Multiset[T]))
	}
}
