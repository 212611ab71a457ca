package livequery

import (
	"fmt"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/dataflow/orderby"
	"github.com/leofalp/flux/core/multiset"
	"github.com/leofalp/flux/core/query"
	"github.com/leofalp/flux/internal/utils"
)

// changesToEntries translates a source's Change batch into the signed
// multiset an input stream expects: Insert becomes a lone +1, Delete a lone
// -1, and Update the paired (-1 old, +1 new) retract-then-assert every
// incremental operator downstream is built to consume.
func changesToEntries(changes []collection.Change[string, map[string]any]) []multiset.Entry[dataflow.Keyed[string, map[string]any]] {
	out := make([]multiset.Entry[dataflow.Keyed[string, map[string]any]], 0, len(changes)*2)
	for _, ch := range changes {
		switch ch.Type {
		case collection.Insert:
			out = append(out, multiset.Entry[dataflow.Keyed[string, map[string]any]]{
				Value:        dataflow.Keyed[string, map[string]any]{Key: ch.Key, Value: ch.Value},
				Multiplicity: 1,
			})
		case collection.Delete:
			out = append(out, multiset.Entry[dataflow.Keyed[string, map[string]any]]{
				Value:        dataflow.Keyed[string, map[string]any]{Key: ch.Key, Value: ch.Value},
				Multiplicity: -1,
			})
		case collection.Update:
			if ch.HasPrevious {
				out = append(out, multiset.Entry[dataflow.Keyed[string, map[string]any]]{
					Value:        dataflow.Keyed[string, map[string]any]{Key: ch.Key, Value: ch.PreviousValue},
					Multiplicity: -1,
				})
			}
			out = append(out, multiset.Entry[dataflow.Keyed[string, map[string]any]]{
				Value:        dataflow.Keyed[string, map[string]any]{Key: ch.Key, Value: ch.Value},
				Multiplicity: 1,
			})
		}
	}
	return out
}

// normalizeBatch unwraps a terminal stream's output batch, whose dynamic
// type depends on whether the compiled query's orderBy clause attached a
// fractional index, into the uniform Keyed[string, query.Row] shape the
// classifier works with. When an index was attached, its fractional string
// is carried into the row under orderIndexField so a subscriber can still
// recover ordering without re-sorting.
func normalizeBatch(batch any, hasOrderIndex bool) (multiset.Multiset[dataflow.Keyed[string, query.Row]], error) {
	if !hasOrderIndex {
		ms, ok := batch.(multiset.Multiset[dataflow.Keyed[string, query.Row]])
		if !ok {
			return multiset.Multiset[dataflow.Keyed[string, query.Row]]{}, fmt.Errorf(
				"livequery: terminal batch has unexpected type %T: %w", batch, ErrResultInvariant)
		}
		return ms, nil
	}

	ms, ok := batch.(multiset.Multiset[dataflow.Keyed[string, orderby.Row[query.Row]]])
	if !ok {
		return multiset.Multiset[dataflow.Keyed[string, query.Row]]{}, fmt.Errorf(
			"livequery: terminal batch has unexpected type %T: %w", batch, ErrResultInvariant)
	}

	out := multiset.Map(ms, func(kv dataflow.Keyed[string, orderby.Row[query.Row]]) dataflow.Keyed[string, query.Row] {
		row := query.Row{}
		for k, v := range kv.Value.Value {
			row[k] = v
		}
		row[orderIndexField] = kv.Value.Index
		return dataflow.Keyed[string, query.Row]{Key: kv.Key, Value: row}
	})
	return out, nil
}

// orderIndexField is the synthetic column a consolidated orderBy stream's
// fractional index is carried under, when the compiled query attaches one.
const orderIndexField = "__orderIndex"

// classifyBatch groups a terminal stream's consolidated deltas by result
// key and reduces each key's entries to the single collection.Change the
// insert/update/delete contract allows: one +1 entry alone is an insert,
// one -1 entry alone is a delete, and a paired (-1 old, +1 new) is an
// update. Any other combination — duplicate deltas for the same key, a
// multiplicity outside {-1, +1}, two unpaired +1s — means some upstream
// operator broke the paired-delta contract, and is reported rather than
// silently resolved one way or another.
func classifyBatch(batch multiset.Multiset[dataflow.Keyed[string, query.Row]]) ([]collection.Change[string, query.Row], error) {
	consolidated := batch.Consolidate()

	type keyEntries struct {
		entries []multiset.Entry[dataflow.Keyed[string, query.Row]]
	}
	byKey := make(map[string]*keyEntries)
	var order []string
	for _, e := range consolidated.Inner() {
		k := e.Value.Key
		ke, ok := byKey[k]
		if !ok {
			ke = &keyEntries{}
			byKey[k] = ke
			order = append(order, k)
		}
		ke.entries = append(ke.entries, e)
	}

	changes := make([]collection.Change[string, query.Row], 0, len(order))
	for _, k := range order {
		entries := byKey[k].entries
		switch len(entries) {
		case 1:
			e := entries[0]
			switch e.Multiplicity {
			case 1:
				changes = append(changes, collection.Change[string, query.Row]{Type: collection.Insert, Key: k, Value: e.Value.Value})
			case -1:
				changes = append(changes, collection.Change[string, query.Row]{Type: collection.Delete, Key: k, Value: e.Value.Value})
			default:
				return nil, fmt.Errorf("livequery: key %q: multiplicity %d for %s: %w", k, e.Multiplicity, utils.ToString(e.Value.Value), ErrResultInvariant)
			}
		case 2:
			var ins, del *multiset.Entry[dataflow.Keyed[string, query.Row]]
			for i := range entries {
				switch entries[i].Multiplicity {
				case 1:
					ins = &entries[i]
				case -1:
					del = &entries[i]
				}
			}
			if ins == nil || del == nil {
				return nil, fmt.Errorf("livequery: key %q: unpaired deltas: %w", k, ErrResultInvariant)
			}
			changes = append(changes, collection.Change[string, query.Row]{
				Type: collection.Update, Key: k, Value: ins.Value.Value,
				PreviousValue: del.Value.Value, HasPrevious: true,
			})
		default:
			return nil, fmt.Errorf("livequery: key %q: %d deltas in one batch: %w", k, len(entries), ErrResultInvariant)
		}
	}
	return changes, nil
}
