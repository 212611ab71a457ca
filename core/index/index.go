// Package index implements ordered and hash indexes over a collection of
// rows keyed by a primary key. An index is the triple the spec calls
// {extract, compare, structure}: extract derives a sort/lookup key from a
// row, compare gives the ordered variant a total order over extracted
// keys, and structure maps an extracted key to the set of primary keys
// whose row currently produces it. Indexes are maintained incrementally by
// the collection on every add/remove/update, before any subscriber is
// notified, so rangeLookup and take always see a consistent picture.
package index

import (
	"fmt"
	"sort"

	"github.com/leofalp/flux/internal/canonical"
)

// Kind distinguishes an index that supports ordered range scans (Ordered)
// from one that only supports equality/membership lookups (Hash).
type Kind int

const (
	Hash Kind = iota
	Ordered
)

// Op names the predicate shapes rangeLookup can push down.
type Op int

const (
	Eq Op = iota
	Gt
	Gte
	Lt
	Lte
	In
	And
	Or
)

// Expr is a pushable predicate over a single index's extracted key. Eq/Gt/
// Gte/Lt/Lte compare Value against the extracted key with Compare; In
// checks membership in Values; And/Or combine Children by primary-key-set
// intersection/union.
type Expr struct {
	Op       Op
	Value    any
	Values   []any
	Children []Expr
}

// Compare orders two extracted index keys: negative means a sorts before
// b, positive means a sorts after b, zero means equal for ordering
// purposes. Ordered indexes require a non-nil Compare; Hash indexes never
// call it.
type Compare func(a, b any) int

type entry[PK comparable] struct {
	key any
	pks map[PK]bool
}

// Index maintains {extract, compare, structure} for one column of one
// collection, across Row values keyed by PK.
type Index[PK comparable, Row any] struct {
	kind      Kind
	field     string
	extract   func(Row) any
	compare   Compare
	ascending bool
	nullsLast bool

	// entries holds one entry per distinct canonical extracted key.
	// For Ordered indexes it is kept sorted by compare (nulls placed per
	// nullsLast); for Hash indexes order is irrelevant and lookups go
	// through byHash instead.
	entries []*entry[PK]
	byHash  map[uint64]*entry[PK]

	// current tracks each PK's last-extracted key, so remove/update can
	// find which entry to mutate without re-deriving from a stale row.
	current map[PK]any
}

// Option configures an Index at construction time.
type Option func(*options)

type options struct {
	ascending bool
	nullsLast bool
}

// Descending reverses an Ordered index's default ascending order.
func Descending() Option { return func(o *options) { o.ascending = false } }

// NullsFirst places null (nil) extracted keys before all others instead of
// the default, which places them last.
func NullsFirst() Option { return func(o *options) { o.nullsLast = false } }

// New constructs a Hash index: equality and membership lookups only, no
// ordering or take().
func New[PK comparable, Row any](field string, extract func(Row) any) *Index[PK, Row] {
	return &Index[PK, Row]{
		kind:    Hash,
		field:   field,
		extract: extract,
		byHash:  make(map[uint64]*entry[PK]),
		current: make(map[PK]any),
	}
}

// NewOrdered constructs an Ordered index: supports rangeLookup's
// inequality operators and take(n, after) in addition to what Hash
// supports.
func NewOrdered[PK comparable, Row any](field string, extract func(Row) any, compare Compare, opts ...Option) *Index[PK, Row] {
	o := &options{ascending: true, nullsLast: true}
	for _, opt := range opts {
		opt(o)
	}
	return &Index[PK, Row]{
		kind:      Ordered,
		field:     field,
		extract:   extract,
		compare:   compare,
		ascending: o.ascending,
		nullsLast: o.nullsLast,
		byHash:    make(map[uint64]*entry[PK]),
		current:   make(map[PK]any),
	}
}

func (ix *Index[PK, Row]) less(a, b any) bool {
	aNil, bNil := a == nil, b == nil
	if aNil || bNil {
		if aNil && bNil {
			return false
		}
		if ix.nullsLast {
			return bNil
		}
		return aNil
	}
	c := ix.compare(a, b)
	if !ix.ascending {
		c = -c
	}
	return c < 0
}

func (ix *Index[PK, Row]) find(key any) (*entry[PK], int, bool) {
	h := canonical.Hash(key)
	if ix.kind == Hash {
		e, ok := ix.byHash[h]
		return e, -1, ok
	}
	pos := sort.Search(len(ix.entries), func(i int) bool {
		return !ix.less(ix.entries[i].key, key)
	})
	if pos < len(ix.entries) && canonical.Equal(ix.entries[pos].key, key) {
		return ix.entries[pos], pos, true
	}
	return nil, pos, false
}

func (ix *Index[PK, Row]) insertKey(pk PK, key any) {
	e, pos, ok := ix.find(key)
	if !ok {
		e = &entry[PK]{key: key, pks: make(map[PK]bool, 1)}
		ix.byHash[canonical.Hash(key)] = e
		if ix.kind == Ordered {
			ix.entries = append(ix.entries, nil)
			copy(ix.entries[pos+1:], ix.entries[pos:])
			ix.entries[pos] = e
		}
	}
	e.pks[pk] = true
	ix.current[pk] = key
}

func (ix *Index[PK, Row]) removeKey(pk PK, key any) {
	e, pos, ok := ix.find(key)
	if !ok {
		return
	}
	delete(e.pks, pk)
	if len(e.pks) == 0 {
		delete(ix.byHash, canonical.Hash(key))
		if ix.kind == Ordered {
			ix.entries = append(ix.entries[:pos], ix.entries[pos+1:]...)
		}
	}
	delete(ix.current, pk)
}

// Add indexes a newly inserted row under pk.
func (ix *Index[PK, Row]) Add(pk PK, row Row) {
	ix.insertKey(pk, ix.extract(row))
}

// Remove removes pk's entry, keyed by the last value it was added or
// updated with.
func (ix *Index[PK, Row]) Remove(pk PK) {
	if key, ok := ix.current[pk]; ok {
		ix.removeKey(pk, key)
	}
}

// Update re-indexes pk from oldRow's extracted key to newRow's. A no-op
// when the extracted key is unchanged.
func (ix *Index[PK, Row]) Update(pk PK, oldRow, newRow Row) {
	oldKey := ix.extract(oldRow)
	newKey := ix.extract(newRow)
	if canonical.Equal(oldKey, newKey) {
		return
	}
	ix.removeKey(pk, oldKey)
	ix.insertKey(pk, newKey)
}

// RangeLookup evaluates a pushable predicate against this index's
// extracted keys and returns the matching primary keys. Gt/Gte/Lt/Lte
// require an Ordered index; Eq/In/And/Or work against either kind.
func (ix *Index[PK, Row]) RangeLookup(expr Expr) (map[PK]bool, error) {
	switch expr.Op {
	case Eq:
		out := make(map[PK]bool)
		if e, _, ok := ix.find(expr.Value); ok {
			for pk := range e.pks {
				out[pk] = true
			}
		}
		return out, nil
	case In:
		out := make(map[PK]bool)
		for _, v := range expr.Values {
			if e, _, ok := ix.find(v); ok {
				for pk := range e.pks {
					out[pk] = true
				}
			}
		}
		return out, nil
	case Gt, Gte, Lt, Lte:
		if ix.kind != Ordered {
			return nil, fmt.Errorf("index: %q: inequality lookup requires an ordered index", ix.field)
		}
		return ix.inequality(expr)
	case And:
		return ix.combine(expr.Children, intersect[PK])
	case Or:
		return ix.combine(expr.Children, union[PK])
	default:
		return nil, fmt.Errorf("index: unknown predicate op %d", expr.Op)
	}
}

func (ix *Index[PK, Row]) inequality(expr Expr) (map[PK]bool, error) {
	out := make(map[PK]bool)
	for _, e := range ix.entries {
		c := ix.compare(e.key, expr.Value)
		include := false
		switch expr.Op {
		case Gt:
			include = c > 0
		case Gte:
			include = c >= 0
		case Lt:
			include = c < 0
		case Lte:
			include = c <= 0
		}
		if include {
			for pk := range e.pks {
				out[pk] = true
			}
		}
	}
	return out, nil
}

func (ix *Index[PK, Row]) combine(children []Expr, op func([]map[PK]bool) map[PK]bool) (map[PK]bool, error) {
	sets := make([]map[PK]bool, len(children))
	for i, c := range children {
		s, err := ix.RangeLookup(c)
		if err != nil {
			return nil, err
		}
		sets[i] = s
	}
	return op(sets), nil
}

func intersect[PK comparable](sets []map[PK]bool) map[PK]bool {
	if len(sets) == 0 {
		return map[PK]bool{}
	}
	out := make(map[PK]bool, len(sets[0]))
	for pk := range sets[0] {
		in := true
		for _, s := range sets[1:] {
			if !s[pk] {
				in = false
				break
			}
		}
		if in {
			out[pk] = true
		}
	}
	return out
}

func union[PK comparable](sets []map[PK]bool) map[PK]bool {
	out := make(map[PK]bool)
	for _, s := range sets {
		for pk := range s {
			out[pk] = true
		}
	}
	return out
}

// Take returns the next n primary keys strictly after afterKey in index
// order (or from the start if afterKey is nil), in order. It requires an
// Ordered index.
func (ix *Index[PK, Row]) Take(n int, afterKey any) ([]PK, error) {
	if ix.kind != Ordered {
		return nil, fmt.Errorf("index: %q: take requires an ordered index", ix.field)
	}
	start := 0
	if afterKey != nil {
		start = sort.Search(len(ix.entries), func(i int) bool {
			return !ix.less(ix.entries[i].key, afterKey)
		})
		if start < len(ix.entries) && canonical.Equal(ix.entries[start].key, afterKey) {
			start++
		}
	}
	var out []PK
	for i := start; i < len(ix.entries) && len(out) < n; i++ {
		keys := sortedPKs(ix.entries[i].pks)
		for _, pk := range keys {
			out = append(out, pk)
			if len(out) == n {
				break
			}
		}
	}
	return out, nil
}

func sortedPKs[PK comparable](set map[PK]bool) []PK {
	out := make([]PK, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

// Signature derives a stable, canonical string identifying this index's
// shape, suitable for carrying in index:added/index:removed lifecycle
// event metadata.
func (ix *Index[PK, Row]) Signature() string {
	desc := struct {
		Field     string
		Kind      Kind
		Ascending bool
		NullsLast bool
	}{ix.field, ix.kind, ix.ascending, ix.nullsLast}
	return fmt.Sprintf("idx:%x", canonical.Hash(desc))
}

// Field returns the column name this index was built on.
func (ix *Index[PK, Row]) Field() string { return ix.field }

// Kind returns whether this index supports ordered range scans.
func (ix *Index[PK, Row]) Kind() Kind { return ix.kind }
