// Package memsource implements an in-memory source collaborator: a thin,
// concurrency-safe wrapper over core/collection.Collection that seeds its
// rows synchronously and exposes Insert/Update/Delete sugar methods for
// feeding it new data, the way providers/memory/inmemory.ArrayMemory
// wrapped a plain guarded slice for chat messages.
package memsource

import (
	"fmt"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/index"
)

// Source is a ready-immediately, in-memory source.Source implementation.
type Source[PK comparable, V any] struct {
	col    *collection.Collection[PK, V]
	getKey func(V) PK
}

// New constructs a Source seeded with rows, transitioning it through
// loading -> initialCommit -> ready before returning so callers never
// observe an idle or loading memsource.
func New[PK comparable, V any](getKey func(V) PK, rows []V, opts ...collection.Option) *Source[PK, V] {
	col := collection.New(getKey, opts...)
	s := &Source[PK, V]{col: col, getKey: getKey}

	_ = col.SetStatus(collection.StatusLoading)
	changes := make([]collection.Change[PK, V], 0, len(rows))
	for _, v := range rows {
		changes = append(changes, collection.Change[PK, V]{Type: collection.Insert, Key: getKey(v), Value: v})
	}
	if len(changes) > 0 {
		_ = col.Apply(changes)
	}
	_ = col.SetStatus(collection.StatusInitialCommit)
	_ = col.SetStatus(collection.StatusReady)

	return s
}

// Collection exposes the backing collection, for registering indexes the
// compiled query's pushable WHERE or optimizable-orderBy path needs.
func (s *Source[PK, V]) Collection() *collection.Collection[PK, V] { return s.col }

func (s *Source[PK, V]) Get(pk PK) (V, bool) { return s.col.Get(pk) }
func (s *Source[PK, V]) Size() int           { return s.col.Size() }
func (s *Source[PK, V]) Status() collection.Status { return s.col.Status() }

func (s *Source[PK, V]) CurrentStateAsChanges(opts collection.SubscribeOptions[V]) []collection.Change[PK, V] {
	return s.col.CurrentStateAsChanges(opts)
}

func (s *Source[PK, V]) SubscribeChanges(cb func([]collection.Change[PK, V]), opts collection.SubscribeOptions[V]) func() {
	return s.col.SubscribeChanges(cb, opts)
}

func (s *Source[PK, V]) Index(name string) (*index.Index[PK, V], bool) {
	return s.col.Index(name)
}

// AddIndex registers ix under name on the backing collection.
func (s *Source[PK, V]) AddIndex(name string, ix *index.Index[PK, V]) error {
	return s.col.AddIndex(name, ix)
}

// Insert adds a new row, erroring if its key already exists.
func (s *Source[PK, V]) Insert(v V) error {
	return s.col.Apply([]collection.Change[PK, V]{{Type: collection.Insert, Key: s.getKey(v), Value: v}})
}

// Update replaces the row stored under v's key, erroring if it is absent.
func (s *Source[PK, V]) Update(v V) error {
	pk := s.getKey(v)
	prev, ok := s.col.Get(pk)
	if !ok {
		return fmt.Errorf("memsource: update of absent key %v", pk)
	}
	return s.col.Apply([]collection.Change[PK, V]{
		{Type: collection.Update, Key: pk, Value: v, PreviousValue: prev, HasPrevious: true},
	})
}

// Delete removes the row stored under pk, erroring if it is absent.
func (s *Source[PK, V]) Delete(pk PK) error {
	v, ok := s.col.Get(pk)
	if !ok {
		return fmt.Errorf("memsource: delete of absent key %v", pk)
	}
	return s.col.Apply([]collection.Change[PK, V]{{Type: collection.Delete, Key: pk, Value: v}})
}
