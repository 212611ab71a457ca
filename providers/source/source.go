// Package source declares the downward collaborator a live-query
// coordinator or effect driver pulls rows and change notifications from.
// core/collection.Collection already satisfies this interface; a source
// adapter is free to either embed one (memsource) or maintain its own and
// expose it through this narrower surface (pgsource, which additionally
// polls an external change-log).
package source

import (
	"context"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/index"
)

// Source is the read/subscribe surface the coordinator needs from a base
// collection: enough to hydrate initial state, subscribe to future
// changes, and push a pushable WHERE or an ordered window down to whatever
// backs the rows, without committing to any particular storage.
type Source[PK comparable, V any] interface {
	// Get returns the row stored under pk, if any.
	Get(pk PK) (V, bool)
	// Size returns the number of rows currently visible.
	Size() int
	// Status reports the source's lifecycle state. The live-query
	// coordinator does not consult it; it reads and subscribes to a source
	// whatever its status.
	Status() collection.Status
	// CurrentStateAsChanges returns a synchronous snapshot of the rows
	// matching opts as Insert changes.
	CurrentStateAsChanges(opts collection.SubscribeOptions[V]) []collection.Change[PK, V]
	// SubscribeChanges registers cb for every future change batch
	// matching opts; the returned function unsubscribes.
	SubscribeChanges(cb func([]collection.Change[PK, V]), opts collection.SubscribeOptions[V]) func()
	// Index returns the named index, if the adapter maintains one; a
	// coordinator uses this to serve a pushable WHERE or an
	// optimizable-orderBy window directly instead of scanning every row.
	Index(name string) (*index.Index[PK, V], bool)
}

// Starter is implemented by adapters whose initial hydration is itself an
// asynchronous operation (a SQL query, a network round trip). Callers
// should invoke Start and wait for the source to leave StatusLoading
// before trusting Status().Ready().
type Starter interface {
	Start(ctx context.Context) error
}

var _ Source[string, map[string]any] = (*collection.Collection[string, map[string]any])(nil)
