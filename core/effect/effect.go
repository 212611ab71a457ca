// Package effect layers enter/update/exit/delta callbacks over a
// core/livequery coordinator: where a live query hands back a collection a
// caller polls or re-subscribes to, an effect driver is the push-style
// counterpart used to run side effects (cache writes, outbound
// notifications) directly off the same incrementally maintained result.
package effect

import (
	"context"
	"sync"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/livequery"
	"github.com/leofalp/flux/core/query"
	"github.com/leofalp/flux/providers/source"
)

// Handlers are the callbacks a Driver invokes as the underlying live query's
// result set changes. Any of them may be nil.
type Handlers struct {
	// OnEnter fires once per row the first time it appears in the result
	// set (collection.Insert).
	OnEnter func(key string, value query.Row)
	// OnUpdate fires when a row already in the result set changes value
	// (collection.Update).
	OnUpdate func(key string, value, previous query.Row)
	// OnExit fires when a row leaves the result set (collection.Delete).
	OnExit func(key string, value query.Row)
	// OnDelta fires once per batch, before the per-change callbacks above,
	// with the whole batch as delivered by the result collection.
	OnDelta func(changes []collection.Change[string, query.Row])
}

// Driver runs Handlers off one live query's result collection until
// Dispose is called or ctx passed to Run is done, whichever comes first.
type Driver struct {
	co        *livequery.Coordinator
	cancelSub func()

	mu       sync.Mutex
	disposed bool
}

// Run compiles and subscribes q against sources exactly as
// livequery.CreateLiveQueryCollection does, then wires handlers to the
// resulting collection's change stream, replaying the current result set
// as a burst of OnEnter calls before returning. Canceling ctx disposes the
// driver asynchronously, the same as calling Dispose.
func Run(
	ctx context.Context,
	q query.Query,
	sources map[string]source.Source[string, map[string]any],
	handlers Handlers,
	opts ...livequery.Option,
) (*Driver, error) {
	out, co, err := livequery.CreateLiveQueryCollection(ctx, q, sources, opts...)
	if err != nil {
		return nil, err
	}

	d := &Driver{co: co}

	cb := func(changes []collection.Change[string, query.Row]) {
		if handlers.OnDelta != nil {
			handlers.OnDelta(changes)
		}
		for _, ch := range changes {
			switch ch.Type {
			case collection.Insert:
				if handlers.OnEnter != nil {
					handlers.OnEnter(ch.Key, ch.Value)
				}
			case collection.Update:
				if handlers.OnUpdate != nil {
					handlers.OnUpdate(ch.Key, ch.Value, ch.PreviousValue)
				}
			case collection.Delete:
				if handlers.OnExit != nil {
					handlers.OnExit(ch.Key, ch.Value)
				}
			}
		}
	}
	d.cancelSub = out.SubscribeChanges(cb, collection.SubscribeOptions[query.Row]{IncludeInitialState: true})

	go func() {
		<-ctx.Done()
		d.Dispose()
	}()

	return d, nil
}

// Dispose unsubscribes from the result collection and disposes the
// underlying coordinator. Safe to call more than once.
func (d *Driver) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	d.mu.Unlock()

	if d.cancelSub != nil {
		d.cancelSub()
	}
	d.co.Dispose()
}
