package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Status is a collection's lifecycle state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusLoading       Status = "loading"
	StatusInitialCommit Status = "initialCommit"
	StatusReady         Status = "ready"
	StatusError         Status = "error"
	StatusCleanedUp     Status = "cleanedUp"
)

// Sentinel errors surfaced by Collection's lifecycle-gated operations.
var (
	// ErrInvalidTransition is returned by SetStatus when the requested
	// status is not reachable from the current one.
	ErrInvalidTransition = errors.New("collection: invalid status transition")

	// ErrCollectionNotReady is returned by RequireReady while
	// Status().Ready() is false. Graph runs and live-query hydration do not
	// return it; they proceed regardless of status.
	ErrCollectionNotReady = errors.New("collection: not ready")

	// ErrCollectionCleanedUp is returned when an operation is attempted
	// against a collection that has already transitioned to
	// StatusCleanedUp, a terminal state with no outgoing transitions.
	ErrCollectionCleanedUp = errors.New("collection: cleaned up")
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusIdle:          {StatusLoading: true},
	StatusLoading:       {StatusInitialCommit: true, StatusError: true},
	StatusInitialCommit: {StatusReady: true, StatusError: true},
	StatusReady:         {StatusLoading: true, StatusCleanedUp: true},
	StatusError:         {StatusLoading: true},
	StatusCleanedUp:     {},
}

func validateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("collection: %s -> %s: %w", from, to, ErrInvalidTransition)
}

// Ready reports whether status is one of the states a graph run may
// consume this collection's data from (ready or initialCommit).
func (s Status) Ready() bool {
	return s == StatusReady || s == StatusInitialCommit
}

// Event names a lifecycle occurrence a collection can be observed for.
type Event string

const (
	EventStatusChange      Event = "status:change"
	EventSubscribersChange Event = "subscribers:change"
	EventIndexAdded        Event = "index:added"
	EventIndexRemoved      Event = "index:removed"
)

// statusEvent names the per-state event fired alongside the generic
// status:change event (e.g. "status:ready").
func statusEvent(s Status) Event {
	return Event("status:" + string(s))
}

// Listener receives an event's payload. The concrete type behind payload
// depends on the event: Status for status events, int for
// subscribers:change, string (an index signature) for index:added/removed.
type Listener func(payload any)

type listenerEntry struct {
	id   uint64
	fn   Listener
	once bool
}

// Subscription is returned by On/Once and cancels that single
// registration when Cancel is called. Calling Cancel more than once is a
// no-op.
type Subscription struct {
	cancel func()
}

// Cancel removes the listener. Equivalent to the spec's off().
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// emitter is self-synchronizing so Collection never needs to hold its own
// mutex while registering, cancelling, or firing a listener: a listener
// callback that itself calls back into the collection (e.g. to read
// current size) would otherwise deadlock against a held collection lock.
type emitter struct {
	mu        sync.Mutex
	listeners map[Event][]*listenerEntry
	nextID    uint64
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[Event][]*listenerEntry)}
}

func (e *emitter) on(event Event, fn Listener, once bool) Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	entry := &listenerEntry{id: id, fn: fn, once: once}
	e.listeners[event] = append(e.listeners[event], entry)
	e.mu.Unlock()

	return Subscription{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.listeners[event]
		for i, le := range entries {
			if le.id == id {
				e.listeners[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}}
}

func (e *emitter) emit(event Event, payload any) {
	e.mu.Lock()
	entries := append([]*listenerEntry{}, e.listeners[event]...)
	e.mu.Unlock()

	var fired, kept []*listenerEntry
	for _, le := range entries {
		le.fn(payload)
		fired = append(fired, le)
		if !le.once {
			kept = append(kept, le)
		}
	}

	if len(fired) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[event]
	next := current[:0:0]
	firedSet := make(map[uint64]bool, len(fired))
	keptSet := make(map[uint64]bool, len(kept))
	for _, le := range fired {
		firedSet[le.id] = true
	}
	for _, le := range kept {
		keptSet[le.id] = true
	}
	for _, le := range current {
		if !firedSet[le.id] || keptSet[le.id] {
			next = append(next, le)
		}
	}
	e.listeners[event] = next
}

// waitFor blocks until event next fires or ctx is done, returning the
// payload delivered.
func (e *emitter) waitFor(ctx context.Context, event Event) (any, error) {
	result := make(chan any, 1)
	sub := e.on(event, func(payload any) {
		select {
		case result <- payload:
		default:
		}
	}, true)
	defer sub.Cancel()

	select {
	case payload := <-result:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
