// Package collection implements the source-of-truth container the rest
// of the IVM core reads from and subscribes to: an ordered primary-key to
// value mapping that tracks its own lifecycle status, maintains zero or
// more indexes (core/index) as rows change, and delivers Change batches to
// subscribers, optionally filtered to rows matching a predicate.
package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leofalp/flux/core/index"
)

// Predicate reports whether a value should be visible to a filtered
// subscription. It stands in for the spec's whereExpression: the query
// compiler (core/query) is responsible for turning a declarative
// expression into one of these before subscribing.
type Predicate[V any] func(value V) bool

// SubscribeOptions configures a single subscribeChanges call.
type SubscribeOptions[V any] struct {
	// IncludeInitialState emits the current matching rows as Insert
	// changes in the first delivered batch.
	IncludeInitialState bool
	// Where restricts delivered changes (and, with IncludeInitialState,
	// the initial snapshot) to rows it reports true for. Nil means no
	// filtering.
	Where Predicate[V]
}

func (o SubscribeOptions[V]) matches(v V) bool {
	return o.Where == nil || o.Where(v)
}

type subscriber[PK comparable, V any] struct {
	id   uint64
	opts SubscribeOptions[V]
	cb   func([]Change[PK, V])
}

// Collection is an ordered primary-key to value store with change
// notification, a lifecycle status machine, and pluggable indexes. The
// zero value is not usable; construct with New.
type Collection[PK comparable, V any] struct {
	mu sync.RWMutex

	getKey func(V) PK
	values map[PK]V
	order  []PK // insertion order, for deterministic Values()/snapshot output

	status Status
	events *emitter

	indexes map[string]*index.Index[PK, V]

	subs      map[uint64]*subscriber[PK, V]
	nextSubID uint64

	gcTime  time.Duration
	gcTimer *time.Timer
}

// Option configures a Collection at construction time.
type Option func(*config)

type config struct {
	gcTime time.Duration
}

// WithGCTime sets how long a collection waits, after its last subscriber
// unsubscribes, before transitioning ready -> cleanedUp. Zero (the
// default) cleans up immediately.
func WithGCTime(d time.Duration) Option {
	return func(c *config) { c.gcTime = d }
}

// New constructs an empty, idle Collection. getKey derives a row's
// primary key; it must be stable for the row's lifetime.
func New[PK comparable, V any](getKey func(V) PK, opts ...Option) *Collection[PK, V] {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	return &Collection[PK, V]{
		getKey:  getKey,
		values:  make(map[PK]V),
		status:  StatusIdle,
		events:  newEmitter(),
		indexes: make(map[string]*index.Index[PK, V]),
		subs:    make(map[uint64]*subscriber[PK, V]),
		gcTime:  c.gcTime,
	}
}

// Get returns the row stored under pk, if any.
func (c *Collection[PK, V]) Get(pk PK) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[pk]
	return v, ok
}

// Has reports whether pk is present.
func (c *Collection[PK, V]) Has(pk PK) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[pk]
	return ok
}

// Size returns the number of rows currently stored.
func (c *Collection[PK, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Values returns a snapshot of all rows in insertion order. Callers must
// not mutate the returned slice.
func (c *Collection[PK, V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.order))
	for _, pk := range c.order {
		out = append(out, c.values[pk])
	}
	return out
}

// RequireReady returns ErrCollectionNotReady (or ErrCollectionCleanedUp, if
// the collection has already been torn down) unless Status().Ready() is
// true. Nothing in this module calls it: the live-query coordinator does not
// check a source's status before driving a graph run from its changes.
func (c *Collection[PK, V]) RequireReady() error {
	c.mu.RLock()
	s := c.status
	c.mu.RUnlock()
	if s == StatusCleanedUp {
		return fmt.Errorf("collection: %w", ErrCollectionCleanedUp)
	}
	if !s.Ready() {
		return fmt.Errorf("collection: status %q: %w", s, ErrCollectionNotReady)
	}
	return nil
}

// Status returns the collection's current lifecycle state.
func (c *Collection[PK, V]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions the collection to s, firing status:change and
// status:<s> listeners. Invalid transitions are rejected; loading and
// initialCommit are the only states error may be entered from, and
// cleanedUp is terminal.
func (c *Collection[PK, V]) SetStatus(s Status) error {
	c.mu.Lock()
	from := c.status
	if err := validateTransition(from, s); err != nil {
		c.mu.Unlock()
		return err
	}
	c.status = s
	c.mu.Unlock()

	if from == s {
		return nil
	}
	c.events.emit(EventStatusChange, s)
	c.events.emit(statusEvent(s), s)
	return nil
}

// On registers fn for every future occurrence of event.
func (c *Collection[PK, V]) On(event Event, fn Listener) Subscription {
	return c.events.on(event, fn, false)
}

// Once registers fn for exactly the next occurrence of event.
func (c *Collection[PK, V]) Once(event Event, fn Listener) Subscription {
	return c.events.on(event, fn, true)
}

// WaitFor blocks until event next fires or ctx is done.
func (c *Collection[PK, V]) WaitFor(ctx context.Context, event Event) (any, error) {
	return c.events.waitFor(ctx, event)
}

// AddIndex registers ix under name, firing index:added with ix's
// signature. Replacing an existing name's index is an error; remove it
// first.
func (c *Collection[PK, V]) AddIndex(name string, ix *index.Index[PK, V]) error {
	c.mu.Lock()
	if _, exists := c.indexes[name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("collection: index %q already registered", name)
	}
	for pk, v := range c.values {
		ix.Add(pk, v)
	}
	c.indexes[name] = ix
	c.mu.Unlock()

	c.events.emit(EventIndexAdded, ix.Signature())
	return nil
}

// RemoveIndex unregisters the index under name, firing index:removed with
// its signature. A no-op if name is not registered.
func (c *Collection[PK, V]) RemoveIndex(name string) {
	c.mu.Lock()
	ix, ok := c.indexes[name]
	if ok {
		delete(c.indexes, name)
	}
	c.mu.Unlock()

	if ok {
		c.events.emit(EventIndexRemoved, ix.Signature())
	}
}

// Index returns the index registered under name, if any.
func (c *Collection[PK, V]) Index(name string) (*index.Index[PK, V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ix, ok := c.indexes[name]
	return ix, ok
}

// CurrentStateAsChanges returns a synchronous snapshot of the matching
// rows as Insert changes, in insertion order.
func (c *Collection[PK, V]) CurrentStateAsChanges(opts SubscribeOptions[V]) []Change[PK, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Change[PK, V]
	for _, pk := range c.order {
		v := c.values[pk]
		if !opts.matches(v) {
			continue
		}
		out = append(out, Change[PK, V]{Type: Insert, Key: pk, Value: v})
	}
	return out
}

// SubscribeChanges registers cb to receive every future change batch
// (filtered by opts.Where, if set). If opts.IncludeInitialState is set,
// cb is invoked once immediately with the current matching rows as
// Insert changes. The returned function unsubscribes.
func (c *Collection[PK, V]) SubscribeChanges(cb func([]Change[PK, V]), opts SubscribeOptions[V]) func() {
	c.mu.Lock()
	if c.status == StatusCleanedUp {
		c.mu.Unlock()
		return func() {}
	}
	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = &subscriber[PK, V]{id: id, opts: opts, cb: cb}
	count := len(c.subs)
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}

	var initial []Change[PK, V]
	if opts.IncludeInitialState {
		for _, pk := range c.order {
			v := c.values[pk]
			if !opts.matches(v) {
				continue
			}
			initial = append(initial, Change[PK, V]{Type: Insert, Key: pk, Value: v})
		}
	}
	c.mu.Unlock()

	c.events.emit(EventSubscribersChange, count)
	if len(initial) > 0 {
		cb(initial)
	}

	return func() { c.unsubscribe(id) }
}

func (c *Collection[PK, V]) unsubscribe(id uint64) {
	c.mu.Lock()
	if _, ok := c.subs[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, id)
	count := len(c.subs)
	var timer *time.Timer
	if count == 0 && c.status == StatusReady {
		timer = time.AfterFunc(c.gcTime, func() { _ = c.SetStatus(StatusCleanedUp) })
		c.gcTimer = timer
	}
	c.mu.Unlock()

	c.events.emit(EventSubscribersChange, count)
}

// Apply mutates the collection by changes, maintaining every registered
// index, and delivers the (possibly per-subscriber filtered) batch to
// every subscriber whose Where predicate matches at least one change's
// before/after value. Changes are applied in order; a Change whose Type
// contradicts the collection's current state for Key (e.g. Insert for an
// already-present key) is an error and leaves prior changes in the batch
// applied.
func (c *Collection[PK, V]) Apply(changes []Change[PK, V]) error {
	c.mu.Lock()
	delivered := make(map[uint64][]Change[PK, V], len(c.subs))

	for _, ch := range changes {
		if err := c.applyOne(ch); err != nil {
			c.mu.Unlock()
			return err
		}
		for id, sub := range c.subs {
			if sub.opts.Where == nil {
				delivered[id] = append(delivered[id], ch)
				continue
			}
			if sub.opts.Where(ch.Value) || (ch.HasPrevious && sub.opts.Where(ch.PreviousValue)) {
				delivered[id] = append(delivered[id], ch)
			}
		}
	}

	subs := make([]*subscriber[PK, V], 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if batch := delivered[sub.id]; len(batch) > 0 {
			sub.cb(batch)
		}
	}
	return nil
}

func (c *Collection[PK, V]) applyOne(ch Change[PK, V]) error {
	switch ch.Type {
	case Insert:
		if _, exists := c.values[ch.Key]; exists {
			return fmt.Errorf("collection: insert of already-present key %v", ch.Key)
		}
		c.values[ch.Key] = ch.Value
		c.order = append(c.order, ch.Key)
		for _, ix := range c.indexes {
			ix.Add(ch.Key, ch.Value)
		}
	case Update:
		old, exists := c.values[ch.Key]
		if !exists {
			return fmt.Errorf("collection: update of absent key %v", ch.Key)
		}
		c.values[ch.Key] = ch.Value
		for _, ix := range c.indexes {
			ix.Update(ch.Key, old, ch.Value)
		}
	case Delete:
		if _, exists := c.values[ch.Key]; !exists {
			return fmt.Errorf("collection: delete of absent key %v", ch.Key)
		}
		delete(c.values, ch.Key)
		for i, pk := range c.order {
			if pk == ch.Key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		for _, ix := range c.indexes {
			ix.Remove(ch.Key)
		}
	default:
		return fmt.Errorf("collection: unknown change type %d", ch.Type)
	}
	return nil
}

// Truncate replaces every currently known row with newRows in a single
// batch, delivered to subscribers as deletes for all known rows followed
// by inserts for newRows, matching the spec's truncate semantics.
func (c *Collection[PK, V]) Truncate(newRows []V) error {
	c.mu.RLock()
	var changes []Change[PK, V]
	for _, pk := range c.order {
		changes = append(changes, Change[PK, V]{Type: Delete, Key: pk, Value: c.values[pk]})
	}
	c.mu.RUnlock()

	for _, v := range newRows {
		changes = append(changes, Change[PK, V]{Type: Insert, Key: c.getKey(v), Value: v})
	}
	return c.Apply(changes)
}
