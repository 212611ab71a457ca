package livequery

import (
	"time"

	"github.com/leofalp/flux/internal/jsonschema"
	"github.com/leofalp/flux/providers/observability"
)

// config holds CreateLiveQueryCollection's optional knobs.
type config struct {
	gcTime   time.Duration
	schema   *jsonschema.Schema
	observer observability.Provider
	onError  func(error)
}

// Option configures a live-query coordinator at construction time.
type Option func(*config)

// WithGCTime sets how long the derived collection waits, after its last
// subscriber unsubscribes, before it moves to collection.StatusCleanedUp.
// The coordinator's compiled graph and source subscriptions are not
// released by this; they stay in place until Dispose is called.
func WithGCTime(d time.Duration) Option {
	return func(c *config) { c.gcTime = d }
}

// WithSchema stores a descriptive row-shape schema, generated with
// jsonschema.GenerateJSONSchema, in the coordinator's configuration. It is
// metadata only: it is not attached to observability spans, and this
// package does not check rows against it, since internal/jsonschema
// produces a schema description, not a validator.
func WithSchema(s *jsonschema.Schema) Option {
	return func(c *config) { c.schema = s }
}

// WithObserver attaches an observability.Provider the coordinator uses for
// one span per run cycle (observability.SpanLiveQueryRun) plus the
// AttrSourceChangeCount/AttrCollectionSize attributes it carries.
func WithObserver(p observability.Provider) Option {
	return func(c *config) { c.observer = p }
}

// WithOnError registers fn to receive every error that ingesting a source
// change batch produces (sending data into the graph, a lazy-join hydration
// lookup, or the graph run), including during the initial load inside
// CreateLiveQueryCollection. Without this option a graph-run error is only
// recorded on the observer span, if one is attached; other ingest errors
// are dropped.
func WithOnError(fn func(error)) Option {
	return func(c *config) { c.onError = fn }
}
