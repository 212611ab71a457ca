// Package livequery implements the coordinator that turns a compiled query
// (core/query) and a set of named sources (providers/source) into a live,
// incrementally maintained collection: it drives each base alias's
// subscription strategy, translates every Change batch into the compiled
// graph's multiset deltas, runs the graph, and classifies the terminal
// stream's own deltas back into Change batches applied to the result
// collection.
package livequery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/index"
	"github.com/leofalp/flux/core/multiset"
	"github.com/leofalp/flux/core/query"
	"github.com/leofalp/flux/internal/canonical"
	"github.com/leofalp/flux/providers/observability"
	"github.com/leofalp/flux/providers/source"
)

// Coordinator owns one compiled query's graph and the source subscriptions
// feeding it. It is not constructed directly; use CreateLiveQueryCollection.
type Coordinator struct {
	mu       sync.Mutex
	compiled *query.Compiled
	sources  map[string]source.Source[string, map[string]any]
	output   *collection.Collection[string, query.Row]
	observer observability.Provider
	onError  func(error)

	unsubs   []func()
	hydrated map[string]map[string]bool      // lazy alias -> hydrated source pk set
	windows  map[string]*orderWindow         // optimizable-orderBy alias -> its current window
	disposed bool
}

type orderWindow struct {
	rows map[string]map[string]any
}

// CreateLiveQueryCollection compiles q, wires sources (keyed by the same
// aliases q names) to its graph's input streams per each alias's
// subscription strategy (direct, lazy-on-demand, or an optimizable-orderBy
// window), and returns the derived collection the graph's terminal stream
// maintains, plus the Coordinator driving it. The returned collection starts
// in StatusLoading and transitions to StatusReady once every base alias has
// delivered its initial snapshot and the first graph run has applied its
// result.
func CreateLiveQueryCollection(
	ctx context.Context,
	q query.Query,
	sources map[string]source.Source[string, map[string]any],
	opts ...Option,
) (*collection.Collection[string, query.Row], *Coordinator, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	compiled, err := query.Compile(q)
	if err != nil {
		return nil, nil, err
	}

	for alias := range compiled.InputNodes {
		if _, ok := sources[alias]; !ok {
			return nil, nil, fmt.Errorf("livequery: alias %q: %w", alias, ErrMissingSource)
		}
	}

	output := collection.New[string, query.Row](
		func(r query.Row) string { return compositeRowKey(r) },
		collection.WithGCTime(cfg.gcTime),
	)

	co := &Coordinator{
		compiled: compiled,
		sources:  sources,
		output:   output,
		observer: cfg.observer,
		onError:  cfg.onError,
		hydrated: make(map[string]map[string]bool),
		windows:  make(map[string]*orderWindow),
	}

	if err := compiled.Graph.Output(compiled.Output, co.handleTerminalBatch); err != nil {
		return nil, nil, err
	}

	if err := output.SetStatus(collection.StatusLoading); err != nil {
		return nil, nil, err
	}

	for alias, node := range compiled.InputNodes {
		src := sources[alias]
		switch {
		case compiled.OrderByOpt != nil && compiled.OrderByOpt.Alias == alias:
			co.loadOptimizableWindow(ctx, alias, src, compiled.OrderByOpt)
			co.subscribeOptimizableOrderBy(alias, src, compiled.OrderByOpt)
		case compiled.Lazy[alias]:
			co.subscribeLazy(alias, src)
		default:
			co.subscribeDirect(ctx, alias, node, q.Where, src)
		}
	}

	if err := output.SetStatus(collection.StatusInitialCommit); err != nil {
		return nil, nil, err
	}
	if err := output.SetStatus(collection.StatusReady); err != nil {
		return nil, nil, err
	}

	return output, co, nil
}

// Dispose unsubscribes from every source feeding this coordinator's graph.
// The graph itself and the derived collection are left as-is (the
// collection's own GC timer, if any, still governs its cleanedUp
// transition); Dispose only stops new deltas from reaching it.
func (co *Coordinator) Dispose() {
	co.mu.Lock()
	if co.disposed {
		co.mu.Unlock()
		return
	}
	co.disposed = true
	unsubs := co.unsubs
	co.unsubs = nil
	co.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (co *Coordinator) reportError(err error) {
	if err == nil {
		return
	}
	if co.onError != nil {
		co.onError(err)
	}
}

// subscribeDirect wires alias as a fully-materialized base: the source
// delivers its matching initial snapshot plus every future change, filtered
// server-side (to whatever degree the source's own index/predicate support
// allows) by the same single-alias WHERE terms the compiled graph already
// assumed would never reach it.
func (co *Coordinator) subscribeDirect(ctx context.Context, alias string, node dataflow.NodeID, wheres []query.Expr, src source.Source[string, map[string]any]) {
	ownWhere := query.WhereForAlias(wheres, alias)
	pred := query.ToPredicate(query.AndAll(ownWhere))
	wrapped := func(v map[string]any) bool { return pred(query.Row{alias: v}) }

	cb := func(changes []collection.Change[string, map[string]any]) {
		co.ingest(ctx, alias, node, changes)
	}
	unsub := src.SubscribeChanges(cb, collection.SubscribeOptions[map[string]any]{IncludeInitialState: true, Where: wrapped})

	co.mu.Lock()
	co.unsubs = append(co.unsubs, unsub)
	co.mu.Unlock()
}

// subscribeLazy wires alias as hydrate-on-demand: the source's own future
// changes are delivered unconditionally, but only the subset whose key has
// already been hydrated by a join-key lookup (see hydrate) is fed into the
// graph, so an insert on a row nobody has joined to yet does not force a
// full materialization of the lazy side.
func (co *Coordinator) subscribeLazy(alias string, src source.Source[string, map[string]any]) {
	node := co.compiled.InputNodes[alias]
	cb := func(changes []collection.Change[string, map[string]any]) {
		co.mu.Lock()
		seen := co.hydrated[alias]
		var relevant []collection.Change[string, map[string]any]
		for _, ch := range changes {
			if seen != nil && seen[ch.Key] {
				relevant = append(relevant, ch)
				if ch.Type == collection.Delete {
					delete(seen, ch.Key)
				}
			}
		}
		co.mu.Unlock()
		co.ingest(context.Background(), alias, node, relevant)
	}
	unsub := src.SubscribeChanges(cb, collection.SubscribeOptions[map[string]any]{})

	co.mu.Lock()
	co.unsubs = append(co.unsubs, unsub)
	co.mu.Unlock()
}

// hydrate looks up alias's source for rows whose ownField equals value (via
// a registered index when one exists under that field name, otherwise a
// full scan) and feeds every not-yet-hydrated match into the graph as an
// insert. It is called whenever a batch arrives on the other side of a join
// whose newly joined alias is lazy.
func (co *Coordinator) hydrate(alias, ownField string, value any) {
	src, ok := co.sources[alias]
	if !ok {
		return
	}
	node := co.compiled.InputNodes[alias]

	var pks []string
	if ix, ok := src.Index(ownField); ok {
		matched, err := ix.RangeLookup(index.Expr{Op: index.Eq, Value: value})
		if err != nil {
			co.reportError(fmt.Errorf("livequery: hydrate %q.%q: %w", alias, ownField, err))
			return
		}
		for pk := range matched {
			pks = append(pks, pk)
		}
	} else {
		for _, ch := range src.CurrentStateAsChanges(collection.SubscribeOptions[map[string]any]{}) {
			if canonical.Equal(ch.Value[ownField], value) {
				pks = append(pks, ch.Key)
			}
		}
	}

	seen := co.hydrated[alias]
	if seen == nil {
		seen = make(map[string]bool)
		co.hydrated[alias] = seen
	}

	var fresh []collection.Change[string, map[string]any]
	for _, pk := range pks {
		if seen[pk] {
			continue
		}
		row, ok := src.Get(pk)
		if !ok {
			continue
		}
		seen[pk] = true
		fresh = append(fresh, collection.Change[string, map[string]any]{Type: collection.Insert, Key: pk, Value: row})
	}
	if len(fresh) == 0 {
		return
	}
	if err := co.compiled.Graph.SendData(node, multiset.New(changesToEntries(fresh)...)); err != nil {
		co.reportError(err)
	}
}

// maybeHydrateLazy hydrates every lazy alias whose join key relates back to
// alias, for each row touched by changes. Caller must hold co.mu.
func (co *Coordinator) maybeHydrateLazy(alias string, changes []collection.Change[string, map[string]any]) {
	for lazyAlias, jk := range co.compiled.JoinKeys {
		if jk.OtherAlias != alias || !co.compiled.Lazy[lazyAlias] {
			continue
		}
		for _, ch := range changes {
			v, ok := ch.Value[jk.OtherField]
			if !ok {
				continue
			}
			co.hydrate(lazyAlias, jk.OwnField, v)
		}
	}
}

// ingest feeds changes into node, triggers any lazy hydration changes on
// alias depend on, and runs the graph exactly once for the combined effect.
func (co *Coordinator) ingest(ctx context.Context, alias string, node dataflow.NodeID, changes []collection.Change[string, map[string]any]) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.disposed {
		return
	}
	if len(changes) > 0 {
		if err := co.compiled.Graph.SendData(node, multiset.New(changesToEntries(changes)...)); err != nil {
			co.reportError(err)
			return
		}
		co.maybeHydrateLazy(alias, changes)
	}
	co.runLocked(ctx, alias, len(changes))
}

func (co *Coordinator) runLocked(ctx context.Context, alias string, changeCount int) {
	var span observability.Span
	if co.observer != nil {
		ctx, span = co.observer.StartSpan(ctx, observability.SpanLiveQueryRun,
			observability.String(observability.AttrSourceName, alias),
			observability.Int(observability.AttrSourceChangeCount, changeCount),
		)
		defer span.End()
	}
	if err := co.compiled.Graph.Run(ctx); err != nil {
		if span != nil {
			span.RecordError(err)
		}
		co.reportError(err)
		return
	}
	if span != nil {
		span.SetAttributes(observability.Int(observability.AttrCollectionSize, co.output.Size()))
	}
}

// handleTerminalBatch is the compiled graph's Output sink: it normalizes
// the terminal stream's batch, classifies it into insert/update/delete
// changes, and applies them to the derived collection.
func (co *Coordinator) handleTerminalBatch(batch any) error {
	normalized, err := normalizeBatch(batch, co.compiled.HasOrderIndex)
	if err != nil {
		return err
	}
	changes, err := classifyBatch(normalized)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	return co.output.Apply(changes)
}

// loadOptimizableWindow performs alias's initial bounded load for the
// optimizable-orderBy path: only offset+limit rows are ever pulled from the
// source, instead of materializing the whole collection the way
// subscribeDirect's IncludeInitialState would.
func (co *Coordinator) loadOptimizableWindow(ctx context.Context, alias string, src source.Source[string, map[string]any], opt *query.OptimizableOrderBy) {
	node := co.compiled.InputNodes[alias]
	rows := computeWindow(src, opt)

	co.mu.Lock()
	co.windows[alias] = &orderWindow{rows: rows}
	co.mu.Unlock()

	changes := make([]collection.Change[string, map[string]any], 0, len(rows))
	for pk, v := range rows {
		changes = append(changes, collection.Change[string, map[string]any]{Type: collection.Insert, Key: pk, Value: v})
	}
	co.ingest(ctx, alias, node, changes)
}

// subscribeOptimizableOrderBy recomputes alias's window on every upstream
// change and diffs it against the previously delivered window, so the graph
// only ever sees the bounded set of rows the orderBy/limit actually needs.
func (co *Coordinator) subscribeOptimizableOrderBy(alias string, src source.Source[string, map[string]any], opt *query.OptimizableOrderBy) {
	node := co.compiled.InputNodes[alias]
	cb := func(_ []collection.Change[string, map[string]any]) {
		co.refreshWindow(context.Background(), alias, node, src, opt)
	}
	unsub := src.SubscribeChanges(cb, collection.SubscribeOptions[map[string]any]{})

	co.mu.Lock()
	co.unsubs = append(co.unsubs, unsub)
	co.mu.Unlock()
}

func (co *Coordinator) refreshWindow(ctx context.Context, alias string, node dataflow.NodeID, src source.Source[string, map[string]any], opt *query.OptimizableOrderBy) {
	next := computeWindow(src, opt)

	co.mu.Lock()
	w := co.windows[alias]
	if w == nil {
		w = &orderWindow{rows: map[string]map[string]any{}}
		co.windows[alias] = w
	}
	var changes []collection.Change[string, map[string]any]
	for pk, v := range next {
		old, existed := w.rows[pk]
		switch {
		case !existed:
			changes = append(changes, collection.Change[string, map[string]any]{Type: collection.Insert, Key: pk, Value: v})
		case !canonical.Equal(old, v):
			changes = append(changes, collection.Change[string, map[string]any]{Type: collection.Update, Key: pk, Value: v, PreviousValue: old, HasPrevious: true})
		}
	}
	for pk, v := range w.rows {
		if _, still := next[pk]; !still {
			changes = append(changes, collection.Change[string, map[string]any]{Type: collection.Delete, Key: pk, Value: v})
		}
	}
	w.rows = next
	co.mu.Unlock()

	co.ingest(ctx, alias, node, changes)
}

// computeWindow returns the offset..offset+limit window of src's rows in
// opt's order, preferring an ordered index registered under opt.Field (take
// assumes that index's own ascending/descending option already matches
// opt.Ascending) and falling back to a full scan sorted with opt.Compare
// when no such index is registered or the orderBy expression was not a bare
// field reference.
func computeWindow(src source.Source[string, map[string]any], opt *query.OptimizableOrderBy) map[string]map[string]any {
	need := opt.Offset + opt.Limit
	out := make(map[string]map[string]any)

	if opt.Field != "" {
		if ix, ok := src.Index(opt.Field); ok {
			if pks, err := ix.Take(need, nil); err == nil {
				if opt.Offset < len(pks) {
					for _, pk := range pks[opt.Offset:] {
						if v, ok := src.Get(pk); ok {
							out[pk] = v
						}
					}
				}
				return out
			}
		}
	}

	all := src.CurrentStateAsChanges(collection.SubscribeOptions[map[string]any]{})
	sort.Slice(all, func(i, j int) bool {
		return opt.Compare(opt.Extract(all[i].Value), opt.Extract(all[j].Value)) < 0
	})
	end := need
	if end > len(all) {
		end = len(all)
	}
	if opt.Offset < end {
		for _, ch := range all[opt.Offset:end] {
			out[ch.Key] = ch.Value
		}
	}
	return out
}

func compositeRowKey(r query.Row) string {
	return fmt.Sprintf("%x", canonical.Hash(r))
}
