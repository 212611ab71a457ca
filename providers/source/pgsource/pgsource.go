// Package pgsource implements a source.Source backed by PostgreSQL: a live
// "rows" table holds current state and a "changelog" table records every
// mutation in commit order, the way providers/memory/pgmemory split
// persistence from its session-scoped access pattern. Unlike pgmemory (which
// serves chat messages), pgsource's job is to turn that changelog into the
// collection.Change stream a live-query coordinator drives a dataflow graph
// from: it polls the changelog past its last-seen seq, translates each row
// into an Insert/Update/Delete, and applies it to an internal
// core/collection.Collection that satisfies providers/source.Source.
package pgsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leofalp/flux/core/collection"
	"github.com/leofalp/flux/core/index"
)

const (
	defaultRowsTable      = "flux_rows"
	defaultChangelogTable = "flux_changelog"
	defaultPollInterval   = 200 * time.Millisecond
	defaultBatchSize      = 500
)

// Querier abstracts the pgx query methods pgsource needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxQuerier extends Querier with transaction support; Insert/Update/Delete
// use it for an atomic rows+changelog write when available, falling back
// to a sequential non-atomic pair of statements otherwise (mirroring
// pgmemory.PopLastMessage's atomic/fallback split).
type TxQuerier interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Source is a PostgreSQL-backed source.Source: an internal collection kept
// in sync with a changelog table by periodic polling.
type Source[V any] struct {
	db             Querier
	rowsTable      string
	changelogTable string
	pollInterval   time.Duration
	batchSize      int

	getKey func(V) string
	encode func(V) ([]byte, error)
	decode func([]byte) (V, error)

	col     *collection.Collection[string, V]
	lastSeq int64
	stop    func()
}

// Option configures a Source at construction time.
type Option[V any] func(*Source[V])

// WithTableNames overrides the default rows/changelog table names. Names
// are sanitized via pgx.Identifier since they are interpolated into SQL
// with fmt.Sprintf.
func WithTableNames[V any](rows, changelog string) Option[V] {
	return func(s *Source[V]) {
		s.rowsTable = pgx.Identifier{rows}.Sanitize()
		s.changelogTable = pgx.Identifier{changelog}.Sanitize()
	}
}

// WithPollInterval overrides the default 200ms changelog poll cadence.
func WithPollInterval[V any](d time.Duration) Option[V] {
	return func(s *Source[V]) { s.pollInterval = d }
}

// WithBatchSize overrides the default 500-row-per-poll changelog fetch
// size.
func WithBatchSize[V any](n int) Option[V] {
	return func(s *Source[V]) { s.batchSize = n }
}

// New constructs a Source. getKey derives a row's primary key; encode/decode
// round-trip a row through the rows/changelog tables' JSONB data column.
func New[V any](db Querier, getKey func(V) string, encode func(V) ([]byte, error), decode func([]byte) (V, error), opts ...Option[V]) *Source[V] {
	s := &Source[V]{
		db:             db,
		rowsTable:      defaultRowsTable,
		changelogTable: defaultChangelogTable,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		getKey:         getKey,
		encode:         encode,
		decode:         decode,
		col:            collection.New(getKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection exposes the backing collection, for registering indexes.
func (s *Source[V]) Collection() *collection.Collection[string, V] { return s.col }

func (s *Source[V]) Get(pk string) (V, bool)  { return s.col.Get(pk) }
func (s *Source[V]) Size() int                { return s.col.Size() }
func (s *Source[V]) Status() collection.Status { return s.col.Status() }

func (s *Source[V]) CurrentStateAsChanges(opts collection.SubscribeOptions[V]) []collection.Change[string, V] {
	return s.col.CurrentStateAsChanges(opts)
}

func (s *Source[V]) SubscribeChanges(cb func([]collection.Change[string, V]), opts collection.SubscribeOptions[V]) func() {
	return s.col.SubscribeChanges(cb, opts)
}

func (s *Source[V]) Index(name string) (*index.Index[string, V], bool) {
	return s.col.Index(name)
}

// AddIndex registers ix under name on the backing collection.
func (s *Source[V]) AddIndex(name string, ix *index.Index[string, V]) error {
	return s.col.AddIndex(name, ix)
}

// Start ensures the schema exists, loads the current rows table in full as
// the initial snapshot, records the changelog's current high-water seq,
// and begins polling for new changelog rows. It blocks until the initial
// load completes; the poll loop runs in a background goroutine until ctx
// is canceled or Close is called.
func (s *Source[V]) Start(ctx context.Context) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.col.SetStatus(collection.StatusLoading); err != nil {
		return err
	}

	if err := s.loadInitialState(ctx); err != nil {
		_ = s.col.SetStatus(collection.StatusError)
		return err
	}
	if err := s.col.SetStatus(collection.StatusInitialCommit); err != nil {
		return err
	}
	if err := s.col.SetStatus(collection.StatusReady); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	go s.pollLoop(pollCtx)
	return nil
}

// Close stops the poll loop. It does not transition the collection's
// status; callers that want the source's rows visibly torn down should do
// so explicitly via Collection().SetStatus.
func (s *Source[V]) Close() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Source[V]) loadInitialState(ctx context.Context) error {
	query := fmt.Sprintf(`SELECT data FROM %s ORDER BY pk ASC`, s.rowsTable)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("pgsource: initial load: %w", err)
	}
	defer rows.Close()

	var changes []collection.Change[string, V]
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("pgsource: scan row: %w", err)
		}
		v, err := s.decode(raw)
		if err != nil {
			return fmt.Errorf("pgsource: decode row: %w", err)
		}
		changes = append(changes, collection.Change[string, V]{Type: collection.Insert, Key: s.getKey(v), Value: v})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pgsource: iterate rows: %w", err)
	}
	if len(changes) > 0 {
		if err := s.col.Apply(changes); err != nil {
			return fmt.Errorf("pgsource: apply initial state: %w", err)
		}
	}

	seqQuery := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, s.changelogTable)
	if err := s.db.QueryRow(ctx, seqQuery).Scan(&s.lastSeq); err != nil {
		return fmt.Errorf("pgsource: read high-water seq: %w", err)
	}
	return nil
}

func (s *Source[V]) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				slog.Error("pgsource: poll failed", "changelog_table", s.changelogTable, "error", err)
			}
		}
	}
}

func (s *Source[V]) pollOnce(ctx context.Context) error {
	query := fmt.Sprintf(`SELECT seq, pk, op, data FROM %s WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, s.changelogTable)
	rows, err := s.db.Query(ctx, query, s.lastSeq, s.batchSize)
	if err != nil {
		return fmt.Errorf("pgsource: poll query: %w", err)
	}
	defer rows.Close()

	var changes []collection.Change[string, V]
	maxSeq := s.lastSeq
	for rows.Next() {
		var seq int64
		var pk, op string
		var raw []byte
		if err := rows.Scan(&seq, &pk, &op, &raw); err != nil {
			return fmt.Errorf("pgsource: scan changelog row: %w", err)
		}
		maxSeq = seq

		switch op {
		case "insert":
			v, err := s.decode(raw)
			if err != nil {
				return fmt.Errorf("pgsource: decode insert: %w", err)
			}
			changes = append(changes, collection.Change[string, V]{Type: collection.Insert, Key: pk, Value: v})
		case "update":
			v, err := s.decode(raw)
			if err != nil {
				return fmt.Errorf("pgsource: decode update: %w", err)
			}
			prev, _ := s.col.Get(pk)
			changes = append(changes, collection.Change[string, V]{
				Type: collection.Update, Key: pk, Value: v, PreviousValue: prev, HasPrevious: true,
			})
		case "delete":
			prev, _ := s.col.Get(pk)
			changes = append(changes, collection.Change[string, V]{Type: collection.Delete, Key: pk, Value: prev})
		default:
			return fmt.Errorf("pgsource: unknown changelog op %q at seq %d", op, seq)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("pgsource: iterate changelog: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}
	if err := s.col.Apply(changes); err != nil {
		return fmt.Errorf("pgsource: apply changelog batch: %w", err)
	}
	s.lastSeq = maxSeq
	return nil
}

// Insert writes a new row to the rows table and appends an "insert"
// changelog entry, atomically when db is a TxQuerier.
func (s *Source[V]) Insert(ctx context.Context, v V) error {
	data, err := s.encode(v)
	if err != nil {
		return fmt.Errorf("pgsource: encode: %w", err)
	}
	pk := s.getKey(v)
	return s.writeChange(ctx, pk, "insert", data, func(q Querier) error {
		_, err := q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (pk, data) VALUES ($1, $2)`, s.rowsTable), pk, data)
		return err
	})
}

// Update overwrites an existing row in the rows table and appends an
// "update" changelog entry.
func (s *Source[V]) Update(ctx context.Context, v V) error {
	data, err := s.encode(v)
	if err != nil {
		return fmt.Errorf("pgsource: encode: %w", err)
	}
	pk := s.getKey(v)
	return s.writeChange(ctx, pk, "update", data, func(q Querier) error {
		_, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET data = $2, updated_at = NOW() WHERE pk = $1`, s.rowsTable), pk, data)
		return err
	})
}

// Delete removes pk from the rows table and appends a "delete" changelog
// entry (with a nil data column).
func (s *Source[V]) Delete(ctx context.Context, pk string) error {
	return s.writeChange(ctx, pk, "delete", nil, func(q Querier) error {
		_, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pk = $1`, s.rowsTable), pk)
		return err
	})
}

// writeChange performs rowsMutation, then appends the changelog entry,
// inside a transaction when db implements TxQuerier, or sequentially
// otherwise, matching pgmemory.PopLastMessage's atomic/fallback split.
func (s *Source[V]) writeChange(ctx context.Context, pk, op string, data []byte, rowsMutation func(Querier) error) error {
	changelogSQL := fmt.Sprintf(`INSERT INTO %s (pk, op, data) VALUES ($1, $2, $3)`, s.changelogTable)

	if txDB, ok := s.db.(TxQuerier); ok {
		tx, err := txDB.Begin(ctx)
		if err != nil {
			return fmt.Errorf("pgsource: begin tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := rowsMutation(tx); err != nil {
			return fmt.Errorf("pgsource: %s rows: %w", op, err)
		}
		if _, err := tx.Exec(ctx, changelogSQL, pk, op, data); err != nil {
			return fmt.Errorf("pgsource: %s changelog: %w", op, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("pgsource: commit tx: %w", err)
		}
		return nil
	}

	if err := rowsMutation(s.db); err != nil {
		return fmt.Errorf("pgsource: %s rows: %w", op, err)
	}
	if _, err := s.db.Exec(ctx, changelogSQL, pk, op, data); err != nil {
		return fmt.Errorf("pgsource: %s changelog: %w", op, err)
	}
	return nil
}

// JSONEncode and JSONDecode are convenience encode/decode funcs for New
// when V round-trips cleanly through encoding/json.
func JSONEncode[V any](v V) ([]byte, error) { return json.Marshal(v) }

func JSONDecode[V any](raw []byte) (V, error) {
	var v V
	err := json.Unmarshal(raw, &v)
	return v, err
}
