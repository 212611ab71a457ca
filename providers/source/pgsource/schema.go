package pgsource

import (
	"context"
	"fmt"
)

// createRowsTableSQL holds one row per primary key: the live, current-state
// table this source's initial load reads from in full.
const createRowsTableSQL = `CREATE TABLE IF NOT EXISTS %s (
    pk         TEXT PRIMARY KEY,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// createChangelogTableSQL holds one row per mutation ever applied to the
// rows table, in commit order (seq is BIGSERIAL so it is monotonic
// regardless of timestamp collisions). Polling this table, rather than the
// rows table itself, is what lets pgsource deliver incremental Change
// batches instead of re-diffing a full snapshot on every tick.
const createChangelogTableSQL = `CREATE TABLE IF NOT EXISTS %s (
    seq        BIGSERIAL PRIMARY KEY,
    pk         TEXT NOT NULL,
    op         TEXT NOT NULL,
    data       JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const createChangelogSeqIndexSQL = `CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s (seq)`

// EnsureSchema creates the rows and changelog tables (and the changelog's
// seq index) if they do not already exist. Like pgmemory.EnsureSchema, this
// is a development/prototyping convenience; production deployments should
// manage schema with migration tooling.
func (s *Source[V]) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(createRowsTableSQL, s.rowsTable)); err != nil {
		return fmt.Errorf("pgsource: create rows table: %w", err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(createChangelogTableSQL, s.changelogTable)); err != nil {
		return fmt.Errorf("pgsource: create changelog table: %w", err)
	}
	idxSQL := fmt.Sprintf(createChangelogSeqIndexSQL, s.changelogTable, s.changelogTable)
	if _, err := s.db.Exec(ctx, idxSQL); err != nil {
		return fmt.Errorf("pgsource: create changelog seq index: %w", err)
	}
	return nil
}
