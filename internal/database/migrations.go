package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add episode.partial_transcripts",
		sql:   `ALTER TABLE episode ADD COLUMN IF NOT EXISTS partial_transcripts jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'episode' AND column_name = 'partial_transcripts')`,
	},
	{
		name: "add episode claim columns",
		sql: `ALTER TABLE episode
			ADD COLUMN IF NOT EXISTS claimed_by text,
			ADD COLUMN IF NOT EXISTS claimed_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'episode' AND column_name = 'claimed_at')`,
	},
	{
		name: "add episode full-text search columns",
		sql: `ALTER TABLE episode ADD COLUMN IF NOT EXISTS transcript_text text;
ALTER TABLE episode ADD COLUMN IF NOT EXISTS search_vector tsvector
    GENERATED ALWAYS AS (to_tsvector('simple', coalesce(transcript_text, ''))) STORED;
CREATE INDEX IF NOT EXISTS idx_episode_search ON episode USING gin (search_vector)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'episode' AND column_name = 'search_vector')`,
	},
	{
		name: "backfill episode.transcript_text",
		sql: `UPDATE episode e SET transcript_text = (
    SELECT string_agg(r->'alternatives'->0->>'transcript', E'\n')
    FROM jsonb_array_elements(e.transcripts) seg, jsonb_array_elements(seg->'results') r
    WHERE r->'alternatives'->0->>'transcript' <> ''
) WHERE e.transcripts IS NOT NULL AND e.transcript_text IS NULL`,
		check: `SELECT NOT EXISTS (SELECT 1 FROM episode WHERE transcripts IS NOT NULL AND transcript_text IS NULL)`,
	},
	{
		name: "add highlight table",
		sql: `CREATE TABLE IF NOT EXISTS highlight (
    id            bigserial PRIMARY KEY,
    episode_id    bigint NOT NULL REFERENCES episode (id),
    start_seconds double precision NOT NULL,
    end_seconds   double precision NOT NULL,
    text          text NOT NULL DEFAULT '',
    note          text,
    created_at    timestamptz NOT NULL DEFAULT now(),
    CONSTRAINT ck_highlight_range CHECK (end_seconds >= start_seconds)
);
CREATE INDEX IF NOT EXISTS idx_highlight_episode ON highlight (episode_id, start_seconds)`,
		check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'highlight')`,
	},
	{
		name:  "add episode content_hash index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_episode_content_hash ON episode (content_hash) WHERE content_hash IS NOT NULL`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_episode_content_hash')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned and the caller should treat this as fatal
// since the application's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	// Try to apply each pending migration
	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart radio-archive.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
