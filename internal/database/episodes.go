package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/radio-archive/internal/episode"
)

const episodeColumns = `id, channel_id, programme_id_on_channel, episode_id_on_channel,
	COALESCE(file_url, ''), COALESCE(page_url, ''), air_date, runtime, data,
	local_storage, COALESCE(content_hash, ''), duplicate_of, download_status, err_msg,
	transcripts, partial_transcripts, COALESCE(claimed_by, ''), claimed_at,
	created_at, updated_at`

func scanEpisode(row pgx.Row) (*episode.Episode, error) {
	var (
		e                          episode.Episode
		status                     string
		data, segments, transcript []byte
		partial                    []byte
	)
	err := row.Scan(
		&e.ID, &e.ChannelID, &e.ProgrammeIDOnChannel, &e.EpisodeIDOnChannel,
		&e.FileURL, &e.PageURL, &e.AirDate, &e.Runtime, &data,
		&segments, &e.Fingerprint, &e.DuplicateOf, &status, &e.ErrMsg,
		&transcript, &partial, &e.ClaimedBy, &e.ClaimedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.Status, err = episode.ParseStatus(status); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		e.Data = data
	}
	if err := unmarshalJSONB(segments, &e.Segments); err != nil {
		return nil, fmt.Errorf("episode %d local_storage: %w", e.ID, err)
	}
	if err := unmarshalJSONB(transcript, &e.Transcript); err != nil {
		return nil, fmt.Errorf("episode %d transcripts: %w", e.ID, err)
	}
	if err := unmarshalJSONB(partial, &e.Partial); err != nil {
		return nil, fmt.Errorf("episode %d partial_transcripts: %w", e.ID, err)
	}
	return &e, nil
}

// scanOptional maps "no row" to (nil, nil) for lookups that may come up
// empty.
func scanOptional(row pgx.Row) (*episode.Episode, error) {
	e, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func repoErr(op string, err error) error {
	return episode.Wrap(episode.ErrRepository, op, err)
}

// pendingWhere adds the conditions shared by every pickup query: the
// source's channel, not a duplicate, not transcribed, plus the source's
// configured filters.
func (db *DB) pendingWhere(qb *queryBuilder, src episode.Source, alias string) {
	qb.Add(alias+"channel_id = %s", src.ChannelID())
	qb.AddRaw(alias + "duplicate_of IS NULL")
	qb.AddRaw(alias + "transcripts IS NULL")
	f := db.eligibility[src]
	if f.MinAirDate != nil {
		qb.Add(alias+"air_date > %s", *f.MinAirDate)
	}
	if f.ExcludePageContains != "" {
		qb.Add("("+alias+"page_url IS NULL OR strpos("+alias+"page_url, %s) = 0)", f.ExcludePageContains)
	}
}

// NextEligible returns the oldest episode of src that has never been
// staged, is not in error, is not a duplicate and has no transcript. It
// does not claim the row; see ClaimNext.
func (db *DB) NextEligible(ctx context.Context, src episode.Source) (*episode.Episode, error) {
	qb := newQueryBuilder()
	db.pendingWhere(qb, src, "")
	qb.AddRaw("local_storage IS NULL")
	qb.AddRaw("download_status <> 'error'")

	e, err := scanOptional(db.Pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episode`+qb.WhereClause()+` ORDER BY air_date, id LIMIT 1`,
		qb.Args()...,
	))
	if err != nil {
		return nil, repoErr("next eligible", err)
	}
	return e, nil
}

// ClaimNext atomically selects and marks in_progress the next episode of
// src for owner. Candidates are eligible never-staged episodes and
// in_progress episodes whose lease is released or older than lease, so a
// crashed attempt is resumed rather than restarted. Returns (nil, nil)
// when nothing is left.
func (db *DB) ClaimNext(ctx context.Context, src episode.Source, owner string, lease time.Duration) (*episode.Episode, error) {
	qb := newQueryBuilder()
	db.pendingWhere(qb, src, "c.")
	leaseArg := qb.Arg(lease.Seconds())
	qb.AddRaw(`((c.download_status = 'not_downloaded' AND c.local_storage IS NULL)
		OR (c.download_status = 'in_progress'
			AND (c.claimed_by IS NULL OR c.claimed_at IS NULL OR c.claimed_at < now() - ` + leaseArg + ` * interval '1 second')))`)
	ownerArg := qb.Arg(owner)

	query := `UPDATE episode SET
			download_status = 'in_progress',
			claimed_by = ` + ownerArg + `,
			claimed_at = now(),
			updated_at = now()
		WHERE id = (
			SELECT c.id FROM episode c
			WHERE ` + qb.Conditions() + `
			ORDER BY c.air_date, c.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + episodeColumns

	e, err := scanOptional(db.Pool.QueryRow(ctx, query, qb.Args()...))
	if err != nil {
		return nil, repoErr("claim next", err)
	}
	return e, nil
}

// Heartbeat extends owner's lease on an episode. Fails with
// episode.ErrClaimLost if the lease now belongs to someone else.
func (db *DB) Heartbeat(ctx context.Context, id int64, owner string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE episode SET claimed_at = now() WHERE id = $1 AND claimed_by = $2`,
		id, owner,
	)
	if err != nil {
		return repoErr("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return repoErr("heartbeat", fmt.Errorf("episode %d: %w", id, episode.ErrClaimLost))
	}
	return nil
}

// allowedFrom lists every status that may transition to `to`.
func allowedFrom(to episode.Status) []string {
	var from []string
	for _, s := range []episode.Status{
		episode.StatusNotDownloaded,
		episode.StatusInProgress,
		episode.StatusDownloaded,
		episode.StatusError,
	} {
		if episode.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

// UpdateStatus moves an episode to status, recording errMsg (nil clears
// it). The write only applies if the current status may legally move to
// the new one; otherwise it fails with episode.ErrConflict. Leaving
// in_progress releases the claim.
func (db *DB) UpdateStatus(ctx context.Context, id int64, status episode.Status, errMsg *string) error {
	if !status.Valid() {
		return repoErr("update status", fmt.Errorf("invalid status %q", status))
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE episode SET
			download_status = $2,
			err_msg = $3,
			claimed_by = CASE WHEN $2 = 'in_progress' THEN claimed_by END,
			claimed_at = CASE WHEN $2 = 'in_progress' THEN claimed_at END,
			updated_at = now()
		WHERE id = $1 AND download_status = ANY($4)`,
		id, string(status), errMsg, allowedFrom(status),
	)
	if err != nil {
		return repoErr("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return repoErr("update status", db.missingOrConflict(ctx, id, fmt.Sprintf("cannot move to %s", status)))
	}
	return nil
}

func (db *DB) missingOrConflict(ctx context.Context, id int64, what string) error {
	var current string
	err := db.Pool.QueryRow(ctx, `SELECT download_status FROM episode WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("episode %d: %w", id, episode.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("episode %d is %s, %s: %w", id, current, what, episode.ErrConflict)
}

func (db *DB) SetFingerprint(ctx context.Context, id int64, digest string) error {
	return db.execOne(ctx, "set fingerprint",
		`UPDATE episode SET content_hash = $2, updated_at = now() WHERE id = $1`,
		id, digest)
}

// dedupTargetSQL selects the canonical episode a duplicate should point
// at: transcribed episodes first, then the oldest. Episodes in error are
// skipped since their content may never be transcribed.
const dedupTargetSQL = `SELECT ` + episodeColumns + ` FROM episode
	WHERE content_hash = $1 AND id <> $2 AND duplicate_of IS NULL
	  AND download_status <> 'error'
	ORDER BY (transcripts IS NULL), id
	LIMIT 1`

// FindByFingerprint returns the canonical episode other than excludeID
// whose content matches digest, or nil.
func (db *DB) FindByFingerprint(ctx context.Context, digest string, excludeID int64) (*episode.Episode, error) {
	e, err := scanOptional(db.Pool.QueryRow(ctx, dedupTargetSQL, digest, excludeID))
	if err != nil {
		return nil, repoErr("find by fingerprint", err)
	}
	return e, nil
}

// ClaimFingerprint records digest on episode id unless another canonical
// episode already holds it. In that case the holder is returned and id is
// left unchanged. Claims of the same digest are serialized by a
// transaction-scoped advisory lock, so of two workers holding identical
// content exactly one ends up canonical.
func (db *DB) ClaimFingerprint(ctx context.Context, id int64, digest string) (*episode.Episode, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, repoErr("claim fingerprint", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, digest); err != nil {
		return nil, repoErr("claim fingerprint", fmt.Errorf("lock digest: %w", err))
	}
	holder, err := scanOptional(tx.QueryRow(ctx, dedupTargetSQL, digest, id))
	if err != nil {
		return nil, repoErr("claim fingerprint", err)
	}
	if holder != nil {
		return holder, nil
	}
	tag, err := tx.Exec(ctx,
		`UPDATE episode SET content_hash = $2, updated_at = now() WHERE id = $1`,
		id, digest)
	if err != nil {
		return nil, repoErr("claim fingerprint", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repoErr("claim fingerprint", episode.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, repoErr("claim fingerprint", fmt.Errorf("commit: %w", err))
	}
	return nil, nil
}

// SetDuplicate links id to targetID and copies the target's fingerprint
// in the same statement, so the two can never disagree.
func (db *DB) SetDuplicate(ctx context.Context, id, targetID int64) error {
	if id == targetID {
		return repoErr("set duplicate", fmt.Errorf("episode %d cannot duplicate itself", id))
	}
	return db.execOne(ctx, "set duplicate",
		`UPDATE episode e SET duplicate_of = t.id, content_hash = t.content_hash, updated_at = now()
		FROM episode t
		WHERE e.id = $1 AND t.id = $2`,
		id, targetID)
}

// SetSegments records the ordered segment names. nil clears the list.
func (db *DB) SetSegments(ctx context.Context, id int64, names []string) error {
	raw, err := marshalJSONB(names)
	if err != nil {
		return repoErr("set segments", err)
	}
	return db.execOne(ctx, "set segments",
		`UPDATE episode SET local_storage = $2::jsonb, updated_at = now() WHERE id = $1`,
		id, raw)
}

// AppendPartialTranscript checkpoints one finished segment. The append
// only applies when exactly part.Index-1 parts are already stored, so a
// replayed or out-of-order append fails with episode.ErrConflict.
func (db *DB) AppendPartialTranscript(ctx context.Context, id int64, part episode.SegmentTranscript) error {
	raw, err := json.Marshal(part)
	if err != nil {
		return repoErr("append partial transcript", err)
	}
	tag, err := db.Pool.Exec(ctx,
		`UPDATE episode SET
			partial_transcripts = COALESCE(partial_transcripts, '[]'::jsonb) || jsonb_build_array($2::jsonb),
			updated_at = now()
		WHERE id = $1 AND jsonb_array_length(COALESCE(partial_transcripts, '[]'::jsonb)) = $3`,
		id, raw, part.Index-1,
	)
	if err != nil {
		return repoErr("append partial transcript", err)
	}
	if tag.RowsAffected() == 0 {
		return repoErr("append partial transcript",
			db.missingOrConflict(ctx, id, fmt.Sprintf("segment %d is not next", part.Index)))
	}
	return nil
}

func (db *DB) ResetPartialTranscripts(ctx context.Context, id int64) error {
	return db.execOne(ctx, "reset partial transcripts",
		`UPDATE episode SET partial_transcripts = NULL, updated_at = now() WHERE id = $1`,
		id)
}

// SetTranscript stores the final transcript and its flattened text for
// search, and drops the per-segment checkpoints it supersedes.
func (db *DB) SetTranscript(ctx context.Context, id int64, t episode.Transcript) error {
	if t == nil {
		t = episode.Transcript{}
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return repoErr("set transcript", err)
	}
	return db.execOne(ctx, "set transcript",
		`UPDATE episode SET
			transcripts = $2::jsonb,
			transcript_text = $3,
			partial_transcripts = NULL,
			updated_at = now()
		WHERE id = $1`,
		id, raw, t.Text())
}

const upsertDiscoveredSQL = `INSERT INTO episode (channel_id, programme_id_on_channel, episode_id_on_channel,
		file_url, page_url, air_date, runtime, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	ON CONFLICT (channel_id, episode_id_on_channel) DO UPDATE SET
		programme_id_on_channel = EXCLUDED.programme_id_on_channel,
		file_url = EXCLUDED.file_url,
		page_url = EXCLUDED.page_url,
		air_date = EXCLUDED.air_date,
		runtime = EXCLUDED.runtime,
		data = EXCLUDED.data,
		updated_at = now()
	RETURNING id, (xmax = 0)`

// UpsertDiscovered inserts a newly discovered episode or refreshes the
// metadata of a known one. Lifecycle, dedup and transcript columns are
// never touched on conflict.
func (db *DB) UpsertDiscovered(ctx context.Context, d episode.Discovered) (id int64, inserted bool, err error) {
	ch := d.Source.ChannelID()
	if ch < 0 {
		return 0, false, repoErr("upsert discovered", fmt.Errorf("unknown source %q", d.Source))
	}
	var data any
	if len(d.Data) > 0 {
		data = []byte(d.Data)
	}
	err = db.Pool.QueryRow(ctx, upsertDiscoveredSQL,
		ch, d.ProgrammeIDOnChannel, d.EpisodeIDOnChannel,
		pqString(d.FileURL), pqString(d.PageURL), d.AirDate, d.Runtime, data,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, repoErr("upsert discovered", err)
	}
	return id, inserted, nil
}

// GetEpisode returns one episode by id, or episode.ErrNotFound.
func (db *DB) GetEpisode(ctx context.Context, id int64) (*episode.Episode, error) {
	e, err := scanEpisode(db.Pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM episode WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, episode.ErrNotFound
	}
	if err != nil {
		return nil, repoErr("get episode", err)
	}
	return e, nil
}

// execOne runs a single-row write and reports a missing row as
// episode.ErrNotFound.
func (db *DB) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return repoErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return repoErr(op, episode.ErrNotFound)
	}
	return nil
}

func marshalJSONB(v []string) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
