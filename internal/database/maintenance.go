package database

import (
	"context"

	"github.com/snarg/radio-archive/internal/episode"
)

// ResetFilter narrows which failed episodes ResetErrors touches. The zero
// value resets every failed episode.
type ResetFilter struct {
	Source *episode.Source
	IDs    []int64
}

// ResetErrors makes failed episodes eligible again and returns how many
// were reset. Episodes that never staged segments go back to
// not_downloaded. Episodes with staged segments become unclaimed
// in_progress so the next claim resumes them instead of starting over.
func (db *DB) ResetErrors(ctx context.Context, f ResetFilter) (int64, error) {
	var channel *int
	if f.Source != nil {
		ch := f.Source.ChannelID()
		channel = &ch
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episode SET
			download_status = CASE WHEN local_storage IS NULL THEN 'not_downloaded' ELSE 'in_progress' END,
			err_msg = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE download_status = 'error'
		  AND ($1::int IS NULL OR channel_id = $1)
		  AND ($2::bigint[] IS NULL OR id = ANY($2))`,
		pqIntPtr(channel), pqInt64Array(f.IDs),
	)
	if err != nil {
		return 0, repoErr("reset errors", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseClaim drops owner's lease on one episode, leaving it
// in_progress for the next claim to resume.
func (db *DB) ReleaseClaim(ctx context.Context, id int64, owner string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE episode SET claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2`,
		id, owner)
	return repoErr("release claim", err)
}

// ReleaseClaims drops every lease held by owner. Run at startup so a
// worker that crashed under the same id resumes its own work at once.
func (db *DB) ReleaseClaims(ctx context.Context, owner string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE episode SET claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE claimed_by = $1`,
		owner)
	if err != nil {
		return 0, repoErr("release claims", err)
	}
	return tag.RowsAffected(), nil
}
