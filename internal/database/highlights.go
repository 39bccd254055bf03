package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/radio-archive/internal/episode"
)

// Highlight is a user-marked time range within an episode's transcript.
type Highlight struct {
	ID           int64     `json:"id"`
	EpisodeID    int64     `json:"episode_id"`
	StartSeconds float64   `json:"start_seconds"`
	EndSeconds   float64   `json:"end_seconds"`
	Text         string    `json:"text"`
	Note         *string   `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateHighlight stores h and fills in its id and creation time. When
// Text is empty it is taken from the transcript results overlapping the
// range.
func (db *DB) CreateHighlight(ctx context.Context, h *Highlight) error {
	if h.EndSeconds < h.StartSeconds {
		return repoErr("create highlight", fmt.Errorf("end %.1fs before start %.1fs", h.EndSeconds, h.StartSeconds))
	}
	if h.Text == "" {
		e, err := db.GetEpisode(ctx, h.EpisodeID)
		if err != nil {
			return err
		}
		h.Text = TextInRange(e.Transcript, h.StartSeconds, h.EndSeconds)
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO highlight (episode_id, start_seconds, end_seconds, text, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		h.EpisodeID, h.StartSeconds, h.EndSeconds, h.Text, h.Note,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return repoErr("create highlight", err)
	}
	return nil
}

func (db *DB) ListHighlights(ctx context.Context, episodeID int64) ([]Highlight, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, episode_id, start_seconds, end_seconds, text, note, created_at
		FROM highlight
		WHERE episode_id = $1
		ORDER BY start_seconds, id`, episodeID)
	if err != nil {
		return nil, repoErr("list highlights", err)
	}
	defer rows.Close()

	out := []Highlight{}
	for rows.Next() {
		var h Highlight
		if err := rows.Scan(&h.ID, &h.EpisodeID, &h.StartSeconds, &h.EndSeconds, &h.Text, &h.Note, &h.CreatedAt); err != nil {
			return nil, repoErr("list highlights", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list highlights", err)
	}
	return out, nil
}

func (db *DB) DeleteHighlight(ctx context.Context, id int64) error {
	var deleted int64
	err := db.Pool.QueryRow(ctx, `DELETE FROM highlight WHERE id = $1 RETURNING id`, id).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return episode.ErrNotFound
	}
	if err != nil {
		return repoErr("delete highlight", err)
	}
	return nil
}

// TextInRange joins the best alternative of every result whose span
// overlaps [start, end], in episode time. A result's span runs from the
// previous result's offset (or its segment's start) to its own offset.
func TextInRange(t episode.Transcript, start, end float64) string {
	var parts []string
	for _, seg := range t {
		prev := seg.StartSeconds
		for _, r := range seg.Results {
			spanEnd := seg.StartSeconds + r.Offset
			if spanEnd >= start && prev <= end && len(r.Alternatives) > 0 {
				if s := r.Alternatives[0].Transcript; s != "" {
					parts = append(parts, s)
				}
			}
			prev = spanEnd
		}
	}
	return strings.Join(parts, " ")
}
