package database

import (
	"context"
	"encoding/json"

	"github.com/snarg/radio-archive/internal/episode"
)

// UpsertProgramme inserts a programme keyed by (channel_id, url), or
// refreshes its title and metadata. A known source key or source
// programme id is never overwritten with an empty one.
func (db *DB) UpsertProgramme(ctx context.Context, p episode.Programme) (int64, error) {
	var data any
	if len(p.Data) > 0 {
		data = []byte(p.Data)
	}
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO programme (channel_id, title, url, source_key, programme_id_on_channel, data)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (channel_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			source_key = COALESCE(EXCLUDED.source_key, programme.source_key),
			programme_id_on_channel = COALESCE(EXCLUDED.programme_id_on_channel, programme.programme_id_on_channel),
			data = COALESCE(EXCLUDED.data, programme.data),
			updated_at = now()
		RETURNING id`,
		p.ChannelID, p.Title, p.URL, pqString(p.SourceKey), p.ProgrammeIDOnChannel, data,
	).Scan(&id)
	if err != nil {
		return 0, repoErr("upsert programme", err)
	}
	return id, nil
}

// ListProgrammes returns every programme of a channel ordered by title.
func (db *DB) ListProgrammes(ctx context.Context, channelID int) ([]episode.Programme, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, channel_id, title, url, COALESCE(source_key, ''), programme_id_on_channel, data
		FROM programme
		WHERE channel_id = $1
		ORDER BY title, id`, channelID)
	if err != nil {
		return nil, repoErr("list programmes", err)
	}
	defer rows.Close()

	var out []episode.Programme
	for rows.Next() {
		var p episode.Programme
		var data []byte
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.Title, &p.URL, &p.SourceKey, &p.ProgrammeIDOnChannel, &data); err != nil {
			return nil, repoErr("list programmes", err)
		}
		if len(data) > 0 {
			p.Data = json.RawMessage(data)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("list programmes", err)
	}
	return out, nil
}

// SetProgrammeSourceID records the source-native programme id resolved
// from the programme's page.
func (db *DB) SetProgrammeSourceID(ctx context.Context, id, sourceID int64) error {
	return db.execOne(ctx, "set programme source id",
		`UPDATE programme SET programme_id_on_channel = $2, updated_at = now() WHERE id = $1`,
		id, sourceID)
}
