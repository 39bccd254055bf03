package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/radio-archive/internal/episode"
)

// SearchMode selects how the query string is matched against transcripts.
type SearchMode string

const (
	// SearchContains is a case-insensitive substring match.
	SearchContains SearchMode = "contains"
	// SearchRegex is a case-insensitive POSIX regular expression.
	SearchRegex SearchMode = "regex"
	// SearchBoolean is full-text search with web-style operators
	// ("quoted phrases", or, -exclusion).
	SearchBoolean SearchMode = "boolean"
)

// ParseSearchMode maps the API's type parameter to a mode. Empty means
// contains.
func ParseSearchMode(s string) (SearchMode, error) {
	switch m := SearchMode(strings.ToLower(s)); m {
	case "":
		return SearchContains, nil
	case SearchContains, SearchRegex, SearchBoolean:
		return m, nil
	}
	return "", fmt.Errorf("unknown search type %q (want contains, regex or boolean)", s)
}

type SearchFilter struct {
	Query     string
	Mode      SearchMode
	ChannelID *int
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// SearchHit is a transcribed episode matching a search, without the full
// transcript body.
type SearchHit struct {
	ID                   int64     `json:"id"`
	ChannelID            int       `json:"channel_id"`
	Source               string    `json:"source"`
	ProgrammeIDOnChannel int64     `json:"programme_id_on_channel"`
	ProgrammeTitle       *string   `json:"programme_title,omitempty"`
	PageURL              string    `json:"page_url,omitempty"`
	AirDate              time.Time `json:"air_date"`
	Runtime              int       `json:"runtime"`
	Snippet              string    `json:"snippet"`
}

const snippetRadius = 120

// SearchEpisodes returns transcribed canonical episodes matching the
// filter, newest first, and the total match count. Duplicates are never
// returned.
func (db *DB) SearchEpisodes(ctx context.Context, f SearchFilter) ([]SearchHit, int, error) {
	if strings.TrimSpace(f.Query) == "" {
		return nil, 0, repoErr("search episodes", fmt.Errorf("empty query"))
	}
	if f.Mode == "" {
		f.Mode = SearchContains
	}

	qb := newQueryBuilder()
	qb.AddRaw("e.duplicate_of IS NULL")
	qb.AddRaw("e.transcripts IS NOT NULL")
	switch f.Mode {
	case SearchContains:
		qb.Add("strpos(lower(e.transcript_text), lower(%s)) > 0", f.Query)
	case SearchRegex:
		qb.Add("e.transcript_text ~* %s", f.Query)
	case SearchBoolean:
		qb.Add("e.search_vector @@ websearch_to_tsquery('simple', %s)", f.Query)
	default:
		return nil, 0, repoErr("search episodes", fmt.Errorf("unknown search mode %q", f.Mode))
	}
	if f.ChannelID != nil {
		qb.Add("e.channel_id = %s", *f.ChannelID)
	}
	if f.From != nil {
		qb.Add("e.air_date >= %s", *f.From)
	}
	if f.To != nil {
		qb.Add("e.air_date < %s", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	query := fmt.Sprintf(`
		SELECT e.id, e.channel_id, e.programme_id_on_channel, p.title,
			COALESCE(e.page_url, ''), e.air_date, e.runtime,
			COALESCE(e.transcript_text, ''),
			count(*) OVER () AS total
		FROM episode e
		LEFT JOIN LATERAL (
			SELECT title FROM programme
			WHERE channel_id = e.channel_id AND programme_id_on_channel = e.programme_id_on_channel
			ORDER BY id LIMIT 1
		) p ON true
		%s
		ORDER BY e.air_date DESC, e.id DESC
		LIMIT %d OFFSET %d`, qb.WhereClause(), limit, offset)

	rows, err := db.Pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, 0, repoErr("search episodes", err)
	}
	defer rows.Close()

	var (
		hits  []SearchHit
		total int
	)
	for rows.Next() {
		var h SearchHit
		var text string
		if err := rows.Scan(&h.ID, &h.ChannelID, &h.ProgrammeIDOnChannel, &h.ProgrammeTitle,
			&h.PageURL, &h.AirDate, &h.Runtime, &text, &total); err != nil {
			return nil, 0, repoErr("search episodes", err)
		}
		if src, ok := episode.SourceForChannel(h.ChannelID); ok {
			h.Source = string(src)
		}
		h.Snippet = Snippet(text, f.Query, f.Mode, snippetRadius)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, repoErr("search episodes", err)
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return hits, total, nil
}

// Snippet cuts a window of about radius runes either side of the first
// literal match of query in text. Regex and boolean queries have no
// literal position, so they fall back to the head of the transcript.
func Snippet(text, query string, mode SearchMode, radius int) string {
	runes := []rune(text)
	center := 0
	if mode == SearchContains {
		if i := strings.Index(strings.ToLower(text), strings.ToLower(query)); i >= 0 {
			center = len([]rune(text[:i]))
		}
	}
	start := max(center-radius, 0)
	end := min(center+radius, len(runes))
	s := strings.ReplaceAll(string(runes[start:end]), "\n", " ")
	if start > 0 {
		s = "…" + s
	}
	if end < len(runes) {
		s += "…"
	}
	return s
}

// StatusCount is the number of episodes of one channel in one status.
type StatusCount struct {
	ChannelID  int            `json:"channel_id"`
	Source     string         `json:"source"`
	Status     episode.Status `json:"status"`
	Count      int64          `json:"count"`
	Duplicates int64          `json:"duplicates"`
}

// StatusCounts summarizes the pipeline backlog per channel and status.
func (db *DB) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT channel_id, download_status, count(*),
			count(*) FILTER (WHERE duplicate_of IS NOT NULL)
		FROM episode
		GROUP BY channel_id, download_status
		ORDER BY channel_id, download_status`)
	if err != nil {
		return nil, repoErr("status counts", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		var status string
		if err := rows.Scan(&c.ChannelID, &status, &c.Count, &c.Duplicates); err != nil {
			return nil, repoErr("status counts", err)
		}
		c.Status = episode.Status(status)
		if src, ok := episode.SourceForChannel(c.ChannelID); ok {
			c.Source = string(src)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("status counts", err)
	}
	return out, nil
}
