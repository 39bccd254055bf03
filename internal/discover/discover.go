// Package discover finds programmes and episodes on the broadcasters' web
// APIs and records them in the repository. It only ever upserts metadata;
// pipeline state is never touched.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/metrics"
)

// Store is the repository surface discovery writes through.
type Store interface {
	UpsertProgramme(ctx context.Context, p episode.Programme) (int64, error)
	ListProgrammes(ctx context.Context, channelID int) ([]episode.Programme, error)
	SetProgrammeSourceID(ctx context.Context, id, sourceID int64) error
	UpsertDiscovered(ctx context.Context, d episode.Discovered) (int64, bool, error)
}

// Result counts what a discovery run did.
type Result struct {
	Programmes int
	Found      int
	Inserted   int
	Updated    int
	Failed     int
}

func (r Result) MarshalZerologObject(e *zerolog.Event) {
	e.Int("programmes", r.Programmes).
		Int("found", r.Found).
		Int("inserted", r.Inserted).
		Int("updated", r.Updated).
		Int("failed", r.Failed)
}

// store upserts a batch of discovered episodes, counting failures rather
// than stopping on them.
func store(ctx context.Context, s Store, eps []episode.Discovered, res *Result, log zerolog.Logger) error {
	for _, d := range eps {
		res.Found++
		_, inserted, err := s.UpsertDiscovered(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed++
			log.Warn().Err(err).Int64("episode_id_on_channel", d.EpisodeIDOnChannel).Msg("episode upsert failed")
			continue
		}
		result := "updated"
		if inserted {
			res.Inserted++
			result = "inserted"
		} else {
			res.Updated++
		}
		metrics.DiscoveredEpisodesTotal.WithLabelValues(string(d.Source), result).Inc()
	}
	return nil
}

// ParseClock converts "H:M:S", "M:S" or "S" to seconds. Malformed input
// yields 0.
func ParseClock(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

var hexIDModulus = big.NewInt(1<<31 - 1)

// HexID folds a hex object id (24 hex digits on C14) into the int range
// the episode table keys on: int(hex, 16) mod (2^31 - 1).
func HexID(s string) (int64, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex id %q", s)
	}
	return n.Mod(n, hexIDModulus).Int64(), nil
}

// flexInt decodes a JSON number, a numeric string or null.
type flexInt struct {
	Value int64
	Valid bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = flexInt{}
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Unknown shapes are tolerated; the raw blob keeps the value.
		*f = flexInt{}
		return nil
	}
	*f = flexInt{Value: int64(n), Valid: true}
	return nil
}

// decodeItems splits a JSON array into its raw elements so each can be
// stored verbatim and decoded into a typed view independently.
func decodeItems(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}
