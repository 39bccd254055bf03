package episode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies a broadcaster feed. Each source maps to a fixed
// channel id in the episode table.
type Source string

const (
	SourceGLZ Source = "glz"
	SourceC14 Source = "c14"
)

// Sources lists every known source in channel-id order.
var Sources = []Source{SourceGLZ, SourceC14}

// ChannelID returns the channel id stored for this source.
func (s Source) ChannelID() int {
	switch s {
	case SourceGLZ:
		return 0
	case SourceC14:
		return 1
	}
	return -1
}

// ParseSource accepts a source name ("glz", "c14") case-insensitively.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if src.ChannelID() < 0 {
		return "", fmt.Errorf("unknown source %q (want glz or c14)", s)
	}
	return src, nil
}

// SourceForChannel maps a channel id back to its source.
func SourceForChannel(channelID int) (Source, bool) {
	for _, s := range Sources {
		if s.ChannelID() == channelID {
			return s, true
		}
	}
	return "", false
}

// Episode is one broadcast occurrence and the unit of pipeline work.
type Episode struct {
	ID                   int64           `json:"id"`
	ChannelID            int             `json:"channel_id"`
	ProgrammeIDOnChannel int64           `json:"programme_id_on_channel"`
	EpisodeIDOnChannel   int64           `json:"episode_id_on_channel"`
	FileURL              string          `json:"file_url,omitempty"`
	PageURL              string          `json:"page_url,omitempty"`
	AirDate              time.Time       `json:"air_date"`
	Runtime              int             `json:"runtime"`
	Data                 json.RawMessage `json:"data,omitempty"`
	Segments             []string        `json:"local_storage,omitempty"`
	Fingerprint          string          `json:"content_hash,omitempty"`
	DuplicateOf          *int64          `json:"duplicate_of,omitempty"`
	Status               Status          `json:"download_status"`
	ErrMsg               *string         `json:"err_msg,omitempty"`
	Transcript           Transcript      `json:"transcripts,omitempty"`
	Partial              Transcript      `json:"-"`
	ClaimedBy            string          `json:"-"`
	ClaimedAt            *time.Time      `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Source returns the episode's source, or "" for an unknown channel.
func (e *Episode) Source() Source {
	s, _ := SourceForChannel(e.ChannelID)
	return s
}

// Discovered is what extraction produces for a single episode. Lifecycle
// fields are deliberately absent: an upsert may only touch metadata.
type Discovered struct {
	Source               Source
	ProgrammeIDOnChannel int64
	EpisodeIDOnChannel   int64
	FileURL              string
	PageURL              string
	AirDate              time.Time
	Runtime              int
	Data                 json.RawMessage
}

// Programme is a show that owns episodes by source-native programme id.
type Programme struct {
	ID                   int64           `json:"id"`
	ChannelID            int             `json:"channel_id"`
	Title                string          `json:"title"`
	URL                  string          `json:"url"`
	SourceKey            string          `json:"source_key,omitempty"`
	ProgrammeIDOnChannel *int64          `json:"programme_id_on_channel,omitempty"`
	Data                 json.RawMessage `json:"data,omitempty"`
}
