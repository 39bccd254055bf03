package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
)

// C14Episode is the typed view of one series-API episode. Every field is
// optional; the raw item is stored as the episode's metadata.
type C14Episode struct {
	ID       string  `json:"id"`
	Serie    string  `json:"serie"`
	Title    string  `json:"title"`
	VideoURL string  `json:"videoUrl"`
	Date     flexInt `json:"date"`
	AirDate  flexInt `json:"airDate"`
	Duration string  `json:"duration"`
}

// Aired returns the episode's broadcast time from date, falling back to
// airDate. Both are epoch milliseconds.
func (e C14Episode) Aired() time.Time {
	ms := int64(0)
	switch {
	case e.Date.Valid && e.Date.Value != 0:
		ms = e.Date.Value
	case e.AirDate.Valid:
		ms = e.AirDate.Value
	}
	return time.UnixMilli(ms).UTC()
}

// C14Programme is the typed view of one show on the VOD shows page.
type C14Programme struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type c14Sections struct {
	Sections []struct {
		Items json.RawMessage `json:"items"`
	} `json:"sections"`
}

type c14Series struct {
	Seasons []struct {
		Episodes json.RawMessage `json:"episodes"`
	} `json:"seasons"`
}

type C14Options struct {
	ShowsPageURL string
	SeriesAPIURL string
	VODBaseURL   string
	Client       *download.Client
	Store        Store
	Log          zerolog.Logger
}

// C14 discovers shows from the VOD shows page and episodes from the series
// API.
type C14 struct {
	showsURL  string
	seriesURL string
	vodBase   *url.URL
	client    *download.Client
	store     Store
	log       zerolog.Logger
}

func NewC14(opts C14Options) (*C14, error) {
	base, err := url.Parse(opts.VODBaseURL)
	if err != nil {
		return nil, fmt.Errorf("c14 vod base url: %w", err)
	}
	return &C14{
		showsURL:  opts.ShowsPageURL,
		seriesURL: strings.TrimSuffix(opts.SeriesAPIURL, "/"),
		vodBase:   base,
		client:    opts.Client,
		store:     opts.Store,
		log:       opts.Log.With().Str("component", "discover").Str("source", string(episode.SourceC14)).Logger(),
	}, nil
}

// getJSON issues a GET with the headers the series API expects and
// decodes the response into v.
func (c *C14) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("platform", "web")
	req.Header.Set("x-device-type", "web")
	req.Header.Set("x-tenant-id", "channel14")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := download.CheckStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

// DiscoverProgrammes records every show listed on the shows page.
func (c *C14) DiscoverProgrammes(ctx context.Context) (Result, error) {
	var page c14Sections
	if err := c.getJSON(ctx, c.showsURL, &page); err != nil {
		return Result{}, err
	}
	var res Result
	seen := map[string]bool{}
	for _, s := range page.Sections {
		items, err := decodeItems(s.Items)
		if err != nil {
			return res, fmt.Errorf("decode shows section: %w", err)
		}
		for _, raw := range items {
			var v C14Programme
			if err := json.Unmarshal(raw, &v); err != nil || v.ID == "" || seen[v.ID] {
				continue
			}
			seen[v.ID] = true
			id, err := HexID(v.ID)
			if err != nil {
				res.Failed++
				continue
			}
			p := episode.Programme{
				ChannelID:            episode.SourceC14.ChannelID(),
				Title:                strings.TrimSpace(v.Title),
				URL:                  c.seriesURL + "/" + url.PathEscape(v.ID),
				SourceKey:            v.ID,
				ProgrammeIDOnChannel: &id,
				Data:                 raw,
			}
			if _, err := c.store.UpsertProgramme(ctx, p); err != nil {
				res.Failed++
				c.log.Warn().Err(err).Str("title", p.Title).Msg("programme upsert failed")
				continue
			}
			res.Programmes++
		}
	}
	c.log.Info().Object("result", res).Msg("programme discovery done")
	return res, nil
}

// DiscoverEpisodes upserts the episodes aired between from and to for every
// known show.
func (c *C14) DiscoverEpisodes(ctx context.Context, from, to time.Time) (Result, error) {
	progs, err := c.store.ListProgrammes(ctx, episode.SourceC14.ChannelID())
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, p := range progs {
		if p.SourceKey == "" {
			continue
		}
		res.Programmes++
		eps, err := c.SeriesEpisodes(ctx, p.SourceKey, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			c.log.Warn().Err(err).Str("title", p.Title).Msg("series fetch failed")
			continue
		}
		if err := store(ctx, c.store, eps, &res, c.log); err != nil {
			return res, err
		}
	}
	c.log.Info().Object("result", res).Msg("episode discovery done")
	return res, nil
}

// SeriesEpisodes returns the episodes of one series, across all seasons,
// aired between from and to inclusive.
func (c *C14) SeriesEpisodes(ctx context.Context, seriesID string, from, to time.Time) ([]episode.Discovered, error) {
	var series c14Series
	if err := c.getJSON(ctx, c.seriesURL+"/"+url.PathEscape(seriesID), &series); err != nil {
		return nil, err
	}
	var out []episode.Discovered
	for _, season := range series.Seasons {
		items, err := decodeItems(season.Episodes)
		if err != nil {
			return nil, fmt.Errorf("decode season: %w", err)
		}
		for _, raw := range items {
			d, err := c.parseEpisode(seriesID, raw)
			if err != nil {
				c.log.Debug().Err(err).Msg("skipping series item")
				continue
			}
			if inRange(d.AirDate, from, to) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (c *C14) parseEpisode(seriesID string, raw json.RawMessage) (episode.Discovered, error) {
	var v C14Episode
	if err := json.Unmarshal(raw, &v); err != nil {
		return episode.Discovered{}, err
	}
	epID, err := HexID(v.ID)
	if err != nil {
		return episode.Discovered{}, err
	}
	serie := v.Serie
	if serie == "" {
		serie = seriesID
	}
	progID, err := HexID(serie)
	if err != nil {
		return episode.Discovered{}, err
	}
	page := c.vodBase.ResolveReference(&url.URL{Path: v.ID})
	return episode.Discovered{
		Source:               episode.SourceC14,
		ProgrammeIDOnChannel: progID,
		EpisodeIDOnChannel:   epID,
		FileURL:              v.VideoURL,
		PageURL:              page.String(),
		AirDate:              v.Aired(),
		Runtime:              ParseClock(v.Duration),
		Data:                 raw,
	}, nil
}
