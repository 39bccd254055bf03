package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
)

const (
	glzTimetablePath  = "/umbraco/api/timetable/getTimetable"
	glzPostLatestPath = "/umbraco/api/programme/PostLatest"
	glzMaxErrors      = 3
	week              = 7 * 24 * time.Hour
)

// GLZEpisode is the typed view of one PostLatest result. Every field is
// optional; the raw item is stored as the episode's metadata.
type GLZEpisode struct {
	ID        flexInt `json:"id"`
	FileURL   string  `json:"fileUrl"`
	URL       string  `json:"url"`
	Date      string  `json:"date"`
	TotalTime string  `json:"totalTime"`
	Title     string  `json:"title"`
}

// GLZProgramme is the typed view of one timetable slot.
type GLZProgramme struct {
	URL     string `json:"url"`
	TopText string `json:"topText"`
}

type glzTimetable struct {
	Days []struct {
		Programmes json.RawMessage `json:"programmes"`
	} `json:"glzTimeTable"`
}

type glzPage struct {
	TotalPages int             `json:"totalPages"`
	Results    json.RawMessage `json:"results"`
}

type GLZOptions struct {
	BaseURL         string
	TimetableRootID int
	Client          *download.Client
	Store           Store
	Log             zerolog.Logger
	// Now is the clock used to turn dates into timetable week offsets.
	Now func() time.Time
}

// GLZ discovers programmes from the weekly timetable and episodes from each
// programme's paginated archive.
type GLZ struct {
	base   *url.URL
	rootID int
	client *download.Client
	store  Store
	log    zerolog.Logger
	now    func() time.Time
}

func NewGLZ(opts GLZOptions) (*GLZ, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("glz base url: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GLZ{
		base:   base,
		rootID: opts.TimetableRootID,
		client: opts.Client,
		store:  opts.Store,
		log:    opts.Log.With().Str("component", "discover").Str("source", string(episode.SourceGLZ)).Logger(),
		now:    now,
	}, nil
}

func (g *GLZ) abs(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return g.base.ResolveReference(u).String()
}

// WeekOffsets returns the timetable slide indexes covering [from, to],
// counted in weeks relative to now (0 is this week, -1 last week).
func WeekOffsets(now, from, to time.Time) []int {
	fromWeeks := int(math.Ceil(now.Sub(from).Hours() / week.Hours()))
	toWeeks := int(now.Sub(to).Hours() / week.Hours())
	var out []int
	for i := -fromWeeks; i < -toWeeks; i++ {
		out = append(out, i)
	}
	return out
}

// DiscoverProgrammes records every programme on the timetable between from
// and to, then resolves the source programme id of any programme that
// lacks one.
func (g *GLZ) DiscoverProgrammes(ctx context.Context, from, to time.Time) (Result, error) {
	var res Result
	seen := map[string]bool{}
	for _, slide := range WeekOffsets(g.now(), from, to) {
		progs, err := g.timetable(ctx, slide)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			g.log.Warn().Err(err).Int("slide", slide).Msg("timetable fetch failed")
			continue
		}
		for _, p := range progs {
			if seen[p.URL] {
				continue
			}
			seen[p.URL] = true
			if _, err := g.store.UpsertProgramme(ctx, p); err != nil {
				res.Failed++
				g.log.Warn().Err(err).Str("url", p.URL).Msg("programme upsert failed")
				continue
			}
			res.Programmes++
		}
	}

	resolved, err := g.ResolveProgrammeIDs(ctx)
	if err != nil {
		return res, err
	}
	g.log.Info().Object("result", res).Int("ids_resolved", resolved).Msg("programme discovery done")
	return res, nil
}

func (g *GLZ) timetable(ctx context.Context, slide int) ([]episode.Programme, error) {
	q := url.Values{}
	q.Set("rootId", strconv.Itoa(g.rootID))
	q.Set("slideindex", strconv.Itoa(slide))
	resp, err := g.client.Get(ctx, g.abs(glzTimetablePath)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tt glzTimetable
	if err := json.NewDecoder(resp.Body).Decode(&tt); err != nil {
		return nil, fmt.Errorf("decode timetable: %w", err)
	}
	var out []episode.Programme
	for _, day := range tt.Days {
		items, err := decodeItems(day.Programmes)
		if err != nil {
			return nil, fmt.Errorf("decode timetable programmes: %w", err)
		}
		for _, raw := range items {
			var v GLZProgramme
			if err := json.Unmarshal(raw, &v); err != nil || v.URL == "" {
				continue
			}
			out = append(out, episode.Programme{
				ChannelID: episode.SourceGLZ.ChannelID(),
				Title:     strings.TrimSpace(v.TopText),
				URL:       g.abs(v.URL),
				Data:      raw,
			})
		}
	}
	return out, nil
}

// ResolveProgrammeIDs fetches the page of every programme without a source
// id and reads the id from the body's data-current-page-id attribute.
func (g *GLZ) ResolveProgrammeIDs(ctx context.Context) (int, error) {
	progs, err := g.store.ListProgrammes(ctx, episode.SourceGLZ.ChannelID())
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, p := range progs {
		if p.ProgrammeIDOnChannel != nil {
			continue
		}
		id, err := g.programmePageID(ctx, p.URL)
		if err != nil {
			if ctx.Err() != nil {
				return resolved, ctx.Err()
			}
			g.log.Warn().Err(err).Str("title", p.Title).Msg("programme id not found")
			continue
		}
		if err := g.store.SetProgrammeSourceID(ctx, p.ID, id); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (g *GLZ) programmePageID(ctx context.Context, pageURL string) (int64, error) {
	resp, err := g.client.Get(ctx, pageURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("parse programme page: %w", err)
	}
	attr, ok := doc.Find("body").First().Attr("data-current-page-id")
	if !ok {
		return 0, fmt.Errorf("%s: no data-current-page-id", pageURL)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(attr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: data-current-page-id %q: %w", pageURL, attr, err)
	}
	return id, nil
}

// DiscoverEpisodes upserts the episodes aired between from and to for every
// programme with a known source id.
func (g *GLZ) DiscoverEpisodes(ctx context.Context, from, to time.Time) (Result, error) {
	progs, err := g.store.ListProgrammes(ctx, episode.SourceGLZ.ChannelID())
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, p := range progs {
		if p.ProgrammeIDOnChannel == nil {
			continue
		}
		res.Programmes++
		eps := g.ProgrammeEpisodes(ctx, *p.ProgrammeIDOnChannel, from, to)
		g.log.Debug().Str("title", p.Title).Int("episodes", len(eps)).Msg("programme searched")
		if err := store(ctx, g.store, eps, &res, g.log); err != nil {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	g.log.Info().Object("result", res).Msg("episode discovery done")
	return res, nil
}

// ProgrammeEpisodes walks a programme's archive newest first, page by
// page, until it passes from, runs out of pages, or hits too many errors.
func (g *GLZ) ProgrammeEpisodes(ctx context.Context, programmeID int64, from, to time.Time) []episode.Discovered {
	byID := map[int64]episode.Discovered{}
	var order []int64
	errCount := 0
	for page := 0; ctx.Err() == nil; page++ {
		pg, err := g.postLatest(ctx, programmeID, page)
		if err != nil {
			errCount++
			g.log.Warn().Err(err).Int64("programme_id", programmeID).Int("page", page).Msg("archive page failed")
			if errCount > glzMaxErrors {
				break
			}
			continue
		}
		if pg.TotalPages < page {
			break
		}
		items, err := decodeItems(pg.Results)
		if err != nil || len(items) == 0 {
			break
		}

		pastFrom := false
		for _, raw := range items {
			d, err := g.parseEpisode(programmeID, raw)
			if err != nil {
				g.log.Debug().Err(err).Msg("skipping archive item")
				continue
			}
			if d.AirDate.Before(from) {
				pastFrom = true
				continue
			}
			if d.AirDate.After(to) {
				continue
			}
			if _, dup := byID[d.EpisodeIDOnChannel]; !dup {
				order = append(order, d.EpisodeIDOnChannel)
			}
			byID[d.EpisodeIDOnChannel] = d
		}
		if pastFrom {
			break
		}
	}

	out := make([]episode.Discovered, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func (g *GLZ) postLatest(ctx context.Context, programmeID int64, page int) (*glzPage, error) {
	form := url.Values{}
	form.Set("page", strconv.Itoa(page))
	form.Set("ProgrammeId", strconv.FormatInt(programmeID, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.abs(glzPostLatestPath), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := download.CheckStatus(resp); err != nil {
		return nil, err
	}
	var pg glzPage
	if err := json.NewDecoder(resp.Body).Decode(&pg); err != nil {
		return nil, fmt.Errorf("decode archive page: %w", err)
	}
	return &pg, nil
}

func (g *GLZ) parseEpisode(programmeID int64, raw json.RawMessage) (episode.Discovered, error) {
	var v GLZEpisode
	if err := json.Unmarshal(raw, &v); err != nil {
		return episode.Discovered{}, err
	}
	if !v.ID.Valid {
		return episode.Discovered{}, fmt.Errorf("archive item has no id")
	}
	air, err := ParseGLZDate(v.Date)
	if err != nil {
		return episode.Discovered{}, err
	}
	return episode.Discovered{
		Source:               episode.SourceGLZ,
		ProgrammeIDOnChannel: programmeID,
		EpisodeIDOnChannel:   v.ID.Value,
		FileURL:              v.FileURL,
		PageURL:              g.abs(v.URL),
		AirDate:              air,
		Runtime:              ParseClock(v.TotalTime),
		Data:                 raw,
	}, nil
}

// ParseGLZDate parses the archive's dd.mm.yy dates (years are 20yy).
func ParseGLZDate(s string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q", s)
		}
		n[i] = v
	}
	day, month, year := n[0], n[1], 2000+n[2]
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}
