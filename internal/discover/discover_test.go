package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu         sync.Mutex
	programmes []episode.Programme
	episodes   map[[2]int64]episode.Discovered
}

func newMemStore() *memStore {
	return &memStore{episodes: map[[2]int64]episode.Discovered{}}
}

func (s *memStore) UpsertProgramme(_ context.Context, p episode.Programme) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.programmes {
		if q.ChannelID == p.ChannelID && q.URL == p.URL {
			p.ID = q.ID
			if p.ProgrammeIDOnChannel == nil {
				p.ProgrammeIDOnChannel = q.ProgrammeIDOnChannel
			}
			s.programmes[i] = p
			return p.ID, nil
		}
	}
	p.ID = int64(len(s.programmes) + 1)
	s.programmes = append(s.programmes, p)
	return p.ID, nil
}

func (s *memStore) ListProgrammes(_ context.Context, channelID int) ([]episode.Programme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []episode.Programme
	for _, p := range s.programmes {
		if p.ChannelID == channelID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) SetProgrammeSourceID(_ context.Context, id, sourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.programmes {
		if s.programmes[i].ID == id {
			s.programmes[i].ProgrammeIDOnChannel = &sourceID
			return nil
		}
	}
	return episode.ErrNotFound
}

func (s *memStore) UpsertDiscovered(_ context.Context, d episode.Discovered) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{int64(d.Source.ChannelID()), d.EpisodeIDOnChannel}
	_, existed := s.episodes[key]
	s.episodes[key] = d
	return d.EpisodeIDOnChannel, !existed, nil
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"1:02:03", 3723},
		{"54:12", 3252},
		{"45", 45},
		{"0:0:0", 0},
		{"", 0},
		{"abc", 0},
		{"1:2:3:4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseClock(tt.in))
		})
	}
}

func TestHexID(t *testing.T) {
	id, err := HexID("63cd2cf4ca5a380012e20fe0")
	require.NoError(t, err)
	assert.Equal(t, int64(919286710), id)

	id, err = HexID("ff")
	require.NoError(t, err)
	assert.Equal(t, int64(255), id)

	_, err = HexID("not-hex")
	assert.Error(t, err)
}

func TestParseGLZDate(t *testing.T) {
	got, err := ParseGLZDate("06.10.23")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC), got)

	for _, bad := range []string{"", "2023-10-06", "31.02.24", "aa.bb.cc"} {
		_, err := ParseGLZDate(bad)
		assert.Error(t, err, bad)
	}
}

func TestWeekOffsets(t *testing.T) {
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []int{-3, -2, -1}, WeekOffsets(now, now.AddDate(0, 0, -19), now))
	assert.Equal(t, []int{-1}, WeekOffsets(now, now.AddDate(0, 0, -3), now))
}

func TestGLZDiscoverProgrammes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case glzTimetablePath:
			assert.Equal(t, "1051", r.URL.Query().Get("rootId"))
			fmt.Fprint(w, `{"glzTimeTable":[
				{"programmes":[{"url":"/programs/morning","topText":" Morning Show "},{"url":"/programs/news","topText":"News"}]},
				{"programmes":[{"url":"/programs/morning","topText":"Morning Show"}]}
			]}`)
		case "/programs/morning":
			fmt.Fprint(w, `<html><body data-current-page-id="4242"><h1>Morning</h1></body></html>`)
		case "/programs/news":
			fmt.Fprint(w, `<html><body><h1>News</h1></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st := newMemStore()
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	g, err := NewGLZ(GLZOptions{
		BaseURL:         srv.URL,
		TimetableRootID: 1051,
		Client:          download.NewClient("test-agent", 5*time.Second),
		Store:           st,
		Log:             zerolog.Nop(),
		Now:             func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := g.DiscoverProgrammes(context.Background(), now.AddDate(0, 0, -3), now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Programmes)

	require.Len(t, st.programmes, 2)
	morning := st.programmes[0]
	assert.Equal(t, "Morning Show", morning.Title)
	assert.Equal(t, srv.URL+"/programs/morning", morning.URL)
	require.NotNil(t, morning.ProgrammeIDOnChannel)
	assert.Equal(t, int64(4242), *morning.ProgrammeIDOnChannel)
	assert.Nil(t, st.programmes[1].ProgrammeIDOnChannel, "page without the attribute stays unresolved")
}

func TestGLZProgrammeEpisodes(t *testing.T) {
	pages := map[string]string{
		"0": `{"totalPages":5,"results":[
			{"id":901,"fileUrl":"https://cdn.example/901.mp3","url":"/ep/901","date":"15.03.24","totalTime":"54:12","extra":{"x":1}},
			{"id":"902","fileUrl":"https://cdn.example/902.mp3","url":"/ep/902","date":"05.03.24","totalTime":"1:00:00"},
			{"id":903,"date":"25.03.24"}
		]}`,
		"1": `{"totalPages":5,"results":[
			{"id":904,"fileUrl":"https://cdn.example/904.mp3","url":"/ep/904","date":"01.03.24","totalTime":"10:00"},
			{"id":905,"fileUrl":"https://cdn.example/905.mp3","url":"/ep/905","date":"20.02.24","totalTime":"10:00"}
		]}`,
	}
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "77", r.PostForm.Get("ProgrammeId"))
		body, ok := pages[r.PostForm.Get("page")]
		if !ok {
			t.Errorf("unexpected page %q", r.PostForm.Get("page"))
			fmt.Fprint(w, `{"totalPages":5,"results":[]}`)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	st := newMemStore()
	g, err := NewGLZ(GLZOptions{BaseURL: srv.URL, Client: download.NewClient("test-agent", 5*time.Second), Store: st, Log: zerolog.Nop()})
	require.NoError(t, err)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	eps := g.ProgrammeEpisodes(context.Background(), 77, from, to)

	require.Len(t, eps, 3)
	assert.Equal(t, int32(2), requests.Load(), "stops once a page reaches past from")
	assert.Equal(t, []int64{901, 902, 904}, []int64{eps[0].EpisodeIDOnChannel, eps[1].EpisodeIDOnChannel, eps[2].EpisodeIDOnChannel})

	first := eps[0]
	assert.Equal(t, episode.SourceGLZ, first.Source)
	assert.Equal(t, int64(77), first.ProgrammeIDOnChannel)
	assert.Equal(t, srv.URL+"/ep/901", first.PageURL)
	assert.Equal(t, 3252, first.Runtime)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), first.AirDate)
	assert.Contains(t, string(first.Data), `"extra":{"x":1}`, "metadata kept verbatim")
	assert.Equal(t, 3600, eps[1].Runtime)
}

func TestGLZProgrammeEpisodesErrorBudget(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	g, err := NewGLZ(GLZOptions{BaseURL: srv.URL, Client: download.NewClient("test-agent", 5*time.Second), Store: newMemStore(), Log: zerolog.Nop()})
	require.NoError(t, err)

	eps := g.ProgrammeEpisodes(context.Background(), 1, time.Time{}, time.Now())
	assert.Empty(t, eps)
	assert.Equal(t, int32(glzMaxErrors+1), requests.Load())
}

func TestGLZDiscoverEpisodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("page") != "0" {
			fmt.Fprint(w, `{"totalPages":0,"results":[]}`)
			return
		}
		fmt.Fprint(w, `{"totalPages":0,"results":[{"id":1,"fileUrl":"f","url":"/e/1","date":"02.01.24","totalTime":"1:00"}]}`)
	}))
	defer srv.Close()

	st := newMemStore()
	src := int64(10)
	st.programmes = []episode.Programme{
		{ID: 1, ChannelID: 0, Title: "resolved", URL: "a", ProgrammeIDOnChannel: &src},
		{ID: 2, ChannelID: 0, Title: "unresolved", URL: "b"},
	}
	g, err := NewGLZ(GLZOptions{BaseURL: srv.URL, Client: download.NewClient("test-agent", 5*time.Second), Store: st, Log: zerolog.Nop()})
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := g.DiscoverEpisodes(context.Background(), from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Programmes)
	assert.Equal(t, 1, res.Inserted)

	res, err = g.DiscoverEpisodes(context.Background(), from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated, "rediscovery updates instead of inserting")
}

func TestC14Discovery(t *testing.T) {
	const seriesID = "63cd2cf4ca5a380012e20fe0"
	var sawTenant atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/page/shows", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"sections":[{"items":[{"id":%q,"title":"Patriots","seriesType":"show"}]},{"items":[{"id":"","title":"broken"}]}]}`, seriesID)
	})
	mux.HandleFunc("/series/"+seriesID, func(w http.ResponseWriter, r *http.Request) {
		sawTenant.Store(r.Header.Get("x-tenant-id") == "channel14" && r.Header.Get("platform") == "web")
		fmt.Fprintf(w, `{"seasons":[
			{"episodes":[
				{"id":"65a1b2c3d4e5f60718293a4b","serie":%q,"videoUrl":"https://vod.example/master.m3u8","date":1710100800000,"duration":"1:30:00","unknownField":true},
				{"id":"ff","serie":%q,"date":null,"airDate":"1500000000000","duration":"0:10:00"}
			]},
			{"episodes":[{"id":"zz-not-hex"}]}
		]}`, seriesID, seriesID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newMemStore()
	c, err := NewC14(C14Options{
		ShowsPageURL: srv.URL + "/page/shows",
		SeriesAPIURL: srv.URL + "/series/",
		VODBaseURL:   "https://vod.c14.co.il/vod/",
		Client:       download.NewClient("test-agent", 5*time.Second),
		Store:        st,
		Log:          zerolog.Nop(),
	})
	require.NoError(t, err)

	res, err := c.DiscoverProgrammes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Programmes)
	require.Len(t, st.programmes, 1)
	assert.Equal(t, seriesID, st.programmes[0].SourceKey)
	assert.Equal(t, int64(919286710), *st.programmes[0].ProgrammeIDOnChannel)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err = c.DiscoverEpisodes(context.Background(), from, from.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.True(t, sawTenant.Load(), "series API needs tenant headers")
	assert.Equal(t, 1, res.Found, "the 2017 episode is outside the range")
	assert.Equal(t, 1, res.Inserted)

	d, ok := st.episodes[[2]int64{1, 1484517739}]
	require.True(t, ok)
	assert.Equal(t, episode.SourceC14, d.Source)
	assert.Equal(t, int64(919286710), d.ProgrammeIDOnChannel)
	assert.Equal(t, "https://vod.c14.co.il/vod/65a1b2c3d4e5f60718293a4b", d.PageURL)
	assert.Equal(t, "https://vod.example/master.m3u8", d.FileURL)
	assert.Equal(t, 5400, d.Runtime)
	assert.Equal(t, time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), d.AirDate)
	assert.Contains(t, string(d.Data), `"unknownField":true`)
}

func TestC14EpisodeAiredFallback(t *testing.T) {
	e := C14Episode{AirDate: flexInt{Value: 1710100800000, Valid: true}}
	assert.Equal(t, time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), e.Aired())
	assert.Equal(t, time.Unix(0, 0).UTC(), C14Episode{}.Aired())
}
