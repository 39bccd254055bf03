package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/mqttclient"
	"github.com/snarg/radio-archive/internal/segment"
	"github.com/snarg/radio-archive/internal/transcribe"
)

// fakeRepo is an in-memory Repository with the same claim and transition
// rules as the Postgres one.
type fakeRepo struct {
	mu       sync.Mutex
	nextID   int64
	episodes map[int64]*episode.Episode
	appends  int

	fingerprints int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{episodes: map[int64]*episode.Episode{}}
}

func (r *fakeRepo) add(src episode.Source, airDate time.Time, fileURL string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.episodes[r.nextID] = &episode.Episode{
		ID:                 r.nextID,
		ChannelID:          src.ChannelID(),
		EpisodeIDOnChannel: r.nextID * 100,
		FileURL:            fileURL,
		AirDate:            airDate,
		Status:             episode.StatusNotDownloaded,
	}
	return r.nextID
}

func (r *fakeRepo) get(id int64) episode.Episode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.episodes[id])
}

// resetErrors mirrors the operator retry.
func (r *fakeRepo) resetErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.episodes {
		if e.Status != episode.StatusError {
			continue
		}
		e.Status = episode.StatusNotDownloaded
		if e.Segments != nil {
			e.Status = episode.StatusInProgress
		}
		e.ErrMsg = nil
		e.ClaimedBy = ""
	}
}

func clone(e *episode.Episode) episode.Episode {
	c := *e
	c.Segments = slices.Clone(e.Segments)
	c.Partial = slices.Clone(e.Partial)
	c.Transcript = slices.Clone(e.Transcript)
	return c
}

func (r *fakeRepo) lookup(id int64) (*episode.Episode, error) {
	e, ok := r.episodes[id]
	if !ok {
		return nil, episode.Wrap(episode.ErrRepository, "lookup", episode.ErrNotFound)
	}
	return e, nil
}

func (r *fakeRepo) ClaimNext(_ context.Context, src episode.Source, owner string, _ time.Duration) (*episode.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*episode.Episode
	for _, e := range r.episodes {
		if e.ChannelID != src.ChannelID() || e.DuplicateOf != nil || e.Transcript != nil {
			continue
		}
		fresh := e.Status == episode.StatusNotDownloaded && e.Segments == nil
		resumable := e.Status == episode.StatusInProgress && e.ClaimedBy == ""
		if fresh || resumable {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].AirDate.Equal(candidates[j].AirDate) {
			return candidates[i].AirDate.Before(candidates[j].AirDate)
		}
		return candidates[i].ID < candidates[j].ID
	})
	e := candidates[0]
	e.Status = episode.StatusInProgress
	e.ClaimedBy = owner
	c := clone(e)
	return &c, nil
}

func (r *fakeRepo) Heartbeat(_ context.Context, id int64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.ClaimedBy != owner {
		return episode.Wrap(episode.ErrRepository, "heartbeat", episode.ErrClaimLost)
	}
	return nil
}

func (r *fakeRepo) ReleaseClaim(_ context.Context, id int64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.episodes[id]; ok && e.ClaimedBy == owner {
		e.ClaimedBy = ""
	}
	return nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id int64, status episode.Status, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !episode.CanTransition(e.Status, status) {
		return episode.Wrap(episode.ErrRepository, "update status",
			fmt.Errorf("%s -> %s: %w", e.Status, status, episode.ErrConflict))
	}
	e.Status = status
	e.ErrMsg = errMsg
	if status != episode.StatusInProgress {
		e.ClaimedBy = ""
	}
	return nil
}

// ClaimFingerprint picks a holder the way the Postgres query orders
// them: transcribed first, then lowest id, never one in error.
func (r *fakeRepo) ClaimFingerprint(_ context.Context, id int64, digest string) (*episode.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	var holder *episode.Episode
	for _, c := range r.episodes {
		if c.Fingerprint != digest || c.ID == id || c.DuplicateOf != nil || c.Status == episode.StatusError {
			continue
		}
		if holder == nil {
			holder = c
			continue
		}
		cDone, hDone := c.Transcript != nil, holder.Transcript != nil
		if cDone != hDone {
			if cDone {
				holder = c
			}
			continue
		}
		if c.ID < holder.ID {
			holder = c
		}
	}
	if holder != nil {
		h := clone(holder)
		return &h, nil
	}
	e.Fingerprint = digest
	r.fingerprints++
	return nil, nil
}

func (r *fakeRepo) SetDuplicate(_ context.Context, id, targetID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	t, err := r.lookup(targetID)
	if err != nil {
		return err
	}
	e.DuplicateOf = &t.ID
	e.Fingerprint = t.Fingerprint
	return nil
}

func (r *fakeRepo) SetSegments(_ context.Context, id int64, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.Segments = slices.Clone(names)
	return nil
}

func (r *fakeRepo) AppendPartialTranscript(_ context.Context, id int64, part episode.SegmentTranscript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if len(e.Partial) != part.Index-1 {
		return episode.Wrap(episode.ErrRepository, "append partial transcript", episode.ErrConflict)
	}
	e.Partial = append(e.Partial, part)
	r.appends++
	return nil
}

func (r *fakeRepo) ResetPartialTranscripts(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.Partial = nil
	return nil
}

func (r *fakeRepo) SetTranscript(_ context.Context, id int64, t episode.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.Transcript = slices.Clone(t)
	e.Partial = nil
	return nil
}

// fakeDownloader writes canned bytes per URL.
type fakeDownloader struct {
	mu      sync.Mutex
	content map[string]string
	fail    map[string]error
	calls   []string
}

func (d *fakeDownloader) Fetch(_ context.Context, url, dest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, url)
	if err := d.fail[url]; err != nil {
		return err
	}
	body, ok := d.content[url]
	if !ok {
		return fmt.Errorf("GET %s: 404 Not Found", url)
	}
	return os.WriteFile(dest, []byte(body), 0o644)
}

// fakeSegmenter plans windows from a duration keyed by file content and
// writes one small file per window next to the source.
type fakeSegmenter struct {
	mu        sync.Mutex
	max       time.Duration
	durations map[string]time.Duration
	calls     int
	windows   []segment.Window
}

func (s *fakeSegmenter) MaxDuration() time.Duration { return s.max }

func (s *fakeSegmenter) Split(_ context.Context, path string) ([]segment.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, episode.Wrap(episode.ErrSegmentation, "probe", err)
	}
	d, ok := s.durations[string(body)]
	if !ok {
		return nil, episode.Wrap(episode.ErrSegmentation, "probe", errors.New("audio has no duration"))
	}
	var segs []segment.Segment
	for i, w := range segment.Plan(d, s.max) {
		name := segment.Name(path, i+1, "mp3")
		p := filepath.Join(filepath.Dir(path), name)
		if err := os.WriteFile(p, []byte(fmt.Sprintf("%s#%d", body, i+1)), 0o644); err != nil {
			return nil, err
		}
		segs = append(segs, segment.Segment{Index: i + 1, Name: name, Path: p, Window: w})
		s.windows = append(s.windows, w)
	}
	return segs, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]bool
	puts    []string
	deletes []string
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string]bool{}} }

func (s *fakeStore) Put(_ context.Context, localPath, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	s.objects[key] = true
	s.puts = append(s.puts, key)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deletes = append(s.deletes, key)
	return nil
}

func (s *fakeStore) URI(key string) string { return "mem://bucket/" + key }

func (s *fakeStore) staged(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

// fakeTranscriber returns one result per segment whose text is the key.
// fail, when set, can inject an error per call.
type fakeTranscriber struct {
	mu    sync.Mutex
	store *fakeStore
	calls []string
	fail  func(key string) error
}

func (f *fakeTranscriber) Name() string { return "fake" }

func (f *fakeTranscriber) Transcribe(_ context.Context, ref transcribe.ObjectRef) ([]episode.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref.Key)
	if f.store != nil && !f.store.staged(ref.Key) {
		return nil, fmt.Errorf("object %s not staged", ref.Key)
	}
	if f.fail != nil {
		if err := f.fail(ref.Key); err != nil {
			return nil, err
		}
	}
	return []episode.Result{{
		Offset:       1.5,
		Alternatives: []episode.Alternative{{Transcript: "text " + ref.Key, Confidence: 0.9}},
	}}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []mqttclient.EpisodeEvent
}

func (p *fakePublisher) PublishEpisode(ev mqttclient.EpisodeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}
