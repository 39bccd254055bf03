// Package pipeline drives episodes through download, deduplication,
// segmentation and transcription, one episode at a time per worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/fingerprint"
	"github.com/snarg/radio-archive/internal/metrics"
	"github.com/snarg/radio-archive/internal/mqttclient"
	"github.com/snarg/radio-archive/internal/segment"
	"github.com/snarg/radio-archive/internal/transcribe"
)

// Repository is the slice of the episode store the orchestrator drives.
type Repository interface {
	ClaimNext(ctx context.Context, src episode.Source, owner string, lease time.Duration) (*episode.Episode, error)
	Heartbeat(ctx context.Context, id int64, owner string) error
	ReleaseClaim(ctx context.Context, id int64, owner string) error
	UpdateStatus(ctx context.Context, id int64, status episode.Status, errMsg *string) error
	ClaimFingerprint(ctx context.Context, id int64, digest string) (*episode.Episode, error)
	SetDuplicate(ctx context.Context, id, targetID int64) error
	SetSegments(ctx context.Context, id int64, names []string) error
	AppendPartialTranscript(ctx context.Context, id int64, part episode.SegmentTranscript) error
	ResetPartialTranscripts(ctx context.Context, id int64) error
	SetTranscript(ctx context.Context, id int64, t episode.Transcript) error
}

// Downloader fetches a source URL to a local file.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) error
}

type Segmenter interface {
	Split(ctx context.Context, path string) ([]segment.Segment, error)
	MaxDuration() time.Duration
}

// ObjectStore stages segments where the transcription backend can read them.
type ObjectStore interface {
	Put(ctx context.Context, localPath, key string) error
	Delete(ctx context.Context, key string) error
	URI(key string) string
}

type Transcriber interface {
	Transcribe(ctx context.Context, ref transcribe.ObjectRef) ([]episode.Result, error)
	Name() string
}

// Publisher announces finished episodes. Optional.
type Publisher interface {
	PublishEpisode(ev mqttclient.EpisodeEvent) error
}

type Options struct {
	Source      episode.Source
	Repo        Repository
	Downloader  Downloader
	Segmenter   Segmenter
	Store       ObjectStore
	Transcriber Transcriber
	Publisher   Publisher

	// Hash fingerprints a downloaded file. Defaults to fingerprint.Fingerprint.
	Hash func(path string) (string, error)

	ScratchDir      string
	WorkerID        string
	ClaimLease      time.Duration
	Checkpoint      bool
	ErrorMessageMax int
	Log             zerolog.Logger
}

// Orchestrator processes the episodes of one source. It is not safe for
// concurrent use; run one per worker, and as many workers as the
// repository's claim lease allows.
type Orchestrator struct {
	source      episode.Source
	repo        Repository
	downloader  Downloader
	segmenter   Segmenter
	store       ObjectStore
	transcriber Transcriber
	publisher   Publisher
	hash        func(string) (string, error)

	scratchDir string
	workerID   string
	lease      time.Duration
	checkpoint bool
	errMax     int
	log        zerolog.Logger

	started     time.Time
	inFlight    atomic.Int32
	processed   atomic.Int64
	transcribed atomic.Int64
	duplicates  atomic.Int64
	failed      atomic.Int64
	segments    atomic.Int64
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Source.ChannelID() < 0 {
		return nil, fmt.Errorf("pipeline: unknown source %q", opts.Source)
	}
	if opts.Repo == nil || opts.Downloader == nil || opts.Segmenter == nil || opts.Store == nil || opts.Transcriber == nil {
		return nil, errors.New("pipeline: repository, downloader, segmenter, store and transcriber are required")
	}
	if opts.WorkerID == "" {
		return nil, errors.New("pipeline: worker id is required")
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: scratch dir: %w", err)
	}
	hash := opts.Hash
	if hash == nil {
		hash = fingerprint.Fingerprint
	}
	lease := opts.ClaimLease
	if lease <= 0 {
		lease = 12 * time.Hour
	}
	errMax := opts.ErrorMessageMax
	if errMax <= 0 {
		errMax = 300
	}

	return &Orchestrator{
		source:      opts.Source,
		repo:        opts.Repo,
		downloader:  opts.Downloader,
		segmenter:   opts.Segmenter,
		store:       opts.Store,
		transcriber: opts.Transcriber,
		publisher:   opts.Publisher,
		hash:        hash,
		scratchDir:  opts.ScratchDir,
		workerID:    opts.WorkerID,
		lease:       lease,
		checkpoint:  opts.Checkpoint,
		errMax:      errMax,
		log: opts.Log.With().
			Str("component", "pipeline").
			Str("source", string(opts.Source)).
			Str("worker", opts.WorkerID).
			Logger(),
		started: time.Now(),
	}, nil
}

// ProcessNext claims and fully processes at most one episode. It reports
// whether an episode was found. An episode failure is recorded on the
// episode and does not produce an error; the returned error means the
// worker should stop (shutdown, or the repository is unusable).
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	e, err := o.repo.ClaimNext(ctx, o.source, o.workerID, o.lease)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	if e == nil {
		return false, nil
	}

	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	log := o.log.With().Int64("episode_id", e.ID).Time("air_date", e.AirDate).Logger()
	log.Info().Int("segments", len(e.Segments)).Int("checkpointed", len(e.Partial)).Msg("episode claimed")

	start := time.Now()
	res, err := o.process(ctx, e, log)
	switch {
	case err == nil:
		o.processed.Add(1)
		outcome := "transcribed"
		if res.duplicateOf != nil {
			outcome = "duplicate"
			o.duplicates.Add(1)
		} else {
			o.transcribed.Add(1)
		}
		metrics.EpisodesProcessedTotal.WithLabelValues(string(o.source), outcome).Inc()
		log.Info().Str("outcome", outcome).Dur("elapsed", time.Since(start)).Msg("episode done")
		o.publish(e, episode.StatusDownloaded, "", log)
		return true, nil

	case ctx.Err() != nil:
		// Shutdown is not an episode failure. The episode stays in_progress
		// and the next claim resumes it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := o.repo.ReleaseClaim(rctx, e.ID, o.workerID); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release claim on shutdown")
		}
		log.Info().Msg("shutdown during episode, claim released")
		return true, ctx.Err()

	case errors.Is(err, episode.ErrClaimLost):
		log.Warn().Err(err).Msg("claim lost to another worker, abandoning episode")
		metrics.EpisodesProcessedTotal.WithLabelValues(string(o.source), "claim_lost").Inc()
		return true, nil
	}

	o.processed.Add(1)
	o.failed.Add(1)
	kind := episode.KindLabel(err)
	metrics.EpisodesProcessedTotal.WithLabelValues(string(o.source), kind).Inc()
	msg := episode.Truncate(err.Error(), o.errMax)
	log.Error().Err(err).Str("kind", kind).Dur("elapsed", time.Since(start)).Msg("episode failed")

	if uerr := o.repo.UpdateStatus(ctx, e.ID, episode.StatusError, &msg); uerr != nil {
		log.Error().Err(uerr).Msg("failed to record episode error")
		return true, uerr
	}
	o.publish(e, episode.StatusError, msg, log)
	return true, nil
}

// RunUntilExhausted calls ProcessNext until no eligible episode is left or
// the context is cancelled, logging throughput after every episode.
func (o *Orchestrator) RunUntilExhausted(ctx context.Context) (Stats, error) {
	o.log.Info().Bool("checkpoint", o.checkpoint).Dur("claim_lease", o.lease).Msg("pipeline started")
	for {
		found, err := o.ProcessNext(ctx)
		stats := o.Stats()
		if err != nil {
			o.log.Warn().Err(err).Object("stats", stats).Msg("pipeline stopped")
			return stats, err
		}
		if !found {
			o.log.Info().Object("stats", stats).Msg("no eligible episodes left")
			return stats, nil
		}
		o.log.Info().Object("stats", stats).Msg("iteration complete")
	}
}

func (o *Orchestrator) publish(e *episode.Episode, status episode.Status, errMsg string, log zerolog.Logger) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishEpisode(mqttclient.NewEpisodeEvent(e, status, errMsg)); err != nil {
		log.Warn().Err(err).Msg("episode event not published")
	}
}
