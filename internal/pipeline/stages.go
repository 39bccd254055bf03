package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/metrics"
	"github.com/snarg/radio-archive/internal/segment"
	"github.com/snarg/radio-archive/internal/transcribe"
)

const scratchExt = "mp3"

type result struct {
	duplicateOf *int64
}

// process runs one claimed episode to completion. Each step is persisted
// before the next begins, so a crash resumes from the last durable step.
func (o *Orchestrator) process(ctx context.Context, e *episode.Episode, log zerolog.Logger) (result, error) {
	partial := e.Partial
	if !o.checkpoint {
		partial = nil
	}

	if !o.canResume(e, partial) {
		if len(e.Segments) > 0 {
			log.Info().Msg("staged segments missing on disk, downloading again")
		}
		dup, err := o.stage(ctx, e, log)
		if err != nil || dup != nil {
			return result{duplicateOf: dup}, err
		}
		if e.Partial == nil {
			partial = nil
		}
	} else if len(e.Segments) > 0 {
		log.Info().Int("from_segment", len(partial)+1).Msg("resuming from staged segments")
	}

	transcript, err := o.transcribeAll(ctx, e, partial, log)
	if err != nil {
		return result{}, err
	}

	if err := o.repo.SetTranscript(ctx, e.ID, transcript); err != nil {
		return result{}, err
	}
	if err := o.repo.UpdateStatus(ctx, e.ID, episode.StatusDownloaded, nil); err != nil {
		return result{}, err
	}
	o.removeSegments(e.Segments, log)
	return result{}, nil
}

// canResume reports whether every segment still to be transcribed is on
// local disk, in which case download and segmentation are skipped.
func (o *Orchestrator) canResume(e *episode.Episode, partial episode.Transcript) bool {
	if len(e.Segments) == 0 || e.Fingerprint == "" {
		return false
	}
	for _, name := range e.Segments[min(len(partial), len(e.Segments)):] {
		if _, err := os.Stat(o.segmentPath(name)); err != nil {
			return false
		}
	}
	return true
}

// stage downloads, fingerprints and (unless the content is a duplicate)
// segments the episode. It returns the duplicate target when the
// episode's content already exists under another episode.
func (o *Orchestrator) stage(ctx context.Context, e *episode.Episode, log zerolog.Logger) (*int64, error) {
	if e.FileURL == "" {
		return nil, episode.Wrap(episode.ErrDownload, "download", errors.New("episode has no file url"))
	}
	path := download.ScratchPath(o.scratchDir, e.AirDate, e.ID, scratchExt)
	// The whole file never outlives this function.
	defer os.Remove(path)

	start := time.Now()
	if err := o.downloader.Fetch(ctx, e.FileURL, path); err != nil {
		return nil, episode.Wrap(episode.ErrDownload, "download", err)
	}
	metrics.ObserveStage("download", start)
	if info, err := os.Stat(path); err == nil {
		log.Info().Str("size", humanize.Bytes(uint64(info.Size()))).Dur("took", time.Since(start)).Msg("downloaded")
	}

	digest, err := o.hash(path)
	if err != nil {
		return nil, episode.Wrap(episode.ErrDownload, "fingerprint", err)
	}

	// Checking for a holder and recording the digest is one repository
	// step, so concurrent workers with identical content cannot both win.
	target, err := o.repo.ClaimFingerprint(ctx, e.ID, digest)
	if err != nil {
		return nil, err
	}
	if target != nil {
		return o.markDuplicate(ctx, e, target, log)
	}
	if e.Fingerprint != "" && e.Fingerprint != digest && len(e.Partial) > 0 {
		log.Warn().Str("old", e.Fingerprint).Str("new", digest).Msg("content changed since checkpoint, discarding partial transcripts")
		if err := o.repo.ResetPartialTranscripts(ctx, e.ID); err != nil {
			return nil, err
		}
		e.Partial = nil
	}
	e.Fingerprint = digest

	start = time.Now()
	segs, err := o.segmenter.Split(ctx, path)
	if err != nil {
		return nil, err
	}
	metrics.ObserveStage("segment", start)

	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.Name
	}
	if err := o.repo.SetSegments(ctx, e.ID, names); err != nil {
		segment.Remove(segs)
		return nil, err
	}
	e.Segments = names
	log.Info().Int("segments", len(names)).Dur("took", time.Since(start)).Msg("segmented")
	return nil, nil
}

func (o *Orchestrator) markDuplicate(ctx context.Context, e *episode.Episode, target *episode.Episode, log zerolog.Logger) (*int64, error) {
	if err := o.repo.SetDuplicate(ctx, e.ID, target.ID); err != nil {
		return nil, err
	}
	// Leftovers from an earlier attempt belong to content that now lives
	// under the target.
	if len(e.Segments) > 0 {
		o.removeSegments(e.Segments, log)
		if err := o.repo.SetSegments(ctx, e.ID, nil); err != nil {
			return nil, err
		}
		e.Segments = nil
	}
	if len(e.Partial) > 0 {
		if err := o.repo.ResetPartialTranscripts(ctx, e.ID); err != nil {
			return nil, err
		}
		e.Partial = nil
	}
	if err := o.repo.UpdateStatus(ctx, e.ID, episode.StatusDownloaded, nil); err != nil {
		return nil, err
	}
	id := target.ID
	e.DuplicateOf = &id
	e.Fingerprint = target.Fingerprint
	log.Info().Int64("duplicate_of", id).Msg("duplicate content, skipping transcription")
	return &id, nil
}

// transcribeAll transcribes the segments not yet covered by partial, in
// index order, and returns the full transcript.
func (o *Orchestrator) transcribeAll(ctx context.Context, e *episode.Episode, partial episode.Transcript, log zerolog.Logger) (episode.Transcript, error) {
	if len(partial) > len(e.Segments) {
		return nil, episode.Wrap(episode.ErrRepository, "resume",
			fmt.Errorf("%d checkpointed segments but only %d staged", len(partial), len(e.Segments)))
	}
	transcript := make(episode.Transcript, 0, len(e.Segments))
	transcript = append(transcript, partial...)

	for i := len(partial); i < len(e.Segments); i++ {
		if err := o.repo.Heartbeat(ctx, e.ID, o.workerID); err != nil {
			return nil, err
		}
		name := e.Segments[i]
		part, err := o.transcribeSegment(ctx, i+1, name, log)
		if err != nil {
			return nil, err
		}
		if o.checkpoint {
			if err := o.repo.AppendPartialTranscript(ctx, e.ID, part); err != nil {
				return nil, err
			}
			os.Remove(o.segmentPath(name))
		}
		transcript = append(transcript, part)
		o.segments.Add(1)
		metrics.SegmentsTranscribedTotal.WithLabelValues(o.transcriber.Name()).Inc()
	}
	return transcript, nil
}

// transcribeSegment stages one segment in the object store, transcribes
// it and deletes the staged copy whatever the outcome.
func (o *Orchestrator) transcribeSegment(ctx context.Context, index int, name string, log zerolog.Logger) (episode.SegmentTranscript, error) {
	path := o.segmentPath(name)
	if err := o.store.Put(ctx, path, name); err != nil {
		return episode.SegmentTranscript{}, episode.Wrap(episode.ErrTranscriptionBackend, "upload "+name, err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.store.Delete(dctx, name); err != nil {
			log.Warn().Err(err).Str("key", name).Msg("failed to delete staged segment")
		}
	}()

	start := time.Now()
	results, err := o.transcriber.Transcribe(ctx, transcribe.ObjectRef{
		Key:       name,
		URI:       o.store.URI(name),
		LocalPath: path,
	})
	if err != nil {
		return episode.SegmentTranscript{}, err
	}
	metrics.ObserveStage("transcribe", start)
	log.Info().Int("segment", index).Int("results", len(results)).Dur("took", time.Since(start)).Msg("segment transcribed")

	return episode.SegmentTranscript{
		Index:        index,
		Name:         name,
		StartSeconds: (time.Duration(index-1) * o.segmenter.MaxDuration()).Seconds(),
		Results:      results,
	}, nil
}

func (o *Orchestrator) segmentPath(name string) string {
	return filepath.Join(o.scratchDir, name)
}

func (o *Orchestrator) removeSegments(names []string, log zerolog.Logger) {
	for _, name := range names {
		if err := os.Remove(o.segmentPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("segment", name).Msg("failed to remove segment")
		}
	}
}
