// Package segment cuts long recordings into bounded-duration parts with
// ffmpeg so each part fits under a transcription backend's duration limit.
package segment

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snarg/radio-archive/internal/episode"
)

const (
	DefaultMaxDuration = time.Hour
	DefaultBitrate     = "32k"
	DefaultCodec       = "libmp3lame"
	DefaultExt         = "mp3"
)

// Window is a half-open time range [Start, End) of the source audio.
type Window struct {
	Start time.Duration
	End   time.Duration
}

func (w Window) Duration() time.Duration { return w.End - w.Start }

// Plan partitions [0, total) into contiguous windows of at most max.
// Boundaries depend only on the two arguments.
func Plan(total, max time.Duration) []Window {
	if total <= 0 {
		return nil
	}
	if max <= 0 {
		max = DefaultMaxDuration
	}
	n := int((total + max - 1) / max)
	windows := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		start := time.Duration(i) * max
		windows = append(windows, Window{Start: start, End: min(start+max, total)})
	}
	return windows
}

// Segment is one encoded part on local disk.
type Segment struct {
	Index int // 1-based
	Name  string
	Path  string
	Window
}

// Name returns the file name of part n (1-based) for a source file.
func Name(sourcePath string, n int, ext string) string {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return fmt.Sprintf("%s_p%d.%s", base, n, ext)
}

// Options configures a Segmenter. Zero values fall back to the defaults.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	MaxDuration time.Duration
	Bitrate     string
	Codec       string
	Ext         string
	Runner      Runner
}

// Segmenter splits audio files with ffmpeg.
type Segmenter struct {
	ffmpeg  string
	ffprobe string
	max     time.Duration
	bitrate string
	codec   string
	ext     string
	run     Runner
}

func New(opts Options) *Segmenter {
	s := &Segmenter{
		ffmpeg:  opts.FFmpegPath,
		ffprobe: opts.FFprobePath,
		max:     opts.MaxDuration,
		bitrate: opts.Bitrate,
		codec:   opts.Codec,
		ext:     opts.Ext,
		run:     opts.Runner,
	}
	if s.ffmpeg == "" {
		s.ffmpeg = "ffmpeg"
	}
	if s.ffprobe == "" {
		s.ffprobe = "ffprobe"
	}
	if s.max <= 0 {
		s.max = DefaultMaxDuration
	}
	if s.bitrate == "" {
		s.bitrate = DefaultBitrate
	}
	if s.codec == "" {
		s.codec = DefaultCodec
	}
	if s.ext == "" {
		s.ext = DefaultExt
	}
	if s.run == nil {
		s.run = ExecRunner{}
	}
	return s
}

// MaxDuration is the configured upper bound per segment.
func (s *Segmenter) MaxDuration() time.Duration { return s.max }

// Probe returns the duration of the audio at path.
func (s *Segmenter) Probe(ctx context.Context, path string) (time.Duration, error) {
	out, err := s.run.Output(ctx, s.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("audio has no duration")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Segments lazily encodes each planned window in order. Every yielded
// error is a segmentation error and ends the sequence. Iterating again
// re-encodes from the first window.
func (s *Segmenter) Segments(ctx context.Context, path string) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		total, err := s.Probe(ctx, path)
		if err != nil {
			yield(Segment{}, episode.Wrap(episode.ErrSegmentation, "probe", err))
			return
		}
		dir := filepath.Dir(path)
		for i, w := range Plan(total, s.max) {
			name := Name(path, i+1, s.ext)
			seg := Segment{Index: i + 1, Name: name, Path: filepath.Join(dir, name), Window: w}
			if err := s.encode(ctx, path, seg); err != nil {
				yield(Segment{}, episode.Wrap(episode.ErrSegmentation, "encode "+name, err))
				return
			}
			if !yield(seg, nil) {
				return
			}
		}
	}
}

// Split encodes every segment and returns them in order. On failure the
// parts already written are removed.
func (s *Segmenter) Split(ctx context.Context, path string) ([]Segment, error) {
	var segs []Segment
	for seg, err := range s.Segments(ctx, path) {
		if err != nil {
			Remove(segs)
			return nil, err
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, episode.Wrap(episode.ErrSegmentation, "split", fmt.Errorf("no segments produced for %s", filepath.Base(path)))
	}
	return segs, nil
}

func (s *Segmenter) encode(ctx context.Context, src string, seg Segment) error {
	_, err := s.run.Output(ctx, s.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", formatSeconds(seg.Start),
		"-t", formatSeconds(seg.Duration()),
		"-i", src,
		"-vn",
		"-acodec", s.codec,
		"-b:a", s.bitrate,
		seg.Path,
	)
	if err != nil {
		os.Remove(seg.Path)
		return err
	}
	return nil
}

// Remove deletes segment files, ignoring ones already gone.
func Remove(segs []Segment) {
	for _, seg := range segs {
		os.Remove(seg.Path)
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
