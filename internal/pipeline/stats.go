package pipeline

import (
	"time"

	"github.com/rs/zerolog"
)

// Stats summarizes a worker's progress since it was created.
type Stats struct {
	Processed   int64
	Transcribed int64
	Duplicates  int64
	Failed      int64
	Segments    int64
	Elapsed     time.Duration
}

// PerHour is the processed-episode rate over Elapsed.
func (s Stats) PerHour() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Processed) / s.Elapsed.Hours()
}

func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("processed", s.Processed).
		Int64("transcribed", s.Transcribed).
		Int64("duplicates", s.Duplicates).
		Int64("failed", s.Failed).
		Int64("segments", s.Segments).
		Str("elapsed", s.Elapsed.Round(time.Second).String()).
		Float64("episodes_per_hour", s.PerHour())
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:   o.processed.Load(),
		Transcribed: o.transcribed.Load(),
		Duplicates:  o.duplicates.Load(),
		Failed:      o.failed.Load(),
		Segments:    o.segments.Load(),
		Elapsed:     time.Since(o.started),
	}
}

// InFlight and EpisodesPerHour feed the metrics collector.
func (o *Orchestrator) InFlight() int { return int(o.inFlight.Load()) }

func (o *Orchestrator) EpisodesPerHour() float64 { return o.Stats().PerHour() }
