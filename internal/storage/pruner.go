package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ScratchPruner removes intermediates that an interrupted run left in the
// scratch directory: partial downloads, HLS transport streams and staged
// object temp files. Whole files and segments are never touched since a
// resumed episode may still need them.
type ScratchPruner struct {
	dir       string
	retention time.Duration
	log       zerolog.Logger
}

// NewScratchPruner prunes intermediates older than retention.
func NewScratchPruner(dir string, retention time.Duration, log zerolog.Logger) *ScratchPruner {
	return &ScratchPruner{
		dir:       dir,
		retention: retention,
		log:       log.With().Str("component", "scratch-pruner").Logger(),
	}
}

// PruneResult summarizes one Prune pass.
type PruneResult struct {
	Pruned int
	Freed  int64
}

// Prune walks the scratch directory once.
func (p *ScratchPruner) Prune() PruneResult {
	var res PruneResult
	cutoff := time.Now().Add(-p.retention)

	filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !IsIntermediate(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			res.Pruned++
			res.Freed += info.Size()
		}
		return nil
	})

	if res.Pruned > 0 {
		p.log.Info().
			Int("pruned", res.Pruned).
			Str("freed", humanize.Bytes(uint64(res.Freed))).
			Msg("scratch prune complete")
	}
	return res
}

// IsIntermediate reports whether a scratch file name is a temporary
// artifact rather than a whole download or a segment.
func IsIntermediate(name string) bool {
	switch {
	case strings.HasSuffix(name, ".tmp"):
		return true
	case strings.HasSuffix(name, ".ts"):
		return true
	case strings.HasSuffix(name, ".part"):
		return true
	}
	return false
}
