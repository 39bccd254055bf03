package download

import (
	"fmt"
	"path/filepath"
	"time"
)

// ScratchName is the local file name for an episode download: air date
// then the zero-padded episode id, so names never collide and sort
// chronologically.
func ScratchName(airDate time.Time, id int64, ext string) string {
	return fmt.Sprintf("%s_%010d.%s", airDate.Format(time.DateOnly), id, ext)
}

// ScratchPath joins ScratchName onto dir.
func ScratchPath(dir string, airDate time.Time, id int64, ext string) string {
	return filepath.Join(dir, ScratchName(airDate, id, ext))
}
