package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/snarg/radio-archive/internal/episode"
)

// HTTPDownloader fetches a file with a single GET. Used for sources that
// publish direct mp3 links.
type HTTPDownloader struct {
	client *Client
}

func NewHTTPDownloader(client *Client) *HTTPDownloader {
	return &HTTPDownloader{client: client}
}

// Fetch writes the body of url to dest. dest only appears once the body
// has been fully written.
func (d *HTTPDownloader) Fetch(ctx context.Context, url, dest string) error {
	if url == "" {
		return episode.Wrap(episode.ErrDownload, "fetch", fmt.Errorf("episode has no file url"))
	}
	resp, err := d.client.Get(ctx, url)
	if err != nil {
		return episode.Wrap(episode.ErrDownload, "fetch", err)
	}
	defer resp.Body.Close()

	if err := writeAtomic(dest, resp.Body); err != nil {
		return episode.Wrap(episode.ErrDownload, "write", err)
	}
	return nil
}

// writeAtomic copies r into a temp file beside dest and renames it into
// place.
func writeAtomic(dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
