package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/segment"
)

// Transcoder converts a downloaded container into the episode's audio
// format.
type Transcoder interface {
	Transcode(ctx context.Context, src, dest string) error
}

// FFmpegTranscoder extracts the audio track and re-encodes it.
type FFmpegTranscoder struct {
	FFmpegPath string
	Codec      string
	Bitrate    string
	Runner     segment.Runner
}

func (t FFmpegTranscoder) Transcode(ctx context.Context, src, dest string) error {
	bin, codec, bitrate, run := t.FFmpegPath, t.Codec, t.Bitrate, t.Runner
	if bin == "" {
		bin = "ffmpeg"
	}
	if codec == "" {
		codec = segment.DefaultCodec
	}
	if bitrate == "" {
		bitrate = segment.DefaultBitrate
	}
	if run == nil {
		run = segment.ExecRunner{}
	}
	_, err := run.Output(ctx, bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vn",
		"-acodec", codec,
		"-b:a", bitrate,
		dest,
	)
	return err
}

// HLSDownloader fetches a video-on-demand HLS stream, keeps the cheapest
// variant's media segments and transcodes the concatenated stream to audio.
type HLSDownloader struct {
	client     *Client
	transcoder Transcoder
}

func NewHLSDownloader(client *Client, transcoder Transcoder) *HLSDownloader {
	return &HLSDownloader{client: client, transcoder: transcoder}
}

func (d *HLSDownloader) Fetch(ctx context.Context, playlistURL, dest string) error {
	if playlistURL == "" {
		return episode.Wrap(episode.ErrDownload, "fetch", fmt.Errorf("episode has no playlist url"))
	}
	mediaURL, media, err := d.resolveMedia(ctx, playlistURL)
	if err != nil {
		return episode.Wrap(episode.ErrDownload, "playlist", err)
	}

	ts := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".ts"
	if err := d.concat(ctx, mediaURL, media, ts); err != nil {
		os.Remove(ts)
		return episode.Wrap(episode.ErrDownload, "segments", err)
	}
	defer os.Remove(ts)

	if err := d.transcoder.Transcode(ctx, ts, dest); err != nil {
		os.Remove(dest)
		return episode.Wrap(episode.ErrDownload, "transcode", err)
	}
	return nil
}

// resolveMedia loads playlistURL and, when it is a master playlist, follows
// the lowest-bandwidth variant to its media playlist.
func (d *HLSDownloader) resolveMedia(ctx context.Context, playlistURL string) (string, *m3u8.MediaPlaylist, error) {
	pl, kind, err := d.loadPlaylist(ctx, playlistURL)
	if err != nil {
		return "", nil, err
	}
	if kind == m3u8.MEDIA {
		return playlistURL, pl.(*m3u8.MediaPlaylist), nil
	}

	master := pl.(*m3u8.MasterPlaylist)
	variant := LowestBandwidth(master.Variants)
	if variant == nil {
		return "", nil, fmt.Errorf("master playlist has no variants")
	}
	mediaURL, err := resolve(playlistURL, variant.URI)
	if err != nil {
		return "", nil, err
	}
	pl, kind, err = d.loadPlaylist(ctx, mediaURL)
	if err != nil {
		return "", nil, err
	}
	if kind != m3u8.MEDIA {
		return "", nil, fmt.Errorf("variant %s is not a media playlist", variant.URI)
	}
	return mediaURL, pl.(*m3u8.MediaPlaylist), nil
}

func (d *HLSDownloader) loadPlaylist(ctx context.Context, u string) (m3u8.Playlist, m3u8.ListType, error) {
	resp, err := d.client.Get(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	pl, kind, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", u, err)
	}
	return pl, kind, nil
}

// concat streams every media segment in playlist order into one file.
func (d *HLSDownloader) concat(ctx context.Context, mediaURL string, media *m3u8.MediaPlaylist, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	n := 0
	for _, seg := range media.Segments {
		// The segment slice is a ring buffer with trailing nil slots.
		if seg == nil {
			continue
		}
		segURL, err := resolve(mediaURL, seg.URI)
		if err != nil {
			return err
		}
		if err := d.appendSegment(ctx, segURL, f); err != nil {
			return fmt.Errorf("segment %d: %w", n+1, err)
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("media playlist has no segments")
	}
	return f.Close()
}

func (d *HLSDownloader) appendSegment(ctx context.Context, u string, w io.Writer) error {
	resp, err := d.client.Get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// LowestBandwidth returns the variant with the smallest advertised
// bandwidth, or nil if there are none.
func LowestBandwidth(variants []*m3u8.Variant) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth < best.Bandwidth {
			best = v
		}
	}
	return best
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
