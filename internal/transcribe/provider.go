package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snarg/radio-archive/internal/episode"
)

// ObjectRef points at one staged segment. URI is what a cloud backend
// reads; LocalPath is set for backends that upload bytes themselves.
type ObjectRef struct {
	Key       string
	URI       string
	LocalPath string
}

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, ref ObjectRef) ([]episode.Result, error)
	Name() string  // "google", "whisper"
	Model() string // model identifier for logs
}

// Client runs a Provider under a single long deadline and classifies its
// failures. A segment either yields its full result or an error.
type Client struct {
	provider Provider
	timeout  time.Duration
}

func NewClient(p Provider, timeout time.Duration) *Client {
	return &Client{provider: p, timeout: timeout}
}

func (c *Client) Name() string  { return c.provider.Name() }
func (c *Client) Model() string { return c.provider.Model() }

// Transcribe blocks until the backend finishes or the timeout elapses.
// Errors wrap episode.ErrTranscriptionTimeout or
// episode.ErrTranscriptionBackend.
func (c *Client) Transcribe(ctx context.Context, ref ObjectRef) ([]episode.Result, error) {
	tctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	results, err := c.provider.Transcribe(tctx, ref)
	if err != nil {
		return nil, classify(ctx, tctx, ref, err)
	}
	if results == nil {
		results = []episode.Result{}
	}
	return results, nil
}

// classify separates our own deadline from a backend failure. A cancelled
// parent context is passed through unchanged so shutdown is not mistaken
// for a failure.
func classify(parent, tctx context.Context, ref ObjectRef, err error) error {
	op := "transcribe " + ref.Key
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%s: %w", op, parent.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return episode.Wrap(episode.ErrTranscriptionTimeout, op, err)
	default:
		return episode.Wrap(episode.ErrTranscriptionBackend, op, err)
	}
}
