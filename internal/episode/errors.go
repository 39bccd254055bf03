package episode

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Failure kinds. Every error that aborts an episode attempt wraps exactly
// one of these.
var (
	ErrDownload             = errors.New("download failed")
	ErrSegmentation         = errors.New("segmentation failed")
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrTranscriptionBackend = errors.New("transcription backend error")
	ErrRepository           = errors.New("repository error")

	// ErrNotFound is returned by lookups that match no row. It is not a
	// failure kind.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a conditional write matched no row because the
	// episode was not in the expected state.
	ErrConflict = errors.New("conflict")

	// ErrClaimLost means another worker took over the episode's lease.
	ErrClaimLost = errors.New("claim lost")
)

// Error ties a failure kind to the operation that failed and its cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// Wrap returns nil when err is nil, so call sites can wrap unconditionally.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind of err, or nil if it carries none.
func KindOf(err error) error {
	for _, k := range []error{
		ErrDownload,
		ErrSegmentation,
		ErrTranscriptionTimeout,
		ErrTranscriptionBackend,
		ErrRepository,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is a short label for logs and metrics.
func KindLabel(err error) string {
	switch KindOf(err) {
	case ErrDownload:
		return "download"
	case ErrSegmentation:
		return "segmentation"
	case ErrTranscriptionTimeout:
		return "transcription_timeout"
	case ErrTranscriptionBackend:
		return "transcription_backend"
	case ErrRepository:
		return "repository"
	}
	return "unknown"
}

// Truncate cuts msg to at most n runes without splitting a UTF-8 sequence.
func Truncate(msg string, n int) string {
	if n <= 0 || utf8.RuneCountInString(msg) <= n {
		return msg
	}
	i := 0
	for pos := range msg {
		if i == n {
			return msg[:pos]
		}
		i++
	}
	return msg
}
