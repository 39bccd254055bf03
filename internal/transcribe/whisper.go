package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/snarg/radio-archive/internal/episode"
)

// WhisperProvider calls an OpenAI-compatible /v1/audio/transcriptions
// endpoint with the segment's local bytes.
type WhisperProvider struct {
	url      string
	model    string
	language string
	apiKey   string
	client   *http.Client
}

// WhisperResponse is the parsed response from the Whisper API (verbose_json format).
type WhisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment is a timestamped span from Whisper.
type WhisperSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// NewWhisperProvider creates a new Whisper HTTP client. The deadline comes
// from the caller's context, not the http.Client.
func NewWhisperProvider(url, model, language, apiKey string) *WhisperProvider {
	return &WhisperProvider{
		url:      url,
		model:    model,
		language: WhisperLanguage(language),
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

func (wp *WhisperProvider) Name() string  { return "whisper" }
func (wp *WhisperProvider) Model() string { return wp.model }

// Transcribe uploads the segment as multipart/form-data.
func (wp *WhisperProvider) Transcribe(ctx context.Context, ref ObjectRef) ([]episode.Result, error) {
	if ref.LocalPath == "" {
		return nil, fmt.Errorf("whisper needs a local file for %s", ref.Key)
	}
	f, err := os.Open(ref.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(ref.LocalPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if wp.model != "" {
		w.WriteField("model", wp.model)
	}
	if wp.language != "" {
		w.WriteField("language", wp.language)
	}
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "segment")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wp.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wp.apiKey)
	}

	resp, err := wp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result WhisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Results(), nil
}

// Results maps Whisper segments onto transcript results. A response with
// text but no segments becomes a single result ending at Duration.
func (r *WhisperResponse) Results() []episode.Result {
	if len(r.Segments) == 0 {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			return []episode.Result{}
		}
		return []episode.Result{{Offset: r.Duration, Alternatives: []episode.Alternative{{Transcript: text}}}}
	}
	out := make([]episode.Result, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, episode.Result{
			Offset:       s.End,
			Alternatives: []episode.Alternative{{Transcript: strings.TrimSpace(s.Text)}},
		})
	}
	return out
}

// WhisperLanguage turns a BCP-47 tag into the ISO 639-1 code Whisper
// expects. "iw" is the legacy code for Hebrew.
func WhisperLanguage(tag string) string {
	lang, _, _ := strings.Cut(strings.ToLower(tag), "-")
	if lang == "iw" {
		return "he"
	}
	return lang
}
