package episode

import (
	"encoding/json"
	"strings"
)

// Alternative is one recognition candidate, best first.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Result is a single recognized span. Offset is the end of the span in
// seconds, relative to the start of its segment.
type Result struct {
	Offset       float64       `json:"offset"`
	Alternatives []Alternative `json:"alternatives"`
}

// SegmentTranscript is the transcription of one segment. Index is 1-based
// and matches the _pN suffix of the segment name.
type SegmentTranscript struct {
	Index        int      `json:"segment"`
	Name         string   `json:"name,omitempty"`
	StartSeconds float64  `json:"start_seconds"`
	Results      []Result `json:"results"`
}

// Transcript is the ordered list of per-segment results for an episode.
type Transcript []SegmentTranscript

// Text flattens the transcript to the best alternative of each result,
// in order. Used for full-text indexing.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, seg := range t {
		for _, r := range seg.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			s := strings.TrimSpace(r.Alternatives[0].Transcript)
			if s == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// DecodeMetadata decodes the opaque source metadata into v. Unknown fields
// are ignored and the raw blob is never rewritten, so callers can read
// whatever subset they understand. An empty blob leaves v untouched.
func (e *Episode) DecodeMetadata(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
