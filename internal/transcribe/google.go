package transcribe

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/snarg/radio-archive/internal/episode"
	"google.golang.org/api/option"
)

// GoogleOptions configures the Speech-to-Text v2 batch provider.
type GoogleOptions struct {
	ProjectID       string
	Location        string // e.g. "us-central1"
	Model           string // e.g. "chirp_2"
	Language        string // BCP-47, e.g. "iw-IL"
	CredentialsFile string // empty = application default credentials
}

// GoogleProvider submits segments to Google Cloud Speech-to-Text v2 batch
// recognition and waits for the long-running operation.
type GoogleProvider struct {
	client     *speech.Client
	recognizer string
	model      string
	language   string
}

// NewGoogleProvider dials the regional Speech endpoint.
func NewGoogleProvider(ctx context.Context, opts GoogleOptions) (*GoogleProvider, error) {
	if opts.Location == "" {
		opts.Location = "us-central1"
	}
	var copts []option.ClientOption
	if opts.Location != "global" {
		copts = append(copts, option.WithEndpoint(opts.Location+"-speech.googleapis.com:443"))
	}
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &GoogleProvider{
		client:     client,
		recognizer: Recognizer(opts.ProjectID, opts.Location),
		model:      opts.Model,
		language:   opts.Language,
	}, nil
}

// Recognizer is the implicit recognizer resource for a project/location.
func Recognizer(projectID, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", projectID, location)
}

func (g *GoogleProvider) Name() string  { return "google" }
func (g *GoogleProvider) Model() string { return g.model }

func (g *GoogleProvider) Close() error { return g.client.Close() }

func (g *GoogleProvider) Transcribe(ctx context.Context, ref ObjectRef) ([]episode.Result, error) {
	op, err := g.client.BatchRecognize(ctx, g.request(ref.URI))
	if err != nil {
		return nil, fmt.Errorf("batch recognize: %w", err)
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for operation %s: %w", op.Name(), err)
	}

	file, ok := resp.GetResults()[ref.URI]
	if !ok {
		return nil, fmt.Errorf("no result for %s", ref.URI)
	}
	if st := file.GetError(); st != nil && st.GetCode() != 0 {
		return nil, fmt.Errorf("recognition failed for %s: code %d: %s", ref.URI, st.GetCode(), st.GetMessage())
	}
	return convertResults(fileTranscript(file).GetResults()), nil
}

// fileTranscript reads the inline result, falling back to the deprecated
// top-level transcript that older servers fill instead.
func fileTranscript(f *speechpb.BatchRecognizeFileResult) *speechpb.BatchRecognizeResults {
	if t := f.GetInlineResult().GetTranscript(); t != nil {
		return t
	}
	return f.GetTranscript()
}

func (g *GoogleProvider) request(uri string) *speechpb.BatchRecognizeRequest {
	return &speechpb.BatchRecognizeRequest{
		Recognizer: g.recognizer,
		Config: &speechpb.RecognitionConfig{
			DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
				AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
			},
			Model:         g.model,
			LanguageCodes: []string{g.language},
		},
		Files: []*speechpb.BatchRecognizeFileMetadata{
			{AudioSource: &speechpb.BatchRecognizeFileMetadata_Uri{Uri: uri}},
		},
		RecognitionOutputConfig: &speechpb.RecognitionOutputConfig{
			Output: &speechpb.RecognitionOutputConfig_InlineResponseConfig{
				InlineResponseConfig: &speechpb.InlineOutputConfig{},
			},
		},
		ProcessingStrategy: speechpb.BatchRecognizeRequest_DYNAMIC_BATCHING,
	}
}

func convertResults(in []*speechpb.SpeechRecognitionResult) []episode.Result {
	out := make([]episode.Result, 0, len(in))
	for _, r := range in {
		res := episode.Result{
			Offset:       r.GetResultEndOffset().AsDuration().Seconds(),
			Alternatives: make([]episode.Alternative, 0, len(r.GetAlternatives())),
		}
		for _, a := range r.GetAlternatives() {
			res.Alternatives = append(res.Alternatives, episode.Alternative{
				Transcript: a.GetTranscript(),
				Confidence: a.GetConfidence(),
			})
		}
		out = append(out, res)
	}
	return out
}
