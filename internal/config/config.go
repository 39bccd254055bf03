package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Pipeline
	ScratchDir         string        `env:"SCRATCH_DIR" envDefault:"./scratch"`
	WorkerID           string        `env:"WORKER_ID"`
	ClaimLease         time.Duration `env:"CLAIM_LEASE" envDefault:"12h"`
	CheckpointSegments bool          `env:"CHECKPOINT_SEGMENTS" envDefault:"true"`
	ErrorMessageMax    int           `env:"ERROR_MESSAGE_MAX" envDefault:"300"`
	StatsInterval      time.Duration `env:"STATS_INTERVAL" envDefault:"1m"`

	// Segmenter
	FFmpegPath         string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath        string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	SegmentMaxDuration time.Duration `env:"SEGMENT_MAX_DURATION" envDefault:"1h"`
	SegmentBitrate     string        `env:"SEGMENT_BITRATE" envDefault:"32k"`

	// Downloaders
	UserAgent       string        `env:"USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30m"`

	// Sources
	GLZMinAirDate          string `env:"GLZ_MIN_AIR_DATE" envDefault:"2023-10-06"`
	GLZExcludePageContains string `env:"GLZ_EXCLUDE_PAGE_CONTAINS" envDefault:"%D7%92%D7%9C%D7%92%D7%9C%D7%A6"`
	GLZBaseURL             string `env:"GLZ_BASE_URL" envDefault:"https://glz.co.il"`
	GLZTimetableRootID     int    `env:"GLZ_TIMETABLE_ROOT_ID" envDefault:"1051"`
	C14SeriesAPIURL        string `env:"C14_SERIES_API_URL" envDefault:"https://insight-api-shared.univtec.com/interface/pages/series"`
	C14ShowsPageURL        string `env:"C14_SHOWS_PAGE_URL" envDefault:"https://vod.c14.co.il/page/66d85aaa6e9a9c00237dec06"`
	C14VODBaseURL          string `env:"C14_VOD_BASE_URL" envDefault:"https://vod.c14.co.il/vod/"`

	// Transcription
	TranscribeProvider string        `env:"TRANSCRIBE_PROVIDER" envDefault:"google"`
	TranscribeTimeout  time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"3h20m"`
	TranscribeLanguage string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"iw-IL"`
	TranscribeModel    string        `env:"TRANSCRIBE_MODEL" envDefault:"chirp_2"`
	GoogleProjectID    string        `env:"GOOGLE_PROJECT_ID"`
	GoogleLocation     string        `env:"GOOGLE_LOCATION" envDefault:"us-central1"`
	GoogleCredentials  string        `env:"GOOGLE_CREDENTIALS_FILE"`
	WhisperURL         string        `env:"WHISPER_URL"`
	WhisperAPIKey      string        `env:"WHISPER_API_KEY"`
	WhisperModel       string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`

	// Object storage
	S3        S3Config `envPrefix:"S3_"`
	ObjectDir string   `env:"OBJECT_DIR" envDefault:"./objects"`

	// Events (optional)
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"radio-archive"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"radio-archive"`

	// Search cache (optional)
	RedisURL       string        `env:"REDIS_URL"`
	SearchCacheTTL time.Duration `env:"SEARCH_CACHE_TTL" envDefault:"5m"`
}

// S3Config configures the object store segments are staged in before
// transcription. GCS works through its S3-compatible endpoint.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`
	URIScheme string `env:"URI_SCHEME" envDefault:"gs"`
}

// Enabled reports whether an S3 bucket has been configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile            string
	HTTPAddr           string
	LogLevel           string
	DatabaseURL        string
	ScratchDir         string
	WorkerID           string
	TranscribeProvider string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.ScratchDir != "" {
		cfg.ScratchDir = overrides.ScratchDir
	}
	if overrides.WorkerID != "" {
		cfg.WorkerID = overrides.WorkerID
	}
	if overrides.TranscribeProvider != "" {
		cfg.TranscribeProvider = overrides.TranscribeProvider
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	if c.SegmentMaxDuration <= 0 {
		return fmt.Errorf("SEGMENT_MAX_DURATION must be positive")
	}
	if c.TranscribeTimeout <= 0 {
		return fmt.Errorf("TRANSCRIBE_TIMEOUT must be positive")
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("CLAIM_LEASE must be positive")
	}
	if _, err := c.GLZMinAirDateTime(); err != nil {
		return err
	}
	if s := strings.ToLower(c.S3.URIScheme); s != "gs" && s != "s3" {
		return fmt.Errorf("S3_URI_SCHEME must be gs or s3, got %q", c.S3.URIScheme)
	}
	return nil
}

// ValidateTranscription checks the settings the selected provider needs.
// Only commands that transcribe call it.
func (c *Config) ValidateTranscription() error {
	switch c.TranscribeProvider {
	case "google":
		if c.GoogleProjectID == "" {
			return fmt.Errorf("GOOGLE_PROJECT_ID is required when TRANSCRIBE_PROVIDER=google")
		}
		if !c.S3.Enabled() {
			return fmt.Errorf("S3_BUCKET is required when TRANSCRIBE_PROVIDER=google")
		}
	case "whisper":
		if c.WhisperURL == "" {
			return fmt.Errorf("WHISPER_URL is required when TRANSCRIBE_PROVIDER=whisper")
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBE_PROVIDER %q (want google or whisper)", c.TranscribeProvider)
	}
	return nil
}

// GLZMinAirDateTime parses GLZ_MIN_AIR_DATE. Empty disables the cutoff.
func (c *Config) GLZMinAirDateTime() (*time.Time, error) {
	if c.GLZMinAirDate == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, c.GLZMinAirDate)
	if err != nil {
		return nil, fmt.Errorf("GLZ_MIN_AIR_DATE: %w", err)
	}
	return &t, nil
}

// ResolveWorkerID returns the configured worker id or falls back to the
// hostname.
func (c *Config) ResolveWorkerID() string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "radio-archive"
	}
	return host
}
