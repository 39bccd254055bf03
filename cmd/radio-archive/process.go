package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/radio-archive/internal/config"
	"github.com/snarg/radio-archive/internal/download"
	"github.com/snarg/radio-archive/internal/episode"
	"github.com/snarg/radio-archive/internal/metrics"
	"github.com/snarg/radio-archive/internal/mqttclient"
	"github.com/snarg/radio-archive/internal/pipeline"
	"github.com/snarg/radio-archive/internal/segment"
	"github.com/snarg/radio-archive/internal/storage"
	"github.com/snarg/radio-archive/internal/transcribe"
)

const scratchRetention = 24 * time.Hour

func newProcessCommand(cc *commandContext) *cobra.Command {
	var sourceFlag string
	var workers int
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Download, segment and transcribe every eligible episode of a source",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := episode.ParseSource(sourceFlag)
			if err != nil {
				return err
			}
			if workers < 1 {
				return fmt.Errorf("--workers must be at least 1")
			}
			return runProcess(cmd.Context(), cc, src, workers, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&sourceFlag, "source", "", "Source to process: glz or c14")
	cmd.Flags().IntVar(&workers, "workers", 1, "Episodes processed concurrently")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&cc.overrides.ScratchDir, "scratch-dir", "", "Scratch directory for downloads and segments")
	cmd.Flags().StringVar(&cc.overrides.WorkerID, "worker-id", "", "Claim owner id (default hostname)")
	cmd.Flags().StringVar(&cc.overrides.TranscribeProvider, "provider", "", "Transcription provider: google or whisper")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runProcess(ctx context.Context, cc *commandContext, src episode.Source, workers int, metricsAddr string) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateTranscription(); err != nil {
		return err
	}
	if err := segment.RequireTools(cfg.FFmpegPath, cfg.FFprobePath); err != nil {
		return err
	}
	log := cc.log.With().Str("source", string(src)).Logger()
	log.Info().Str("version", version).Int("workers", workers).Msg("radio-archive process starting")

	db, err := cc.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	storage.NewScratchPruner(cfg.ScratchDir, scratchRetention, log).Prune()

	store, err := storage.New(cfg.S3, cfg.ObjectDir, cc.component("storage"))
	if err != nil {
		return err
	}

	provider, closeProvider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeProvider()
	transcriber := transcribe.NewClient(provider, cfg.TranscribeTimeout)

	var publisher pipeline.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID + "-" + cfg.ResolveWorkerID(),
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         cc.component("mqtt"),
		})
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer mqtt.Close()
		publisher = mqtt
	}

	client := download.NewClient(cfg.UserAgent, cfg.DownloadTimeout)
	seg := segment.New(segment.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		MaxDuration: cfg.SegmentMaxDuration,
		Bitrate:     cfg.SegmentBitrate,
	})

	orchs := make(workerPool, 0, workers)
	for i := range workers {
		workerID := cfg.ResolveWorkerID()
		if workers > 1 {
			workerID = fmt.Sprintf("%s-%d", workerID, i+1)
		}
		// A previous run of this worker may have died holding claims.
		if n, err := db.ReleaseClaims(ctx, workerID); err != nil {
			return err
		} else if n > 0 {
			log.Info().Str("worker_id", workerID).Int64("released", n).Msg("released stale claims")
		}

		o, err := pipeline.New(pipeline.Options{
			Source:          src,
			Repo:            db,
			Downloader:      newDownloader(src, client, cfg),
			Segmenter:       seg,
			Store:           store,
			Transcriber:     transcriber,
			Publisher:       publisher,
			ScratchDir:      cfg.ScratchDir,
			WorkerID:        workerID,
			ClaimLease:      cfg.ClaimLease,
			Checkpoint:      cfg.CheckpointSegments,
			ErrorMessageMax: cfg.ErrorMessageMax,
			Log:             cc.component("pipeline").With().Str("source", string(src)).Str("worker_id", workerID).Logger(),
		})
		if err != nil {
			return err
		}
		orchs = append(orchs, o)
	}

	prometheus.MustRegister(metrics.NewCollector(db.Pool, orchs, db))
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
		defer srv.Close()
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go logProgress(progressCtx, orchs, cfg.StatsInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range orchs {
		g.Go(func() error {
			_, err := o.RunUntilExhausted(gctx)
			return err
		})
	}
	err = g.Wait()
	stopProgress()

	total := orchs.Stats()
	log.Info().Object("stats", total).Msg("radio-archive process finished")
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func newDownloader(src episode.Source, client *download.Client, cfg *config.Config) pipeline.Downloader {
	if src == episode.SourceC14 {
		return download.NewHLSDownloader(client, download.FFmpegTranscoder{
			FFmpegPath: cfg.FFmpegPath,
			Bitrate:    cfg.SegmentBitrate,
		})
	}
	return download.NewHTTPDownloader(client)
}

func newProvider(ctx context.Context, cfg *config.Config) (transcribe.Provider, func(), error) {
	switch cfg.TranscribeProvider {
	case "google":
		g, err := transcribe.NewGoogleProvider(ctx, transcribe.GoogleOptions{
			ProjectID:       cfg.GoogleProjectID,
			Location:        cfg.GoogleLocation,
			Model:           cfg.TranscribeModel,
			Language:        cfg.TranscribeLanguage,
			CredentialsFile: cfg.GoogleCredentials,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, func() { g.Close() }, nil
	case "whisper":
		w := transcribe.NewWhisperProvider(cfg.WhisperURL, cfg.WhisperModel, cfg.TranscribeLanguage, cfg.WhisperAPIKey)
		return w, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown transcription provider %q", cfg.TranscribeProvider)
}

// workerPool aggregates the stats of every orchestrator in this process.
type workerPool []*pipeline.Orchestrator

func (p workerPool) Stats() pipeline.Stats {
	var total pipeline.Stats
	for _, o := range p {
		s := o.Stats()
		total.Processed += s.Processed
		total.Transcribed += s.Transcribed
		total.Duplicates += s.Duplicates
		total.Failed += s.Failed
		total.Segments += s.Segments
		total.Elapsed = max(total.Elapsed, s.Elapsed)
	}
	return total
}

func (p workerPool) InFlight() int {
	n := 0
	for _, o := range p {
		n += o.InFlight()
	}
	return n
}

func (p workerPool) EpisodesPerHour() float64 { return p.Stats().PerHour() }

// logProgress reports throughput between episodes, which can be hours
// apart when segments are long.
func logProgress(ctx context.Context, pool workerPool, every time.Duration, log zerolog.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info().Object("stats", pool.Stats()).Int("in_flight", pool.InFlight()).Msg("progress")
		}
	}
}
