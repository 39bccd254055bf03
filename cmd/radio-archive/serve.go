package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/snarg/radio-archive/internal/api"
	"github.com/snarg/radio-archive/internal/metrics"
	"github.com/snarg/radio-archive/internal/mqttclient"
)

func newServeCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search, highlights and stats API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cc)
		},
	}
	cmd.Flags().StringVar(&cc.overrides.HTTPAddr, "listen", "", "HTTP listen address (default :8080)")
	return cmd
}

func runServe(ctx context.Context, cc *commandContext) error {
	startTime := time.Now()
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.log
	log.Info().Str("version", version).Msg("radio-archive serve starting")

	db, err := cc.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	cache := api.NewSearchCache(ctx, cfg.RedisURL, cfg.SearchCacheTTL, log)
	defer cache.Close()

	opts := api.ServerOptions{
		Store:     db,
		Cache:     cache,
		Version:   version,
		StartTime: startTime,
		Log:       cc.component("http"),
	}
	if cfg.MQTTBrokerURL != "" {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID + "-api",
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         cc.component("mqtt"),
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt unavailable, health will report it disconnected")
		} else {
			defer mqtt.Close()
			opts.MQTT = mqtt
		}
	}

	prometheus.MustRegister(metrics.NewCollector(db.Pool, nil, db))
	srv := api.NewServer(cfg, opts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			return err
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("radio-archive serve stopped")
	return nil
}
