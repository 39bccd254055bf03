package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	radioarchive "github.com/snarg/radio-archive"
	"github.com/snarg/radio-archive/internal/config"
	"github.com/snarg/radio-archive/internal/database"
	"github.com/snarg/radio-archive/internal/episode"
)

// commandContext loads configuration once per invocation and hands out the
// shared logger and database connection.
type commandContext struct {
	overrides config.Overrides

	configOnce sync.Once
	config     *config.Config
	configErr  error
	log        zerolog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.overrides)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		c.log = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
		c.config = cfg
	})
	return c.config, c.configErr
}

// connect opens the database and makes sure the schema is current.
func (c *commandContext) connect(ctx context.Context) (*database.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.Connect(ctx, cfg.DatabaseURL, c.component("database"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx, radioarchive.SchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	minAir, err := cfg.GLZMinAirDateTime()
	if err != nil {
		db.Close()
		return nil, err
	}
	db.SetEligibility(episode.SourceGLZ, database.Eligibility{
		MinAirDate:          minAir,
		ExcludePageContains: cfg.GLZExcludePageContains,
	})
	return db, nil
}

func (c *commandContext) component(name string) zerolog.Logger {
	return c.log.With().Str("component", name).Logger()
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "radio-archive",
		Short:         "Discover, download and transcribe radio episodes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := cc.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cc.overrides.EnvFile, "env-file", "", "Path to .env file (default .env)")
	flags.StringVar(&cc.overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&cc.overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")

	rootCmd.AddCommand(newProcessCommand(cc))
	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newDiscoverCommand(cc))
	rootCmd.AddCommand(newRetryCommand(cc))
	rootCmd.AddCommand(newMigrateCommand(cc))
	rootCmd.AddCommand(newStatusCommand(cc))

	return rootCmd
}

// parseDateFlag accepts YYYY-MM-DD or RFC 3339. Empty yields def.
func parseDateFlag(name, v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: want YYYY-MM-DD, got %q", name, v)
}
