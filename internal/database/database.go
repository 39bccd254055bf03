package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/episode"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Eligibility narrows which episodes of a source the pipeline picks up.
// Zero values disable a filter.
type Eligibility struct {
	MinAirDate          *time.Time
	ExcludePageContains string
}

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger

	eligibility map[episode.Source]Eligibility
}

func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("database connection failed")
		if attempt == connectAttempts {
			return nil, fmt.Errorf("database connection failed after %d attempts: %w", connectAttempts, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log, eligibility: map[episode.Source]Eligibility{}}, nil
}

// SetEligibility installs the source-specific pickup filter.
func (db *DB) SetEligibility(src episode.Source, e Eligibility) {
	if db.eligibility == nil {
		db.eligibility = map[episode.Source]Eligibility{}
	}
	db.eligibility[src] = e
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}
