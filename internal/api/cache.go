package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/database"
)

const searchKeyPrefix = "radioarchive:search:"

// SearchCache is a Redis cache-aside for search responses. A cache with
// no client is a no-op, so callers never branch on whether Redis is
// configured.
type SearchCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewSearchCache connects to redisURL. An empty URL, a bad URL or a failed
// ping all yield a disabled cache; search keeps working without it.
func NewSearchCache(ctx context.Context, redisURL string, ttl time.Duration, log zerolog.Logger) *SearchCache {
	log = log.With().Str("component", "search-cache").Logger()
	c := &SearchCache{ttl: ttl, log: log}
	if redisURL == "" {
		log.Info().Msg("redis not configured, search cache disabled")
		return c
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_URL, search cache disabled")
		return c
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, search cache disabled")
		rdb.Close()
		return c
	}
	log.Info().Dur("ttl", ttl).Msg("search cache enabled")
	c.rdb = rdb
	return c
}

// Enabled reports whether a Redis client is attached.
func (c *SearchCache) Enabled() bool { return c != nil && c.rdb != nil }

// Ping checks the Redis connection. It returns nil for a disabled cache.
func (c *SearchCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Get returns the cached response for f, or nil on a miss.
func (c *SearchCache) Get(ctx context.Context, f database.SearchFilter) []byte {
	if !c.Enabled() {
		return nil
	}
	b, err := c.rdb.Get(ctx, SearchKey(f)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug().Err(err).Msg("search cache get failed")
		}
		return nil
	}
	return b
}

// Set stores a search response for f. Failures are logged and dropped.
func (c *SearchCache) Set(ctx context.Context, f database.SearchFilter, v any) {
	if !c.Enabled() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, SearchKey(f), b, c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("search cache set failed")
	}
}

func (c *SearchCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// SearchKey derives the cache key from every field that affects the
// result set.
func SearchKey(f database.SearchFilter) string {
	d := xxhash.New()
	fmt.Fprintf(d, "%s\x00%s\x00", f.Mode, f.Query)
	if f.ChannelID != nil {
		d.WriteString(strconv.Itoa(*f.ChannelID))
	}
	d.WriteString("\x00")
	for _, t := range []*time.Time{f.From, f.To} {
		if t != nil {
			d.WriteString(t.UTC().Format(time.RFC3339))
		}
		d.WriteString("\x00")
	}
	fmt.Fprintf(d, "%d\x00%d", f.Limit, f.Offset)
	return searchKeyPrefix + strconv.FormatUint(d.Sum64(), 16)
}
