package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fno-trading-engine/internal/errkind"
	"fno-trading-engine/internal/marketdata"
)

// Redis key layout.
const (
	// nseMarginKeyPrefix holds one NSE margin row per token.
	// Format: sodme:nse_margin:{token}
	nseMarginKeyPrefix = "sodme:nse_margin"

	// vixKey holds the latest India VIX snapshot.
	vixKey = "sodme:vix:last"

	// scheduleKeyPrefix holds the next fire time per scheduled job.
	// Format: sodme:schedule:{job}
	scheduleKeyPrefix = "sodme:schedule"

	// nseMarginTTL outlives one trading day so a restart before the 18:00
	// refresh still has yesterday's rows.
	nseMarginTTL = 36 * time.Hour

	vixTTL = 15 * time.Minute
)

// Cache is the Redis layer for hot lookups. Every method degrades to an
// error the caller can ignore; Redis being down never blocks trading.
type Cache struct {
	client *redis.Client
	log    zerolog.Logger
}

// CacheConfig holds Redis connection settings.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewCache connects to Redis and pings it once.
func NewCache(cfg CacheConfig, log zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errkind.Wrap(errkind.Persistence, err, "redis ping")
	}

	log.Info().Str("addr", cfg.Addr).Msg("connected to Redis")
	return &Cache{client: client, log: log.With().Str("component", "redis_cache").Logger()}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// ============================================================================
// NSE MARGIN ROWS
// ============================================================================

// UpsertNSEMarginRows writes the refreshed SPAN rows, one key per token.
func (c *Cache) UpsertNSEMarginRows(ctx context.Context, rows []marketdata.NSEMarginRow) error {
	pipe := c.client.Pipeline()
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return errkind.Wrap(errkind.Persistence, err, "marshal nse margin row")
		}
		pipe.Set(ctx, fmt.Sprintf("%s:%d", nseMarginKeyPrefix, row.Token), data, nseMarginTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "cache nse margin rows")
	}
	c.log.Debug().Int("rows", len(rows)).Msg("cached NSE margin rows")
	return nil
}

// NSEMarginRow returns the cached row for a token, or ok=false on a miss.
func (c *Cache) NSEMarginRow(ctx context.Context, token uint32) (marketdata.NSEMarginRow, bool, error) {
	var row marketdata.NSEMarginRow
	data, err := c.client.Get(ctx, fmt.Sprintf("%s:%d", nseMarginKeyPrefix, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return row, false, nil
	}
	if err != nil {
		return row, false, errkind.Wrap(errkind.Persistence, err, "get nse margin row")
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, false, errkind.Wrap(errkind.Persistence, err, "decode nse margin row")
	}
	return row, true, nil
}

// ============================================================================
// VIX
// ============================================================================

// SaveVIX caches the latest VIX observation.
func (c *Cache) SaveVIX(ctx context.Context, snap marketdata.VIXSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errkind.Wrap(errkind.Persistence, err, "marshal vix snapshot")
	}
	if err := c.client.Set(ctx, vixKey, data, vixTTL).Err(); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "cache vix snapshot")
	}
	return nil
}

// LastVIX returns the cached VIX snapshot, or ok=false when it has expired.
func (c *Cache) LastVIX(ctx context.Context) (marketdata.VIXSnapshot, bool, error) {
	var snap marketdata.VIXSnapshot
	data, err := c.client.Get(ctx, vixKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, errkind.Wrap(errkind.Persistence, err, "get vix snapshot")
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, errkind.Wrap(errkind.Persistence, err, "decode vix snapshot")
	}
	return snap, true, nil
}

// ============================================================================
// SCHEDULER STATE
// ============================================================================

// SaveNextFire records when a scheduled job is expected to run next, so a
// restarted process can tell whether it slept through a fire.
func (c *Cache) SaveNextFire(ctx context.Context, job string, at time.Time) error {
	key := fmt.Sprintf("%s:%s", scheduleKeyPrefix, job)
	if err := c.client.Set(ctx, key, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return errkind.Wrap(errkind.Persistence, err, "save next fire")
	}
	return nil
}

// NextFire returns the recorded next fire time for a job, or ok=false when
// none was recorded.
func (c *Cache) NextFire(ctx context.Context, job string) (time.Time, bool, error) {
	key := fmt.Sprintf("%s:%s", scheduleKeyPrefix, job)
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errkind.Wrap(errkind.Persistence, err, "get next fire")
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, errkind.Wrap(errkind.Persistence, err, "decode next fire")
	}
	return at, true, nil
}
