package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"akane/internal/observability/metrics"
)

const (
	viewerIndexKey  = "akane:viewers:index"
	viewerKeyPrefix = "akane:viewers:"
)

// RedisViewersConfig configures the Redis-backed presence driver so counts
// survive restarts and can be shared across replicas.
type RedisViewersConfig struct {
	Addr     string
	Username string
	Password string
}

// RedisViewers stores one sorted set per video scored by the last heartbeat
// time, plus an index set of active videos.
type RedisViewers struct {
	client  *redis.Client
	metrics *metrics.Recorder
	clock   func() time.Time
}

// NewRedisViewers connects to Redis. The caller is responsible for ensuring
// the instance is reachable.
func NewRedisViewers(cfg RedisViewersConfig, recorder *metrics.Recorder) (*RedisViewers, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	return &RedisViewers{
		client:  client,
		metrics: recorder,
		clock:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *RedisViewers) Heartbeat(ctx context.Context, videoID, viewerID string) error {
	now := r.clock()
	key := viewerKeyPrefix + videoID
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: viewerID})
	pipe.Expire(ctx, key, 2*ViewerTTL)
	pipe.SAdd(ctx, viewerIndexKey, videoID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

func (r *RedisViewers) ActiveCounts(ctx context.Context) (map[string]int, error) {
	videos, err := r.client.SMembers(ctx, viewerIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list viewer videos: %w", err)
	}
	cutoff := strconv.FormatInt(r.clock().Add(-ViewerTTL).Unix(), 10)
	counts := make(map[string]int)
	var total int64
	for _, videoID := range videos {
		key := viewerKeyPrefix + videoID
		if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
			return nil, fmt.Errorf("prune viewers: %w", err)
		}
		count, err := r.client.ZCard(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("count viewers: %w", err)
		}
		if count == 0 {
			_ = r.client.SRem(ctx, viewerIndexKey, videoID).Err()
			_ = r.client.Del(ctx, key).Err()
			continue
		}
		counts[videoID] = int(count)
		total += count
	}
	r.metrics.SetActiveViewers(total)
	return counts, nil
}

func (r *RedisViewers) Close() {
	_ = r.client.Close()
}

var _ ViewerTracker = (*RedisViewers)(nil)
