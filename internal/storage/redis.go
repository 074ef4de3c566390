package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "courier/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "courier:broadcasts"

// redisStore keeps the log in a list, newest at the head, trimmed on every push.
type redisStore struct {
	client *redis.Client
	key    string
	max    int
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	key := strings.TrimSpace(cfg.RedisKey)
	if key == "" {
		key = defaultRedisKey
	}
	return &redisStore{client: client, key: key, max: cfg.maxEntries(), log: log}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendBroadcast(ctx context.Context, e BroadcastEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, b)
	pipe.LTrim(ctx, s.key, 0, int64(s.max-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentBroadcasts(ctx context.Context, n int) ([]BroadcastEntry, error) {
	if n <= 0 || n > s.max {
		n = s.max
	}
	raw, err := s.client.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BroadcastEntry, 0, len(raw))
	for _, r := range raw {
		var e BroadcastEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Warn("skipping corrupt broadcast log entry", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
