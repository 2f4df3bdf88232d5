package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore 以單一 Redis Hash 保存頁面計數
//
// 資料結構：
//
//	HASH {key}
//	  field = url
//	  value = count
//
// HINCRBY 是原子操作（Redis 單線程模型），併發遞增不會遺失。
type RedisStore struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore 依設定建立 Redis 客戶端與儲存層
func NewRedisStore(cfg *Config, logger *slog.Logger) *RedisStore {
	rc := cfg.Storage.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxRetries:   rc.MaxRetries,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})

	return NewRedisStoreFromClient(client, rc.Key, logger)
}

// NewRedisStoreFromClient 使用既有客戶端建立儲存層
func NewRedisStoreFromClient(client *redis.Client, key string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		logger: logger,
	}
}

// EnsureSchema Redis 不需要建表，只確認連線可用
func (s *RedisStore) EnsureSchema(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// RecordVisit 原子性地遞增計數（不存在時 HINCRBY 會從 0 開始）
func (s *RedisStore) RecordVisit(ctx context.Context, url string) (int64, error) {
	count, err := s.client.HIncrBy(ctx, s.key, url, 1).Result()
	if err != nil {
		s.logger.Error("redis record visit failed", "url", url, "error", err)
		return 0, fmt.Errorf("record visit: %w", err)
	}
	return count, nil
}

// GetCount 獲取計數，不存在時返回 0
func (s *RedisStore) GetCount(ctx context.Context, url string) (int64, error) {
	count, err := s.client.HGet(ctx, s.key, url).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get count: %w", err)
	}
	return count, nil
}

// ListAll 列出所有計數（HGETALL 是單一指令，結果即為當下快照）
func (s *RedisStore) ListAll(ctx context.Context) ([]PageCount, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list counts: %w", err)
	}

	counts := make([]PageCount, 0, len(entries))
	for url, raw := range entries {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse count for %q: %w", url, err)
		}
		counts = append(counts, PageCount{URL: url, Count: count})
	}

	return counts, nil
}

// Ping 檢查連線
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 關閉客戶端
func (s *RedisStore) Close() error {
	return s.client.Close()
}
