package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/page-counter/internal/migrations"
)

// PostgresStore 以 PostgreSQL 保存頁面計數
//
// 使用 pgxpool 而非單一連線，連線池在啟動時建立一次。
type PostgresStore struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// NewPostgresStore 依設定建立連線池與儲存層
func NewPostgresStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	dsn := cfg.PostgresDSN()

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	pgConfig.MaxConns = cfg.Storage.Postgres.MaxConns
	pgConfig.MinConns = cfg.Storage.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return NewPostgresStoreFromPool(pool, dsn, logger), nil
}

// NewPostgresStoreFromPool 使用既有連線池建立儲存層
//
// dsn 只用於執行遷移（golang-migrate 需要自己的連線）。
func NewPostgresStoreFromPool(pool *pgxpool.Pool, dsn string, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		dsn:    dsn,
		logger: logger,
	}
}

// EnsureSchema 執行資料庫遷移
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(migrations.DialectPostgres, s.dsn, s.logger); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}

	return nil
}

// RecordVisit 原子性地建立或遞增計數
func (s *PostgresStore) RecordVisit(ctx context.Context, url string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO page_counts (url, count) VALUES ($1, 1)
		 ON CONFLICT (url) DO UPDATE SET count = page_counts.count + 1
		 RETURNING count`,
		url,
	).Scan(&count)
	if err != nil {
		s.logger.Error("postgres record visit failed", "url", url, "error", err)
		return 0, fmt.Errorf("record visit: %w", err)
	}

	return count, nil
}

// GetCount 獲取計數，不存在時返回 0
func (s *PostgresStore) GetCount(ctx context.Context, url string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count FROM page_counts WHERE url = $1`, url).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get count: %w", err)
	}

	return count, nil
}

// ListAll 列出所有計數
func (s *PostgresStore) ListAll(ctx context.Context) ([]PageCount, error) {
	rows, err := s.pool.Query(ctx, `SELECT url, count FROM page_counts`)
	if err != nil {
		return nil, fmt.Errorf("list counts: %w", err)
	}

	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PageCount, error) {
		var pc PageCount
		err := row.Scan(&pc.URL, &pc.Count)
		return pc, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect counts: %w", err)
	}
	if counts == nil {
		counts = make([]PageCount, 0)
	}

	return counts, nil
}

// Ping 檢查連線
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 關閉連線池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
