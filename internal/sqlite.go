package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/koopa0/system-design/page-counter/internal/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore 以單一 SQLite 檔案保存頁面計數（預設驅動）
//
// 連線設計：
//   - 整個進程共用一個 *sql.DB，啟動時建立、關閉時釋放
//   - 預設 MaxOpenConns = 1：單一共享連線，寫入天然串行化
//   - busy_timeout 避免多連線時立即返回 SQLITE_BUSY
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStore 創建 SQLite 儲存層
//
// sql.Open 不會立即連線，資料目錄由 EnsureSchema 負責建立。
func NewSQLiteStore(config SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(config.File) == "" {
		return nil, errors.New("sqlite file is required")
	}
	// 驅動以第一個 '?' 切開路徑與參數
	if strings.Contains(config.Path(), "?") {
		return nil, fmt.Errorf("sqlite path must not contain '?': %q", config.Path())
	}

	db, err := sql.Open("sqlite", sqliteDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxOpenConns)
	}

	return &SQLiteStore{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// sqliteDSN 組合 modernc.org/sqlite 的連線字串
func sqliteDSN(config SQLiteConfig) string {
	params := url.Values{}
	params.Add("_pragma", "journal_mode(WAL)")
	if config.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()))
	}
	return filepath.Clean(config.Path()) + "?" + params.Encode()
}

// EnsureSchema 建立資料目錄並執行遷移
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if dir := s.config.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}

	// 遷移使用同一個 *sql.DB，不另開連線
	if err := migrations.RunSQLite(s.db, s.logger); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	return nil
}

// RecordVisit 原子性地建立或遞增計數
//
// 單一 upsert 語句取代「先讀後寫」，併發請求同一 url 時不會遺失更新。
func (s *SQLiteStore) RecordVisit(ctx context.Context, url string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO page_counts (url, count) VALUES (?, 1)
		 ON CONFLICT(url) DO UPDATE SET count = count + 1
		 RETURNING count`,
		url,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record visit: %w", err)
	}

	return count, nil
}

// GetCount 獲取計數，不存在時返回 0
func (s *SQLiteStore) GetCount(ctx context.Context, url string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM page_counts WHERE url = ?`, url).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get count: %w", err)
	}

	return count, nil
}

// ListAll 列出所有計數
func (s *SQLiteStore) ListAll(ctx context.Context) ([]PageCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, count FROM page_counts`)
	if err != nil {
		return nil, fmt.Errorf("list counts: %w", err)
	}
	defer rows.Close()

	counts := make([]PageCount, 0)
	for rows.Next() {
		var pc PageCount
		if err := rows.Scan(&pc.URL, &pc.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts = append(counts, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}

	return counts, nil
}

// Ping 檢查連線
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 關閉資料庫
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
