package internal

import (
	"context"
	"fmt"
	"log/slog"
)

// PageCount 單一頁面的訪問計數
//
// URL 是不透明的字串鍵，不做任何正規化（大小寫、空白、scheme 皆視為不同鍵）。
type PageCount struct {
	URL   string `json:"url"`
	Count int64  `json:"count"`
}

// Store 頁面計數儲存層
//
// 實作必須保證：
//   - 每個 url 最多一筆記錄
//   - RecordVisit 是單一原子操作（併發呼叫不會遺失更新）
//   - 沒有記錄的 url 讀取結果為 0，且讀取不會建立記錄
//
// 儲存層只返回原始錯誤，錯誤分類由 PageCounter 負責。
type Store interface {
	// EnsureSchema 冪等地建立資料表（與資料目錄），每次啟動都可安全呼叫
	EnsureSchema(ctx context.Context) error

	// RecordVisit 將 url 的計數加一並返回新值，第一次訪問返回 1
	RecordVisit(ctx context.Context, url string) (int64, error)

	// GetCount 返回 url 的計數，不存在時返回 0
	GetCount(ctx context.Context, url string) (int64, error)

	// ListAll 返回所有記錄的快照，順序依儲存引擎自然順序
	ListAll(ctx context.Context) ([]PageCount, error)

	// Ping 檢查儲存層連線
	Ping(ctx context.Context) error

	// Close 釋放連線資源
	Close() error
}

// NewStore 依設定建立儲存層
//
// 連線（池）在此建立一次，整個進程共用，生命週期與進程相同。
func NewStore(ctx context.Context, cfg *Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage.Driver {
	case DriverSQLite:
		return NewSQLiteStore(cfg.Storage.SQLite, logger)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg, logger)
	case DriverRedis:
		return NewRedisStore(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
