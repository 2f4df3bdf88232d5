// Package internal 實現頁面訪問計數服務
//
// 組成：
//   - Store：頁面計數的持久化儲存（SQLite / PostgreSQL / Redis）
//   - PageCounter：業務層，負責錯誤分類與訪問事件
//   - Handler：HTTP 介面，JSON 進出
//
// 設計原則：
//   - 遞增使用單一原子語句，不做「先讀後寫」
//   - 連線在啟動時建立一次，整個進程共用
//   - 只有 Handler 負責把錯誤轉成 HTTP 狀態碼
package internal

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/page-counter/pkg/errors"
)

// PageCounter 頁面計數業務層
type PageCounter struct {
	store     Store
	publisher VisitPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewPageCounter 創建計數服務
//
// publisher 可為 nil，表示不發布訪問事件。
func NewPageCounter(store Store, publisher VisitPublisher, logger *slog.Logger) *PageCounter {
	return &PageCounter{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordVisit 記錄一次訪問並返回最新計數
func (c *PageCounter) RecordVisit(ctx context.Context, url string) (PageCount, error) {
	count, err := c.store.RecordVisit(ctx, url)
	if err != nil {
		c.logger.ErrorContext(ctx, "record visit failed", "url", url, "error", err)
		return PageCount{}, apperrors.Storage(err, "record visit")
	}

	c.publish(ctx, VisitEvent{URL: url, Count: count, VisitedAt: c.now().UTC()})

	return PageCount{URL: url, Count: count}, nil
}

// GetCount 獲取目前計數，不會增加
func (c *PageCounter) GetCount(ctx context.Context, url string) (PageCount, error) {
	count, err := c.store.GetCount(ctx, url)
	if err != nil {
		c.logger.ErrorContext(ctx, "get count failed", "url", url, "error", err)
		return PageCount{}, apperrors.Storage(err, "get count")
	}

	return PageCount{URL: url, Count: count}, nil
}

// ListAll 獲取所有頁面計數
func (c *PageCounter) ListAll(ctx context.Context) ([]PageCount, error) {
	counts, err := c.store.ListAll(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "list counts failed", "error", err)
		return nil, apperrors.Storage(err, "list counts")
	}
	if counts == nil {
		counts = make([]PageCount, 0)
	}

	return counts, nil
}

// Ready 檢查儲存層是否可用
func (c *PageCounter) Ready(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return apperrors.ErrStorageUnavailable.WithCause(err)
	}
	return nil
}

// publish 發布訪問事件，失敗不影響主流程
func (c *PageCounter) publish(ctx context.Context, event VisitEvent) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.PublishVisit(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "failed to publish visit event",
			"url", event.URL,
			"count", event.Count,
			"error", err)
	}
}
