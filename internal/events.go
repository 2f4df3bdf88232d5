package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// VisitEvent 一次訪問被記錄後發布的事件
type VisitEvent struct {
	URL       string    `json:"url"`
	Count     int64     `json:"count"`
	VisitedAt time.Time `json:"visited_at"`
}

// VisitPublisher 發布訪問事件
//
// 發布是附帶功能：失敗只記錄日誌，不影響計數結果。
type VisitPublisher interface {
	PublishVisit(ctx context.Context, event VisitEvent) error
	Close() error
}

// NATSPublisher 透過 NATS 發布訪問事件
//
// Subject 固定（例如 pagecounter.visits），訂閱者可自行依 url 過濾。
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher 連接 NATS
func NewNATSPublisher(natsURL, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("page-counter"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// PublishVisit 序列化並發布事件
func (p *NATSPublisher) PublishVisit(ctx context.Context, event VisitEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal visit event: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish visit event: %w", err)
	}

	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
