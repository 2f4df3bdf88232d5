package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/page-counter/internal"
)

// MockStore 實作 internal.Store 介面的 mock
//
// 以記憶體 map 保存計數，並支援錯誤注入與呼叫次數統計。
type MockStore struct {
	mu     sync.Mutex
	counts map[string]int64
	order  []string

	// 記錄呼叫次數
	RecordCalls atomic.Int32
	GetCalls    atomic.Int32
	ListCalls   atomic.Int32
	PingCalls   atomic.Int32

	// 錯誤注入：設定後所有對應操作返回該錯誤
	FailError error
	PingError error
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		counts: make(map[string]int64),
	}
}

// EnsureSchema 實作 Store 介面
func (m *MockStore) EnsureSchema(ctx context.Context) error {
	return m.FailError
}

// RecordVisit 實作 Store 介面
func (m *MockStore) RecordVisit(ctx context.Context, url string) (int64, error) {
	m.RecordCalls.Add(1)

	if m.FailError != nil {
		return 0, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.counts[url]; !exists {
		m.order = append(m.order, url)
	}
	m.counts[url]++

	return m.counts[url], nil
}

// GetCount 實作 Store 介面
func (m *MockStore) GetCount(ctx context.Context, url string) (int64, error) {
	m.GetCalls.Add(1)

	if m.FailError != nil {
		return 0, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counts[url], nil
}

// ListAll 實作 Store 介面（依建立順序）
func (m *MockStore) ListAll(ctx context.Context) ([]internal.PageCount, error) {
	m.ListCalls.Add(1)

	if m.FailError != nil {
		return nil, m.FailError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]internal.PageCount, 0, len(m.order))
	for _, url := range m.order {
		result = append(result, internal.PageCount{URL: url, Count: m.counts[url]})
	}

	return result, nil
}

// Ping 實作 Store 介面
func (m *MockStore) Ping(ctx context.Context) error {
	m.PingCalls.Add(1)
	return m.PingError
}

// Close 實作 Store 介面
func (m *MockStore) Close() error {
	return nil
}

// SetCount 直接設置計數（測試用）
func (m *MockStore) SetCount(url string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.counts[url]; !exists {
		m.order = append(m.order, url)
	}
	m.counts[url] = count
}

// Len 返回記錄筆數（測試用）
func (m *MockStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}

// MockPublisher 記錄所有發布的訪問事件
type MockPublisher struct {
	mu     sync.Mutex
	events []internal.VisitEvent
	closed bool

	FailError error
}

// NewMockPublisher 創建新的 MockPublisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishVisit 實作 VisitPublisher 介面
func (p *MockPublisher) PublishVisit(ctx context.Context, event internal.VisitEvent) error {
	if p.FailError != nil {
		return p.FailError
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("publisher closed")
	}
	p.events = append(p.events, event)
	return nil
}

// Close 實作 VisitPublisher 介面
func (p *MockPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Events 返回已發布事件的副本
func (p *MockPublisher) Events() []internal.VisitEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]internal.VisitEvent(nil), p.events...)
}
