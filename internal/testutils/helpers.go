package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/koopa0/system-design/page-counter/internal"
	"github.com/koopa0/system-design/page-counter/pkg/logger"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig 返回測試用的預設配置
//
// SQLite 資料目錄指向 t.TempDir()，每個測試互相隔離。
func DefaultTestConfig(t testing.TB) *internal.Config {
	t.Helper()

	cfg := internal.DefaultConfig()

	cfg.Server.Port = 8080
	cfg.Storage.SQLite.DataDir = filepath.Join(t.TempDir(), "data")

	// Log 配置
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	return cfg
}

// NewSQLiteStore 建立已初始化 schema 的臨時 SQLite 儲存層
func NewSQLiteStore(t testing.TB) *internal.SQLiteStore {
	t.Helper()

	cfg := DefaultTestConfig(t)
	store, err := internal.NewSQLiteStore(cfg.Storage.SQLite, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureSchema(context.Background()))

	return store
}

// NewTestServer 以指定儲存層組出完整的 HTTP handler
func NewTestServer(t testing.TB, store internal.Store, publisher internal.VisitPublisher) http.Handler {
	t.Helper()

	log := logger.Discard()
	counter := internal.NewPageCounter(store, publisher, log)
	return internal.NewHandler(counter, log).Routes()
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
//
// body 為 string 時原樣送出，其他型別先轉成 JSON。
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency int, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}(i)
	}

	wg.Wait()
}
