package internal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/page-counter/internal"
	"github.com/koopa0/system-design/page-counter/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Detail string `json:"detail"`
}

// TestHandler_Visit 測試記錄訪問的 HTTP 端點
func TestHandler_Visit(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    string
		setupFunc      func(store *testutils.MockStore)
		expectedStatus int
		expectedURL    string
		expectedCount  int64
		expectedDetail string
	}{
		{
			name:           "first visit",
			requestBody:    `{"url": "https://example.com/"}`,
			expectedStatus: http.StatusOK,
			expectedURL:    "https://example.com/",
			expectedCount:  1,
		},
		{
			name:        "existing page",
			requestBody: `{"url": "/blog"}`,
			setupFunc: func(store *testutils.MockStore) {
				store.SetCount("/blog", 41)
			},
			expectedStatus: http.StatusOK,
			expectedURL:    "/blog",
			expectedCount:  42,
		},
		{
			name:           "empty string is a valid key",
			requestBody:    `{"url": ""}`,
			expectedStatus: http.StatusOK,
			expectedURL:    "",
			expectedCount:  1,
		},
		{
			name:           "extra fields are ignored",
			requestBody:    `{"url": "page", "referrer": "search"}`,
			expectedStatus: http.StatusOK,
			expectedURL:    "page",
			expectedCount:  1,
		},
		{
			name:           "missing url",
			requestBody:    `{}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url is required",
		},
		{
			name:           "null url",
			requestBody:    `{"url": null}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url is required",
		},
		{
			name:           "numeric url",
			requestBody:    `{"url": 42}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url must be a string",
		},
		{
			name:           "object url",
			requestBody:    `{"url": {"href": "/x"}}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url must be a string",
		},
		{
			name:           "invalid JSON",
			requestBody:    `{invalid json}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "request body must be a JSON object",
		},
		{
			name:           "array body",
			requestBody:    `["/page"]`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "request body must be a JSON object",
		},
		{
			name:           "trailing data after object",
			requestBody:    `{"url": "a"} garbage`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "request body must be a JSON object",
		},
		{
			name:           "two concatenated objects",
			requestBody:    `{"url": "a"}{"url": "b"}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "request body must be a JSON object",
		},
		{
			name:           "null body",
			requestBody:    `null`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url is required",
		},
		{
			name:           "duplicate key keeps the last value",
			requestBody:    `{"url": 5, "url": "a"}`,
			expectedStatus: http.StatusOK,
			expectedURL:    "a",
			expectedCount:  1,
		},
		{
			name:           "duplicate key with non-string last value",
			requestBody:    `{"url": "a", "url": 5}`,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url must be a string",
		},
		{
			name:           "empty body",
			requestBody:    "",
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "request body must be a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutils.NewMockStore()
			if tt.setupFunc != nil {
				tt.setupFunc(store)
			}
			handler := testutils.NewTestServer(t, store, nil)

			w := testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", tt.requestBody)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			if tt.expectedStatus == http.StatusOK {
				var resp internal.PageCount
				testutils.ParseJSONResponse(t, w, &resp)
				assert.Equal(t, tt.expectedURL, resp.URL)
				assert.Equal(t, tt.expectedCount, resp.Count)
				return
			}

			var resp errorBody
			testutils.ParseJSONResponse(t, w, &resp)
			assert.Equal(t, tt.expectedDetail, resp.Detail)

			// 驗證失敗不可觸及儲存層
			assert.Equal(t, int32(0), store.RecordCalls.Load())
			assert.Equal(t, 0, store.Len())
		})
	}
}

// TestHandler_Count 測試讀取計數的 HTTP 端點
func TestHandler_Count(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedURL    string
		expectedCount  int64
		expectedDetail string
	}{
		{
			name:           "existing page",
			query:          "?url=" + url.QueryEscape("/seen"),
			expectedStatus: http.StatusOK,
			expectedURL:    "/seen",
			expectedCount:  3,
		},
		{
			name:           "unseen page reads zero",
			query:          "?url=" + url.QueryEscape("/never"),
			expectedStatus: http.StatusOK,
			expectedURL:    "/never",
			expectedCount:  0,
		},
		{
			name:           "url with its own query string",
			query:          "?url=" + url.QueryEscape("https://example.com/a?b=c&d=e"),
			expectedStatus: http.StatusOK,
			expectedURL:    "https://example.com/a?b=c&d=e",
			expectedCount:  0,
		},
		{
			name:           "empty value",
			query:          "?url=",
			expectedStatus: http.StatusOK,
			expectedURL:    "",
			expectedCount:  0,
		},
		{
			name:           "missing url",
			query:          "",
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url is required",
		},
		{
			name:           "other parameter only",
			query:          "?page=/seen",
			expectedStatus: http.StatusUnprocessableEntity,
			expectedDetail: "url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutils.NewMockStore()
			store.SetCount("/seen", 3)
			handler := testutils.NewTestServer(t, store, nil)

			w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/count"+tt.query, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp internal.PageCount
				testutils.ParseJSONResponse(t, w, &resp)
				assert.Equal(t, tt.expectedURL, resp.URL)
				assert.Equal(t, tt.expectedCount, resp.Count)
			} else {
				var resp errorBody
				testutils.ParseJSONResponse(t, w, &resp)
				assert.Equal(t, tt.expectedDetail, resp.Detail)
				assert.Equal(t, int32(0), store.GetCalls.Load())
			}

			// 讀取永遠不會寫入
			assert.Equal(t, int32(0), store.RecordCalls.Load())
			assert.Equal(t, 1, store.Len())
		})
	}
}

// TestHandler_All 測試列出所有計數的 HTTP 端點
func TestHandler_All(t *testing.T) {
	t.Run("empty store returns empty array", func(t *testing.T) {
		store := testutils.NewMockStore()
		handler := testutils.NewTestServer(t, store, nil)

		w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/all", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
		assert.Equal(t, int32(1), store.ListCalls.Load())
	})

	t.Run("lists every page", func(t *testing.T) {
		store := testutils.NewMockStore()
		store.SetCount("/a", 2)
		store.SetCount("/b", 5)
		handler := testutils.NewTestServer(t, store, nil)

		w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/all", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[{"url":"/a","count":2},{"url":"/b","count":5}]`, w.Body.String())
	})
}

// TestHandler_StorageFailure 儲存層錯誤返回 500 與原始錯誤文字
func TestHandler_StorageFailure(t *testing.T) {
	store := testutils.NewMockStore()
	store.FailError = errors.New("database is locked")
	handler := testutils.NewTestServer(t, store, nil)

	requests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/visit", `{"url": "/page"}`},
		{http.MethodGet, "/api/count?url=/page", nil},
		{http.MethodGet, "/api/all", nil},
	}

	for _, req := range requests {
		t.Run(req.method+" "+req.path, func(t *testing.T) {
			w := testutils.MakeHTTPRequest(t, handler, req.method, req.path, req.body)

			assert.Equal(t, http.StatusInternalServerError, w.Code)

			var resp errorBody
			testutils.ParseJSONResponse(t, w, &resp)
			assert.Equal(t, "database is locked", resp.Detail)
		})
	}
}

// TestHandler_RoundTrip 以真實 SQLite 走完整流程
func TestHandler_RoundTrip(t *testing.T) {
	handler := testutils.NewTestServer(t, testutils.NewSQLiteStore(t), nil)
	target := "https://example.com/post?id=1"

	for want := int64(1); want <= 3; want++ {
		w := testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", map[string]string{"url": target})
		require.Equal(t, http.StatusOK, w.Code)

		var resp internal.PageCount
		testutils.ParseJSONResponse(t, w, &resp)
		assert.Equal(t, want, resp.Count)
	}

	w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/count?url="+url.QueryEscape(target), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var count internal.PageCount
	testutils.ParseJSONResponse(t, w, &count)
	assert.Equal(t, internal.PageCount{URL: target, Count: 3}, count)

	w = testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/all", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var all []internal.PageCount
	testutils.ParseJSONResponse(t, w, &all)
	assert.Equal(t, []internal.PageCount{{URL: target, Count: 3}}, all)
}

// TestHandler_ConcurrentVisits 並發請求不會遺失計數
func TestHandler_ConcurrentVisits(t *testing.T) {
	handler := testutils.NewTestServer(t, testutils.NewSQLiteStore(t), nil)

	const workers, iterations = 10, 10
	testutils.RunConcurrently(t, workers, iterations, func(workerID, iteration int) {
		w := testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", `{"url": "/hot"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/count?url=/hot", nil)
	var resp internal.PageCount
	testutils.ParseJSONResponse(t, w, &resp)
	assert.Equal(t, int64(workers*iterations), resp.Count)
}

// TestHandler_PublishesEvents 成功的訪問會發布事件
func TestHandler_PublishesEvents(t *testing.T) {
	publisher := testutils.NewMockPublisher()
	handler := testutils.NewTestServer(t, testutils.NewMockStore(), publisher)

	testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", `{"url": "/a"}`)
	testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", `{"url": 1}`)
	testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/count?url=/a", nil)

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "/a", events[0].URL)
	assert.Equal(t, int64(1), events[0].Count)
}

// TestHandler_CORS 測試跨來源設定
func TestHandler_CORS(t *testing.T) {
	handler := testutils.NewTestServer(t, testutils.NewMockStore(), nil)
	origin := "https://frontend.example.com"

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/visit", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Custom")

		w := serve(handler, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
		assert.Equal(t, "Content-Type, X-Custom", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("actual request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/all", nil)
		req.Header.Set("Origin", origin)

		w := serve(handler, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("error responses keep CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/count", nil)
		req.Header.Set("Origin", origin)

		w := serve(handler, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/all", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

// TestHandler_RequestID 測試請求 ID 的傳遞與產生
func TestHandler_RequestID(t *testing.T) {
	handler := testutils.NewTestServer(t, testutils.NewMockStore(), nil)

	t.Run("echoes client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(internal.RequestIDHeader, "trace-123")

		w := serve(handler, req)
		assert.Equal(t, "trace-123", w.Header().Get(internal.RequestIDHeader))
	})

	t.Run("generates id when absent", func(t *testing.T) {
		w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/health", nil)

		id := w.Header().Get(internal.RequestIDHeader)
		_, err := uuid.Parse(id)
		assert.NoError(t, err, "generated request id should be a uuid: %q", id)
	})
}

// TestHandler_HealthAndReady 測試健康與就緒檢查
func TestHandler_HealthAndReady(t *testing.T) {
	store := testutils.NewMockStore()
	handler := testutils.NewTestServer(t, store, nil)

	w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ready", w.Body.String())

	store.PingError = errors.New("connection refused")

	w = testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp errorBody
	testutils.ParseJSONResponse(t, w, &resp)
	assert.Equal(t, "connection refused", resp.Detail)
}

// TestHandler_MethodNotAllowed 錯誤的方法不會進入業務處理
func TestHandler_MethodNotAllowed(t *testing.T) {
	store := testutils.NewMockStore()
	handler := testutils.NewTestServer(t, store, nil)

	w := testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/visit", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/count?url=/a", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	assert.Equal(t, int32(0), store.RecordCalls.Load())
	assert.Equal(t, int32(0), store.GetCalls.Load())
}

// panicStore 在記錄訪問時 panic
type panicStore struct {
	*testutils.MockStore
}

func (s panicStore) RecordVisit(ctx context.Context, url string) (int64, error) {
	panic("unexpected nil pointer")
}

// TestHandler_PanicRecovery panic 轉為 500 響應
func TestHandler_PanicRecovery(t *testing.T) {
	handler := testutils.NewTestServer(t, panicStore{testutils.NewMockStore()}, nil)

	w := testutils.MakeHTTPRequest(t, handler, http.MethodPost, "/api/visit", `{"url": "/boom"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp errorBody
	testutils.ParseJSONResponse(t, w, &resp)
	assert.Equal(t, "internal server error", resp.Detail)

	// 之後的請求仍可正常處理
	w = testutils.MakeHTTPRequest(t, handler, http.MethodGet, "/api/all", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}
