package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/page-counter/pkg/errors"
	"github.com/koopa0/system-design/page-counter/pkg/logger"
)

// maxBodyBytes 請求內容上限
const maxBodyBytes = 1 << 20

// RequestIDHeader 請求 ID 標頭
const RequestIDHeader = "X-Request-ID"

// Handler HTTP 請求處理器
type Handler struct {
	counter *PageCounter
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(counter *PageCounter, logger *slog.Logger) *Handler {
	return &Handler{
		counter: counter,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.loggerMiddleware(h.recoverer(handler))
	}

	// API 路由
	mux.HandleFunc("POST /api/visit", wrap(h.visit))
	mux.HandleFunc("GET /api/count", wrap(h.count))
	mux.HandleFunc("GET /api/all", wrap(h.all))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	// CORS 與請求 ID 必須包住整個 mux，預檢請求（OPTIONS）才不會被路由擋下
	return h.cors(h.requestID(mux))
}

// 請求和響應結構
type errorResponse struct {
	Detail string `json:"detail"`
}

// visit 記錄一次頁面訪問
func (h *Handler) visit(w http.ResponseWriter, r *http.Request) {
	url, err := decodeVisitRequest(r)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	pc, err := h.counter.RecordVisit(r.Context(), url)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, pc)
}

// decodeVisitRequest 解析 {"url": "<string>"}
//
// 整個 body 必須是單一 JSON 物件，尾端不可有多餘資料；重複的鍵以最後一個為準。
// url 缺少、為 null 或不是字串都屬於驗證錯誤；空字串是合法的鍵。
func decodeVisitRequest(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return "", apperrors.ErrInvalidBody.WithDetails("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return "", apperrors.ErrInvalidBody.WithDetails("request body too large")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", apperrors.ErrInvalidBody
	}

	raw, ok := fields["url"]
	if !ok {
		return "", apperrors.ErrURLRequired
	}

	var url *string
	if err := json.Unmarshal(raw, &url); err != nil {
		return "", apperrors.ErrURLNotString
	}
	if url == nil {
		return "", apperrors.ErrURLRequired
	}

	return *url, nil
}

// count 獲取指定頁面計數，不會增加
func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	values, ok := r.URL.Query()["url"]
	if !ok || len(values) == 0 {
		h.respondAppError(w, r, apperrors.ErrURLRequired)
		return
	}

	pc, err := h.counter.GetCount(r.Context(), values[0])
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, pc)
}

// all 獲取所有頁面計數
func (h *Handler) all(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counter.ListAll(r.Context())
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, counts)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.counter.Ready(r.Context()); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// 中間件

// cors 允許所有來源、方法與標頭（含 credentials）
//
// 帶 credentials 時瀏覽器不接受 "*"，因此回傳請求的 Origin。
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := w.Header()
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")

		// 預檢請求直接回應
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			header.Set("Access-Control-Allow-Methods", "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				header.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			header.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestID 為每個請求分配 ID，放進 context 與回應標頭
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// statusFor 錯誤碼對應 HTTP 狀態碼
func statusFor(err error) int {
	switch {
	case apperrors.IsValidation(err):
		return http.StatusUnprocessableEntity
	case apperrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError 把錯誤轉成 {"detail": "..."} 響應
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	detail := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		detail = appErr.Detail()
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "status", status, "error", err)
	}

	h.respondError(w, detail, status)
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorResponse{Detail: message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", message)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
