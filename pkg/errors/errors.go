// Package errors 提供應用程式錯誤處理
//
// 錯誤分類：
//   - INVALID_INPUT：請求輸入不合法（缺少 url、型別錯誤），不會觸及儲存層
//   - STORAGE_ERROR：儲存層失敗（I/O、鎖定、連線），統一對應 5xx
//   - SERVICE_UNAVAILABLE：依賴服務尚未就緒
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeStorage 儲存層錯誤
	ErrCodeStorage = "STORAGE_ERROR"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Detail 返回給客戶端看的錯誤描述
//
// 優先順序：Details > 底層錯誤文字 > Message，保證不會是空字串。
func (e *AppError) Detail() string {
	if e.Details != "" {
		return e.Details
	}
	if e.Err != nil {
		if msg := e.Err.Error(); msg != "" {
			return msg
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（返回副本，避免修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// WithCause 附加底層錯誤（返回副本，避免修改預定義錯誤）
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

// Validation 建立輸入驗證錯誤
func Validation(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Storage 包裝儲存層錯誤
func Storage(err error, message string) *AppError {
	return Wrap(err, ErrCodeStorage, message)
}

// 預定義錯誤
var (
	// ErrURLRequired 缺少 url 參數
	ErrURLRequired = Validation("url is required")

	// ErrURLNotString url 不是字串
	ErrURLNotString = Validation("url must be a string")

	// ErrInvalidBody 請求內容不是合法的 JSON 物件
	ErrInvalidBody = Validation("request body must be a JSON object")

	// ErrStorageUnavailable 儲存層不可用
	ErrStorageUnavailable = New(ErrCodeUnavailable, "storage unavailable")
)

// IsValidation 檢查是否為輸入驗證錯誤
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsStorage 檢查是否為儲存層錯誤
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
