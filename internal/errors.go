package internal

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// 錯誤碼
const (
	ErrCodeRoomNotFound      = "ROOM_NOT_FOUND"
	ErrCodeRoomAlreadyExists = "ROOM_ALREADY_EXISTS"
	ErrCodeUsernameRequired  = "USERNAME_REQUIRED"
	ErrCodeUsernameTaken     = "USERNAME_TAKEN"
	ErrCodeMalformedPayload  = "MALFORMED_PAYLOAD"
	ErrCodeDeliveryFailure   = "DELIVERY_FAILURE"
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
//
// Message 是回傳給被拒絕方的原因文字（例如 WebSocket close reason），
// 因此保持簡短且不含內部細節。
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
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrRoomNotFound) 對帶有細節的副本也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 回傳附帶細節的副本（預定義錯誤是共享的，不能直接修改）
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// NewAppError 創建新的應用程式錯誤
func NewAppError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapError 包裝底層錯誤
func WrapError(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// 預定義錯誤
var (
	ErrRoomNotFound      = NewAppError(ErrCodeRoomNotFound, "Room not found")
	ErrRoomAlreadyExists = NewAppError(ErrCodeRoomAlreadyExists, "Room name already taken")
	ErrUsernameRequired  = NewAppError(ErrCodeUsernameRequired, "Username required")
	ErrUsernameTaken     = NewAppError(ErrCodeUsernameTaken, "Username taken")
	ErrMalformedPayload  = NewAppError(ErrCodeMalformedPayload, "Malformed payload")
	ErrDeliveryFailure   = NewAppError(ErrCodeDeliveryFailure, "Delivery failed")
	ErrInvalidInput      = NewAppError(ErrCodeInvalidInput, "Invalid JSON")
	ErrInternal          = NewAppError(ErrCodeInternal, "Internal Server Error")
)

// ErrorCode 取出錯誤碼，非 AppError 一律視為內部錯誤
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus 錯誤對應的 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case ErrCodeRoomNotFound:
		return http.StatusNotFound
	case ErrCodeRoomAlreadyExists, ErrCodeUsernameTaken:
		return http.StatusConflict
	case ErrCodeUsernameRequired, ErrCodeInvalidInput, ErrCodeMalformedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CloseFrame 錯誤對應的 WebSocket 關閉碼與原因
//
// 准入失敗一律使用 1008（policy violation），以原因文字區分；
// 其他未預期的錯誤使用 1011。
func CloseFrame(err error) (int, string) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return websocket.CloseInternalServerErr, ErrInternal.Message
	}

	switch appErr.Code {
	case ErrCodeRoomNotFound, ErrCodeUsernameRequired, ErrCodeUsernameTaken:
		return websocket.ClosePolicyViolation, appErr.Message
	default:
		return websocket.CloseInternalServerErr, ErrInternal.Message
	}
}
