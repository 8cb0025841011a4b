// Package errors 提供统一的错误定义
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess            ErrorCode = "0"
	CodeUnknown            ErrorCode = "1000"
	CodeInvalidParam       ErrorCode = "1001"
	CodeNotFound           ErrorCode = "1004"
	CodeConflict           ErrorCode = "1005"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"

	// 资源错误 (3xxx)
	CodeChapterNotFound ErrorCode = "3002"
	CodeBatchNotFound   ErrorCode = "3005"

	// 生成流错误 (4xxx)
	CodeGenerationFailed ErrorCode = "4001"
	CodeTransportError   ErrorCode = "4101"
	CodeContentError     ErrorCode = "4102"
	CodeEmptyContent     ErrorCode = "4103"
	CodeSessionActive    ErrorCode = "4104"

	// 批量任务错误 (42xx)
	CodeCycleFailed      ErrorCode = "4201"
	CodeUnitCreateFailed ErrorCode = "4202"
	CodeUnitReadyTimeout ErrorCode = "4203"
	CodeBatchCancelled   ErrorCode = "4204"
	CodeBatchState       ErrorCode = "4205"

	// 外部服务错误 (5xxx)
	CodeDatabaseError    ErrorCode = "5001"
	CodeCacheError       ErrorCode = "5002"
	CodeLLMProviderError ErrorCode = "5005"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", e.Message, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，使 errors.Is(err, ErrXxx) 对包装后的错误同样成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 返回带详细信息的副本
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithError 返回带底层错误的副本
func (e *AppError) WithError(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeNotFound, CodeChapterNotFound, CodeBatchNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSessionActive, CodeBatchState:
		return http.StatusConflict
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTransportError, CodeLLMProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam  = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound      = New(CodeNotFound, "resource not found")
	ErrInternalError = New(CodeInternalError, "internal server error")

	ErrChapterNotFound = New(CodeChapterNotFound, "chapter not found")
	ErrBatchNotFound   = New(CodeBatchNotFound, "batch job not found")

	ErrGenerationFailed = New(CodeGenerationFailed, "chapter generation failed")
	ErrTransport        = New(CodeTransportError, "generation stream transport failed")
	ErrContent          = New(CodeContentError, "generation reported an error")
	ErrEmptyContent     = New(CodeEmptyContent, "generation ended without content")
	ErrSessionActive    = New(CodeSessionActive, "another generation session is active")

	ErrUnitCreateFailed = New(CodeUnitCreateFailed, "failed to create next unit")
	ErrUnitReadyTimeout = New(CodeUnitReadyTimeout, "timed out waiting for unit to become ready")
	ErrBatchState       = New(CodeBatchState, "batch job is not in the required state")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}

// CodeOf 返回错误链上第一个 AppError 的错误码
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}
