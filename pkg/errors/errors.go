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
	CodeTooManyRequests    ErrorCode = "1006"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"

	// 资源错误 (3xxx)
	CodeChapterNotFound ErrorCode = "3002"
	CodeBeatNotFound    ErrorCode = "3005"
	CodeRunNotFound     ErrorCode = "3006"

	// 叙事生成错误 (4xxx)
	CodeMalformedOutput      ErrorCode = "4101"
	CodeRetryableFailure     ErrorCode = "4102"
	CodeFatalFailure         ErrorCode = "4103"
	CodeChapterBusy          ErrorCode = "4104"
	CodeStaleSource          ErrorCode = "4105"
	CodeOutOfOrder           ErrorCode = "4106"
	CodeBeatOutOfOrder       ErrorCode = "4107"
	CodeBeatAlreadyGenerated ErrorCode = "4108"
	CodeRunCancelled         ErrorCode = "4109"

	// 外部服务错误 (5xxx)
	CodeDatabaseError    ErrorCode = "5001"
	CodeCacheError       ErrorCode = "5002"
	CodeStreamError      ErrorCode = "5004"
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
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，使 errors.Is(err, ErrChapterBusy) 对派生错误同样成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 返回带详细信息的副本，预定义错误不会被修改
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

// Newf 创建带格式化详情的应用错误
func Newf(code ErrorCode, message string, format string, args ...any) *AppError {
	e := New(code, message)
	e.Detail = fmt.Sprintf(format, args...)
	return e
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
	case CodeNotFound, CodeChapterNotFound, CodeBeatNotFound, CodeRunNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeChapterBusy, CodeOutOfOrder, CodeBeatOutOfOrder, CodeBeatAlreadyGenerated, CodeStaleSource:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeMalformedOutput, CodeFatalFailure, CodeRetryableFailure, CodeLLMProviderError:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrConflict           = New(CodeConflict, "resource conflict")
	ErrTooManyRequests    = New(CodeTooManyRequests, "too many requests")
	ErrInternalError      = New(CodeInternalError, "internal server error")
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")

	ErrChapterNotFound = New(CodeChapterNotFound, "chapter not found")
	ErrBeatNotFound    = New(CodeBeatNotFound, "beat not found")
	ErrRunNotFound     = New(CodeRunNotFound, "run not found")

	ErrMalformedOutput      = New(CodeMalformedOutput, "malformed model output")
	ErrRetryableFailure     = New(CodeRetryableFailure, "transient model call failure")
	ErrFatalFailure         = New(CodeFatalFailure, "model call failed")
	ErrChapterBusy          = New(CodeChapterBusy, "chapter has an active run")
	ErrStaleSource          = New(CodeStaleSource, "fact source no longer exists")
	ErrOutOfOrder           = New(CodeOutOfOrder, "concurrent append rejected")
	ErrBeatOutOfOrder       = New(CodeBeatOutOfOrder, "beat is not the next beat")
	ErrBeatAlreadyGenerated = New(CodeBeatAlreadyGenerated, "beat already generated, truncate first")
	ErrRunCancelled         = New(CodeRunCancelled, "run cancelled")
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

// HasCode 判断错误链中是否存在指定错误码
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}
