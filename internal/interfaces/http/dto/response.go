// Package dto HTTP 层请求与响应结构
package dto

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"z-novel-narrator/internal/domain/repository"
	apperrors "z-novel-narrator/pkg/errors"
)

// Response 成功响应信封
type Response[T any] struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    T         `json:"data,omitempty"`
	Meta    *PageMeta `json:"meta,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

// PageMeta 章节列表分页信息
type PageMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// ErrorDetail error_code 为应用错误码
type ErrorDetail struct {
	ErrorCode string `json:"error_code,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ErrorResponse 失败响应信封
type ErrorResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Error   *ErrorDetail `json:"error,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

func reply[T any](c *gin.Context, status int, message string, data T, meta *PageMeta) {
	c.JSON(status, Response[T]{
		Code:    status,
		Message: message,
		Data:    data,
		Meta:    meta,
		TraceID: c.GetString("trace_id"),
	})
}

func Success[T any](c *gin.Context, data T) {
	reply(c, http.StatusOK, "success", data, nil)
}

// SuccessWithPage meta 取自仓储分页结果
func SuccessWithPage[T, E any](c *gin.Context, data T, page *repository.PagedResult[E]) {
	reply(c, http.StatusOK, "success", data, &PageMeta{
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	})
}

func Created[T any](c *gin.Context, data T) {
	reply(c, http.StatusCreated, "created", data, nil)
}

// Accepted 异步运行已受理
func Accepted[T any](c *gin.Context, data T) {
	reply(c, http.StatusAccepted, "accepted", data, nil)
}

func fail(c *gin.Context, status int, message string, detail *ErrorDetail) {
	c.JSON(status, ErrorResponse{
		Code:    status,
		Message: message,
		Error:   detail,
		TraceID: c.GetString("trace_id"),
	})
}

func Error(c *gin.Context, status int, message string) {
	fail(c, status, message, nil)
}

func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, message, nil)
}

func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, message, nil)
}

func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, message, nil)
}

// FromError 按应用错误码映射状态码，内部错误不暴露详情
// 模型输出错误和致命调用失败例外，调用方需要看到原因
func FromError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	detail := &ErrorDetail{ErrorCode: string(appErr.Code), Details: appErr.Detail}
	if appErr.HTTPStatus >= http.StatusInternalServerError &&
		!apperrors.HasCode(err, apperrors.CodeFatalFailure) &&
		!apperrors.HasCode(err, apperrors.CodeMalformedOutput) {
		detail.Details = ""
	}
	fail(c, appErr.HTTPStatus, appErr.Message, detail)
}
