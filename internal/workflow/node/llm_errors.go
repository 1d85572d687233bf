package node

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// ErrorClass 模型调用失败分类
type ErrorClass int

const (
	// ErrorRetryable 暂时性失败，可以重试
	ErrorRetryable ErrorClass = iota
	// ErrorFatal 重试也不会成功
	ErrorFatal
)

func (c ErrorClass) String() string {
	if c == ErrorFatal {
		return "fatal"
	}
	return "retryable"
}

var statusCodePattern = regexp.MustCompile(`(?i)status(?: code)?[:= ]+(\d{3})`)

// StatusCode 从 provider 错误信息中提取 HTTP 状态码，未找到返回 0
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// ClassifyLLMError 判断调用错误是否值得重试
// 无法识别的错误按可重试处理，由最大尝试次数兜底
func ClassifyLLMError(err error) ErrorClass {
	if err == nil {
		return ErrorRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorRetryable
	}

	switch code := StatusCode(err); {
	case code == 408 || code == 409 || code == 425 || code == 429:
		return ErrorRetryable
	case code >= 500:
		return ErrorRetryable
	case code >= 400:
		return ErrorFatal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length_exceeded"),
		strings.Contains(msg, "maximum context length"),
		strings.Contains(msg, "content_policy"),
		strings.Contains(msg, "content management policy"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"):
		return ErrorFatal
	default:
		return ErrorRetryable
	}
}
