package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool
	// RequestsPerSecond 每个客户端每秒请求数
	RequestsPerSecond int
	// Burst 突发容量，窗口内允许 RequestsPerSecond + Burst 次
	Burst int
	// Endpoint 限流键中的接口名
	Endpoint string
}

// RateLimiter 滑动窗口限流器
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// RateLimit 按客户端限流，keyFn 根据客户端与接口名构造键
func RateLimit(cfg RateLimitConfig, limiter RateLimiter, keyFn func(clientID, endpoint string) string) gin.HandlerFunc {
	if !cfg.Enabled || limiter == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	limit := cfg.RequestsPerSecond + cfg.Burst

	return func(c *gin.Context) {
		clientID := c.GetHeader("X-Client-ID")
		if clientID == "" {
			clientID = c.ClientIP()
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = c.FullPath()
		}

		allowed, remaining, err := limiter.Allow(c.Request.Context(), keyFn(clientID, endpoint), limit, time.Second)
		if err != nil {
			// 限流器故障时放行
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err.Error())
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":     http.StatusTooManyRequests,
				"message":  "rate limit exceeded",
				"error":    gin.H{"error_code": string(apperrors.CodeTooManyRequests)},
				"trace_id": c.GetString("trace_id"),
			})
			return
		}

		c.Next()
	}
}
