// Package router 提供 HTTP 路由配置
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/interfaces/http/handler"
	"z-novel-narrator/internal/interfaces/http/middleware"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Health    *handler.HealthHandler
	Chapter   *handler.ChapterHandler
	Narration *handler.NarrationHandler
	Event     *handler.EventHandler
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	cfg    *config.Config
}

// New 创建路由器，limiter 为 nil 时不限流
func New(cfg *config.Config, h Handlers, limiter middleware.RateLimiter, keyFn func(clientID, endpoint string) string) *Router {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		engine: gin.New(),
		cfg:    cfg,
	}
	r.setupMiddleware()
	r.setupRoutes(h, limiter, keyFn)
	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.CORS(r.cfg.Security.CORS))

	if r.cfg.Observability.Tracing.Enabled {
		r.engine.Use(middleware.Trace(r.cfg.App.Name))
		r.engine.Use(middleware.TraceContext())
	}
	if r.cfg.Observability.Metrics.Enabled {
		r.engine.Use(middleware.Metrics())
	}
}

func (r *Router) setupRoutes(h Handlers, limiter middleware.RateLimiter, keyFn func(clientID, endpoint string) string) {
	r.engine.GET("/health", h.Health.Health)
	r.engine.GET("/ready", h.Health.Ready)
	r.engine.GET("/live", h.Health.Live)

	if r.cfg.Observability.Metrics.Enabled {
		path := r.cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(promhttp.Handler()))
	}

	rl := r.cfg.Security.RateLimit
	generateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		Enabled:           rl.Enabled,
		RequestsPerSecond: rl.RequestsPerSecond,
		Burst:             rl.Burst,
		Endpoint:          "generate",
	}, limiter, keyFn)

	v1 := r.engine.Group("/v1")
	chapters := v1.Group("/chapters")
	{
		chapters.GET("", h.Chapter.ListChapters)
		chapters.POST("", h.Chapter.CreateChapter)
		chapters.GET("/:cid", h.Chapter.GetChapter)

		// 生成与运行控制
		chapters.POST("/:cid/generate", generateLimit, h.Narration.Generate)
		chapters.POST("/:cid/beats/:idx/generate", generateLimit, h.Narration.GenerateBeat)
		chapters.POST("/:cid/cancel", h.Narration.Cancel)
		chapters.POST("/:cid/truncate", h.Narration.Truncate)
		chapters.GET("/:cid/run", h.Narration.GetRun)

		// 知识库查询
		chapters.GET("/:cid/log", h.Narration.GetLog)
		chapters.GET("/:cid/facts", h.Narration.GetFacts)
		chapters.GET("/:cid/facts/updates", h.Narration.GetUpdates)
		chapters.GET("/:cid/calls", h.Narration.GetCalls)
		chapters.GET("/:cid/usage", h.Narration.GetUsage)

		chapters.GET("/:cid/events", h.Event.StreamEvents)
	}
}
