// Package wire 提供依赖注入配置
package wire

import (
	"context"
	"time"

	"z-novel-narrator/internal/application/narration/assembler"
	"z-novel-narrator/internal/application/narration/extractor"
	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/application/narration/parser"
	"z-novel-narrator/internal/application/narration/sequencer"
	"z-novel-narrator/internal/application/narration/worldcard"
	"z-novel-narrator/internal/application/usage"
	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/internal/domain/service"
	"z-novel-narrator/internal/infrastructure/llm"
	"z-novel-narrator/internal/infrastructure/messaging"
	"z-novel-narrator/internal/infrastructure/persistence/postgres"
	"z-novel-narrator/internal/infrastructure/persistence/redis"
	"z-novel-narrator/internal/interfaces/http/handler"
	"z-novel-narrator/internal/interfaces/http/router"
	workflowchain "z-novel-narrator/internal/workflow/chain"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
	"z-novel-narrator/pkg/logger"
)

// chapterCacheTTL 章节读缓存时长，章节写入时失效
const chapterCacheTTL = 5 * time.Minute

// Engine 叙事引擎依赖容器，API 与 worker 共用
type Engine struct {
	Config      *config.Config
	Postgres    *postgres.Client
	Redis       *redis.Client
	Chapters    repository.ChapterRepository
	Runs        repository.RunRepository
	Registry    *knowledge.Registry
	Sequencer   *sequencer.Sequencer
	Usage       *usage.Recorder
	Events      *messaging.EventBus
	Producer    *messaging.Producer
	RateLimiter *redis.RateLimiter
}

// App API 进程
type App struct {
	Engine *Engine
	Router *router.Router
}

// ProvidePostgresClient 创建 PostgreSQL 客户端
func ProvidePostgresClient(cfg *config.Config) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error(context.Background(), "failed to close postgres client", err)
		}
	}
	return client, cleanup, nil
}

// ProvideRedisClient 创建 Redis 客户端
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error(context.Background(), "failed to close redis client", err)
		}
	}
	return client, cleanup, nil
}

// ProvideChapterRepository 章节仓储，读路径经过 Redis 缓存
func ProvideChapterRepository(pg *postgres.Client, cache *redis.Cache) repository.ChapterRepository {
	return redis.NewCachedChapterRepository(postgres.NewChapterRepository(pg), cache, chapterCacheTTL)
}

func ProvideTransactor(pg *postgres.Client) repository.Transactor {
	return postgres.NewTxManager(pg)
}

func ProvideRunRepository(pg *postgres.Client) repository.RunRepository {
	return postgres.NewRunRepository(pg)
}

func ProvideKnowledgeRepository(pg *postgres.Client) repository.KnowledgeRepository {
	return postgres.NewKnowledgeRepository(pg)
}

func ProvideUsageRepository(pg *postgres.Client) repository.LLMUsageEventRepository {
	return postgres.NewLLMUsageEventRepository(pg)
}

func ProvideUsageRecorder(repo repository.LLMUsageEventRepository) *usage.Recorder {
	return usage.NewRecorder(repo)
}

// ProvideKnowledgeRegistry 知识库注册表，矛盾处理策略来自配置
func ProvideKnowledgeRegistry(cfg *config.Config, repo repository.KnowledgeRepository) (*knowledge.Registry, error) {
	policy, err := knowledge.ParsePolicy(cfg.Narration.ContradictionPolicy)
	if err != nil {
		return nil, err
	}
	return knowledge.NewRegistry(repo, knowledge.WithPolicy(policy)), nil
}

// ProvideChapterLocker 按 lock_backend 选择章节锁
func ProvideChapterLocker(cfg *config.Config, client *redis.Client) service.ChapterLocker {
	if cfg.Narration.LockBackend == "redis" && client != nil {
		return redis.NewChapterLocker(client, cfg.Narration.LockTTL)
	}
	logger.Warn(context.Background(), "using in-process chapter lock, concurrent processes are not excluded")
	return sequencer.NewMemoryLocker()
}

// ProvideCancelSignal lock_backend=redis 时取消请求经 Redis 传给持有运行的进程
// 请求保留到覆盖一个节拍的全部调用尝试
func ProvideCancelSignal(cfg *config.Config, client *redis.Client) service.CancelSignal {
	if cfg.Narration.LockBackend == "redis" && client != nil {
		ttl := 2 * time.Duration(max(cfg.Narration.MaxAttempts, 1)) * cfg.Narration.CallTimeout
		return redis.NewCancelSignal(client, ttl)
	}
	return sequencer.NewMemoryCancelSignal()
}

// ProvideWorldCard 读取默认世界卡，card_dir 为空时返回 nil
func ProvideWorldCard(cfg *config.Config) (*worldcard.Card, error) {
	if cfg.Narration.CardDir == "" {
		return nil, nil
	}
	card, err := worldcard.Load(cfg.Narration.CardDir)
	if err != nil {
		return nil, err
	}
	logger.Info(context.Background(), "world card loaded",
		"card", card.Name,
		"characters", len(card.Characters),
	)
	return card, nil
}

func ProvidePromptRegistry(cfg *config.Config) *workflowprompt.Registry {
	return workflowprompt.NewRegistry(workflowprompt.WithOverrideDir(cfg.Narration.TemplatePath))
}

// ProvideOrchestrator 模型调用编排器，底层为 eino chain
func ProvideOrchestrator(cfg *config.Config) *orchestrator.Orchestrator {
	factory := llm.NewEinoFactory(cfg)
	return orchestrator.New(workflowchain.NewGenerateChain(factory), orchestrator.ConfigFrom(cfg.Narration))
}

func ProvideAssembler(cfg *config.Config, prompts *workflowprompt.Registry) *assembler.Assembler {
	return assembler.New(prompts, cfg.Narration.NarrationTag)
}

func ProvideExtractor(cfg *config.Config, orch *orchestrator.Orchestrator, prompts *workflowprompt.Registry) *extractor.Extractor {
	return extractor.New(orch, prompts, cfg.Narration.ExtractionProvider)
}

func ProvideParser(cfg *config.Config) *parser.Parser {
	return parser.New(parser.Options{
		Tag:     cfg.Narration.NarrationTag,
		Markers: cfg.Narration.StructuralMarkers,
	})
}

// ProvideEventBus 章节事件流
func ProvideEventBus(cfg *config.Config, client *redis.Client) *messaging.EventBus {
	rs := cfg.Messaging.RedisStream
	return messaging.NewEventBus(client.Redis(), int64(rs.MaxLen), rs.EventTTL)
}

// ProvideProducer 任务生产者
func ProvideProducer(cfg *config.Config, client *redis.Client) *messaging.Producer {
	return messaging.NewProducer(client.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))
}

func ProvideRateLimiter(client *redis.Client) *redis.RateLimiter {
	return redis.NewRateLimiter(client)
}

// ProvideSequencer 节拍调度器
func ProvideSequencer(
	cfg *config.Config,
	chapters repository.ChapterRepository,
	runs repository.RunRepository,
	registry *knowledge.Registry,
	locker service.ChapterLocker,
	cancels service.CancelSignal,
	asm *assembler.Assembler,
	p *parser.Parser,
	orch *orchestrator.Orchestrator,
	ext *extractor.Extractor,
	events service.EventPublisher,
	tx repository.Transactor,
	card *worldcard.Card,
) *sequencer.Sequencer {
	return sequencer.New(sequencer.Deps{
		Chapters:  chapters,
		Runs:      runs,
		Registry:  registry,
		Locker:    locker,
		Cancels:   cancels,
		Assembler: asm,
		Parser:    p,
		Executor:  orch,
		Extractor: ext,
		Events:    events,
		Tx:        tx,
		Card:      card,
	}, sequencer.Config{
		RecentWindow:      cfg.Narration.RecentWindow,
		NarrationProvider: cfg.Narration.NarrationProvider,
	})
}

// ProvideJobDispatcher async_dispatch=stream 时异步请求投递给 worker
func ProvideJobDispatcher(cfg *config.Config, producer *messaging.Producer) handler.JobDispatcher {
	if cfg.Narration.AsyncDispatch != "stream" || producer == nil {
		return nil
	}
	return producer
}

// ProvideHealthChecks 只登记已经创建的客户端
func ProvideHealthChecks(pg *postgres.Client, rc *redis.Client) map[string]handler.HealthChecker {
	checks := make(map[string]handler.HealthChecker)
	if pg != nil {
		checks["postgres"] = pg
	}
	if rc != nil {
		checks["redis"] = rc
	}
	return checks
}

// ProvideHandlers HTTP 处理器集合
func ProvideHandlers(cfg *config.Config, e *Engine, dispatcher handler.JobDispatcher) router.Handlers {
	return router.Handlers{
		Health:    handler.NewHealthHandler(cfg.App.Version, ProvideHealthChecks(e.Postgres, e.Redis)),
		Chapter:   handler.NewChapterHandler(e.Chapters, e.Registry),
		Narration: handler.NewNarrationHandler(e.Sequencer, e.Chapters, e.Runs, e.Registry, dispatcher, e.Usage),
		Event:     handler.NewEventHandler(e.Chapters, e.Events),
	}
}

// ProvideRouter 创建路由
func ProvideRouter(cfg *config.Config, h router.Handlers, e *Engine) *router.Router {
	return router.New(cfg, h, e.RateLimiter, redis.BuildRateLimitKey)
}
