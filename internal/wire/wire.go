//go:build wireinject
// +build wireinject

package wire

import (
	"context"

	"github.com/google/wire"

	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/domain/service"
	"z-novel-narrator/internal/infrastructure/messaging"
	"z-novel-narrator/internal/infrastructure/persistence/redis"
)

// DataSet 存储与缓存
var DataSet = wire.NewSet(
	ProvidePostgresClient,
	ProvideRedisClient,
	redis.NewCache,
	ProvideChapterRepository,
	ProvideRunRepository,
	ProvideTransactor,
	ProvideKnowledgeRepository,
	ProvideUsageRepository,
	ProvideKnowledgeRegistry,
	ProvideChapterLocker,
	ProvideCancelSignal,
	ProvideRateLimiter,
)

// NarrationSet 叙事流水线
var NarrationSet = wire.NewSet(
	ProvideWorldCard,
	ProvidePromptRegistry,
	ProvideOrchestrator,
	ProvideAssembler,
	ProvideExtractor,
	ProvideParser,
	ProvideSequencer,
	ProvideUsageRecorder,
)

// MessagingSet 任务流与事件流
var MessagingSet = wire.NewSet(
	ProvideEventBus,
	ProvideProducer,
	wire.Bind(new(service.EventPublisher), new(*messaging.EventBus)),
)

// InitializeEngine 初始化叙事引擎
func InitializeEngine(ctx context.Context, cfg *config.Config) (*Engine, func(), error) {
	wire.Build(
		DataSet,
		NarrationSet,
		MessagingSet,
		wire.Struct(new(Engine), "*"),
	)
	return nil, nil, nil
}

// InitializeApp 初始化 API 进程
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(
		InitializeEngine,
		ProvideJobDispatcher,
		wire.FieldsOf(new(*Engine), "Producer"),
		ProvideHandlers,
		ProvideRouter,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}
