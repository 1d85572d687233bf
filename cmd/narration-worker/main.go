// Package main 叙事任务执行器入口（narration-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/infrastructure/eino/callback"
	"z-novel-narrator/internal/infrastructure/messaging"
	"z-novel-narrator/internal/interfaces/worker"
	"z-novel-narrator/internal/wire"
	"z-novel-narrator/pkg/logger"
	"z-novel-narrator/pkg/tracer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "narration-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	engine, cleanup, err := wire.InitializeEngine(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize engine", err)
	}
	defer cleanup()

	callback.Init(engine.Usage)

	rs := cfg.Messaging.RedisStream
	consumer := messaging.NewConsumer(engine.Redis.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamNarrationJobs,
		Group:         messaging.ConsumerGroupNarrationWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  rs.BlockTimeout,
		ClaimInterval: rs.ClaimInterval,
		RetryLimit:    rs.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    rs.RetryBackoff.Initial,
			Max:        rs.RetryBackoff.Max,
			Multiplier: rs.RetryBackoff.Multiplier,
		},
	})
	worker.NewNarrationWorker(engine.Sequencer).Register(consumer)

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start consumer", err)
	}

	log := logger.FromContext(ctx)
	log.Info("narration-worker started", "stream", string(messaging.StreamNarrationJobs))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumer.MonitorDLQ(gctx, rs.DLQAlertThreshold)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("narration-worker shutting down")
		consumer.Stop()
		for _, chapterID := range engine.Sequencer.ActiveChapters() {
			if _, err := engine.Sequencer.Cancel(context.Background(), chapterID); err != nil {
				log.Warn("failed to cancel run", "chapter_id", chapterID, "error", err)
			}
		}
		engine.Sequencer.Wait()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("narration-worker stopped with error", "error", err)
	}
	log.Info("narration-worker exited")
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
