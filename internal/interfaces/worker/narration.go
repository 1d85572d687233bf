// Package worker 消费叙事任务流
package worker

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/infrastructure/messaging"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
)

// JobRunner 在 worker 进程内执行运行，由 sequencer.Sequencer 实现
type JobRunner interface {
	Start(ctx context.Context, chapterID string, mode entity.RunMode, beatIndex int) (*entity.Run, error)
	Cancel(ctx context.Context, chapterID string) (*entity.Run, error)
}

// HandlerRegistrar 可注册消息处理器的消费者
type HandlerRegistrar interface {
	RegisterHandler(msgType string, handler messaging.MessageHandler)
}

// NarrationWorker 叙事任务处理器
type NarrationWorker struct {
	runner JobRunner
}

func NewNarrationWorker(runner JobRunner) *NarrationWorker {
	return &NarrationWorker{runner: runner}
}

// Register 注册全部任务类型
func (w *NarrationWorker) Register(c HandlerRegistrar) {
	c.RegisterHandler(messaging.JobGenerateBeat, w.HandleGenerate)
	c.RegisterHandler(messaging.JobGenerateSequence, w.HandleGenerate)
	c.RegisterHandler(messaging.JobCancel, w.HandleCancel)
}

// HandleGenerate 启动运行，运行本身在后台继续
// 请求本身无效时不再重试，存储或锁服务故障交给消费者重试
func (w *NarrationWorker) HandleGenerate(ctx context.Context, msg *messaging.Message) error {
	job, err := decodeJob(msg)
	if err != nil {
		return err
	}
	ctx = w.jobContext(ctx, job)

	mode := entity.RunModeSequence
	if job.Action == messaging.JobGenerateBeat {
		mode = entity.RunModeSingle
	}
	run, err := w.runner.Start(ctx, job.ChapterID, mode, job.BeatIndex)
	if err != nil {
		if rejected(err) {
			logger.Warn(ctx, "narration job rejected", "job_id", job.JobID, "error", err.Error())
			return messaging.Permanent(err)
		}
		return err
	}
	logger.Info(ctx, "narration job started",
		"job_id", job.JobID,
		"run_id", run.ID,
		"mode", string(mode),
		"from_beat", run.FromBeat,
	)
	return nil
}

// HandleCancel 取消章节的运行，运行在其他 worker 时由 runner 转交取消请求
// 章节没有进行中的运行时确认消息，不再重试
func (w *NarrationWorker) HandleCancel(ctx context.Context, msg *messaging.Message) error {
	job, err := decodeJob(msg)
	if err != nil {
		return err
	}
	ctx = w.jobContext(ctx, job)

	run, err := w.runner.Cancel(ctx, job.ChapterID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeRunNotFound) {
			logger.Warn(ctx, "cancel job found no running run", "job_id", job.JobID)
			return nil
		}
		return err
	}
	logger.Info(ctx, "narration run cancel requested", "job_id", job.JobID, "run_id", run.ID)
	return nil
}

func (w *NarrationWorker) jobContext(ctx context.Context, job *messaging.NarrationJobMessage) context.Context {
	ctx = logger.WithChapter(ctx, job.ChapterID, "")
	if job.RequestID != "" {
		ctx = logger.WithContext(ctx, logger.RequestIDKey, job.RequestID)
	}
	return ctx
}

func decodeJob(msg *messaging.Message) (*messaging.NarrationJobMessage, error) {
	var job messaging.NarrationJobMessage
	if err := msg.UnmarshalPayload(&job); err != nil {
		return nil, messaging.Permanent(err)
	}
	if job.ChapterID == "" {
		job.ChapterID = msg.ChapterID
	}
	if job.RequestID == "" {
		job.RequestID = msg.GetMetadata("request_id")
	}
	if job.ChapterID == "" {
		return nil, messaging.Permanent(apperrors.ErrInvalidParam.WithDetail("job has no chapter id"))
	}
	return &job, nil
}

// rejected 重试也不会成功的错误
func rejected(err error) bool {
	for _, code := range []apperrors.ErrorCode{
		apperrors.CodeChapterNotFound,
		apperrors.CodeChapterBusy,
		apperrors.CodeBeatOutOfOrder,
		apperrors.CodeBeatAlreadyGenerated,
		apperrors.CodeBeatNotFound,
		apperrors.CodeInvalidParam,
	} {
		if apperrors.HasCode(err, code) {
			return true
		}
	}
	return false
}
