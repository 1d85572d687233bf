package sequencer

import (
	"context"
	"fmt"
	"time"

	"z-novel-narrator/internal/application/narration/assembler"
	"z-novel-narrator/internal/application/narration/extractor"
	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/application/narration/parser"
	"z-novel-narrator/internal/application/narration/worldcard"
	"z-novel-narrator/internal/domain/entity"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
	"z-novel-narrator/pkg/metrics"
	"z-novel-narrator/pkg/tracer"
)

// execute 逐个节拍执行直到完成、失败或被取消
func (s *Sequencer) execute(ctx context.Context, exec *execution) (*entity.Run, error) {
	chapterID := exec.chapter.ID
	run := exec.snapshot()
	ctx = logger.WithChapter(ctx, chapterID, run.ID)
	ctx, span := tracer.Start(ctx, "sequencer.Run")
	defer span.End()

	metrics.NarrationActiveRuns.Inc()
	defer metrics.NarrationActiveRuns.Dec()

	s.updateChapterStatus(ctx, chapterID, entity.ChapterStatusGenerating)
	s.publish(ctx, entity.EventRunStatus, chapterID, run.ID, exec.from, run)
	logger.Info(ctx, "narration run started", "mode", string(run.Mode), "from_beat", exec.from, "to_beat", exec.to)

	// 已开始的节拍总是完整写入，取消只在节拍之间生效
	beatCtx := context.WithoutCancel(ctx)
	status := entity.RunStatusCompleted
	var runErr error
	for i := exec.from; i < exec.to; i++ {
		if s.cancelRequested(ctx, exec) {
			status = entity.RunStatusCancelled
			break
		}
		exec.update(func(r *entity.Run) { r.CurrentBeat = i })
		if err := s.runBeat(beatCtx, exec, i); err != nil {
			runErr = err
			status = entity.RunStatusFailed
			break
		}
		exec.update(func(r *entity.Run) {
			r.BeatsDone++
			r.CurrentBeat = i + 1
		})
	}

	code, msg := "", ""
	if runErr != nil {
		tracer.RecordError(span, runErr)
		code = string(apperrors.AsAppError(runErr).Code)
		msg = runErr.Error()
	}
	exec.update(func(r *entity.Run) { r.Finish(status, code, msg) })
	finished := exec.snapshot()

	chapterStatus := entity.ChapterStatusDraft
	switch {
	case exec.store.NextBeat() >= exec.chapter.BeatCount():
		chapterStatus = entity.ChapterStatusCompleted
	case status == entity.RunStatusFailed:
		chapterStatus = entity.ChapterStatusFailed
	}
	s.finish(ctx, chapterID, chapterStatus, finished)
	s.publish(ctx, entity.EventRunStatus, chapterID, finished.ID, finished.CurrentBeat, finished)

	s.mu.Lock()
	if s.active[chapterID] == exec {
		delete(s.active, chapterID)
	}
	s.mu.Unlock()
	s.clearCancel(ctx, chapterID)
	s.deps.Registry.Release(chapterID)
	s.release(ctx, exec.lease)

	metrics.NarrationRunsTotal.WithLabelValues(string(finished.Mode), string(finished.Status)).Inc()
	logger.Info(ctx, "narration run finished",
		"status", string(finished.Status),
		"beats_done", finished.BeatsDone,
		"error_code", code,
	)
	return finished, runErr
}

// runBeat 生成单个节拍，失败时撤销本节拍已追加的日志
func (s *Sequencer) runBeat(ctx context.Context, exec *execution, beatIndex int) (err error) {
	chapter, store := exec.chapter, exec.store
	runID := exec.snapshot().ID
	beat, ok := chapter.Beat(beatIndex)
	if !ok {
		return apperrors.ErrBeatNotFound.WithDetail(fmt.Sprintf("beat %d", beatIndex))
	}

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.BeatDuration.WithLabelValues(string(beat.Kind), status).Observe(time.Since(start).Seconds())
	}()

	ctx = logger.WithContext(ctx, logger.BeatIndexKey, beatIndex)
	ctx, span := tracer.Start(ctx, "sequencer.Beat")
	defer span.End()

	snap := store.Snapshot(s.cfg.RecentWindow)
	if snap.NextBeat != beatIndex {
		return apperrors.ErrBeatOutOfOrder.WithDetail(fmt.Sprintf("beat %d requested, next beat is %d", beatIndex, snap.NextBeat))
	}

	msgs, err := s.deps.Assembler.Assemble(ctx, assembler.Input{
		Chapter:   chapter,
		Lore:      worldcard.MergeLore(chapter.Lore, s.deps.Card),
		BeatIndex: beatIndex,
		Snapshot:  snap,
	})
	if err != nil {
		return err
	}

	lastSpeaker := parser.LastSpeaker(snap.Window)
	var items []entity.LogItem
	res, err := s.deps.Executor.Execute(ctx, orchestrator.Request{
		Kind:      entity.CallKindNarration,
		ChapterID: chapter.ID,
		RunID:     runID,
		BeatIndex: beatIndex,
		Provider:  s.cfg.NarrationProvider,
		Messages:  msgs,
		Validate: func(text string) error {
			parsed, perr := s.deps.Parser.Parse(text, lastSpeaker)
			if perr != nil {
				metrics.ParseFailures.Inc()
				return perr
			}
			items = parsed
			return nil
		},
	}, store)
	if err != nil {
		return err
	}
	s.publishCalls(ctx, chapter.ID, runID, beatIndex, res.Records)
	if res.Invalid != nil {
		logger.Warn(ctx, "narration output rejected", "reason", res.Invalid.Error())
		return res.Invalid
	}
	if !res.Succeeded() {
		return apperrors.ErrFatalFailure.WithDetail("narration: " + res.Reason)
	}

	appended, err := store.AppendLog(ctx, beatIndex, items)
	if err != nil {
		return err
	}
	s.publish(ctx, entity.EventLogItems, chapter.ID, runID, beatIndex, LogItemsPayload{Items: appended})
	first, last := appended[0].Sequence, appended[len(appended)-1].Sequence

	req, xres, err := s.deps.Extractor.Extract(ctx, extractor.Input{
		ChapterID: chapter.ID,
		RunID:     runID,
		BeatIndex: beatIndex,
		Items:     appended,
		Facts:     snap.Facts,
	}, store)
	if xres != nil {
		s.publishCalls(ctx, chapter.ID, runID, beatIndex, xres.Records)
	}
	if err != nil {
		s.rollback(ctx, exec, beatIndex, first, "fact extraction failed")
		return err
	}

	update, err := store.ApplyFactUpdate(ctx, *req)
	if err != nil {
		s.rollback(ctx, exec, beatIndex, first, "fact update failed")
		return err
	}
	s.publish(ctx, entity.EventFactUpdate, chapter.ID, runID, beatIndex, update)

	if err := store.MarkBeat(ctx, beatIndex, first, last, update.ID); err != nil {
		s.rollback(ctx, exec, beatIndex, first, "beat mark failed")
		return err
	}
	logger.Info(ctx, "beat generated",
		"kind", string(beat.Kind),
		"items", len(appended),
		"facts", len(update.Ops),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// rollback 截断本节拍追加的日志及其事实更新
func (s *Sequencer) rollback(ctx context.Context, exec *execution, beatIndex, fromSequence int, reason string) {
	res, err := exec.store.Truncate(context.WithoutCancel(ctx), fromSequence)
	if err != nil {
		logger.Error(ctx, "failed to roll back beat log", err, "from_sequence", fromSequence)
		return
	}
	logger.Warn(ctx, "rolled back beat log", "from_sequence", fromSequence, "removed", res.RemovedItems, "reason", reason)
	s.publish(ctx, entity.EventLogTruncated, exec.chapter.ID, exec.snapshot().ID, beatIndex, TruncatedPayload{
		FromSequence: res.FromSequence,
		RemovedItems: res.RemovedItems,
		Reason:       reason,
	})
}

func (s *Sequencer) publishCalls(ctx context.Context, chapterID, runID string, beatIndex int, records []entity.CallRecord) {
	for i := range records {
		s.publish(ctx, entity.EventCallRecord, chapterID, runID, beatIndex, records[i])
	}
}
