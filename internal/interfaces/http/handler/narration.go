package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/parser"
	"z-novel-narrator/internal/application/usage"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/internal/infrastructure/messaging"
	"z-novel-narrator/internal/interfaces/http/dto"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
)

// NarrationHandler 节拍生成与知识库查询处理器
type NarrationHandler struct {
	runner      NarrationRunner
	chapterRepo repository.ChapterRepository
	runRepo     repository.RunRepository
	registry    *knowledge.Registry
	dispatcher  JobDispatcher
	usage       *usage.Recorder
}

// NewNarrationHandler 创建叙事处理器，dispatcher 可以为 nil
func NewNarrationHandler(
	runner NarrationRunner,
	chapterRepo repository.ChapterRepository,
	runRepo repository.RunRepository,
	registry *knowledge.Registry,
	dispatcher JobDispatcher,
	usageRecorder *usage.Recorder,
) *NarrationHandler {
	return &NarrationHandler{
		runner:      runner,
		chapterRepo: chapterRepo,
		runRepo:     runRepo,
		registry:    registry,
		dispatcher:  dispatcher,
		usage:       usageRecorder,
	}
}

// Generate 生成节拍
// @Summary 生成章节节拍
// @Description mode=sequence 生成全部剩余节拍，mode=single 只生成 beat_index；async=true 时立即返回
// @Tags Narration
// @Accept json
// @Produce json
// @Param cid path string true "章节 ID"
// @Param body body dto.GenerateRequest false "生成参数"
// @Success 200 {object} dto.Response[entity.Run]
// @Success 202 {object} dto.Response[dto.JobResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/generate [post]
func (h *NarrationHandler) Generate(c *gin.Context) {
	var req dto.GenerateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			dto.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	h.generate(c, req.RunMode(), req.BeatIndex, req.Async)
}

// GenerateBeat 生成指定节拍
// @Summary 生成单个节拍
// @Tags Narration
// @Produce json
// @Param cid path string true "章节 ID"
// @Param idx path int true "节拍下标"
// @Param async query bool false "是否异步"
// @Success 200 {object} dto.Response[entity.Run]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/beats/{idx}/generate [post]
func (h *NarrationHandler) GenerateBeat(c *gin.Context) {
	idx, ok := dto.BindBeatIndex(c)
	if !ok {
		dto.BadRequest(c, "invalid beat index")
		return
	}
	async, _ := strconv.ParseBool(c.Query("async"))
	h.generate(c, entity.RunModeSingle, idx, async)
}

func (h *NarrationHandler) generate(c *gin.Context, mode entity.RunMode, beatIndex int, async bool) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	if !async {
		var (
			run *entity.Run
			err error
		)
		if mode == entity.RunModeSingle {
			run, err = h.runner.GenerateBeat(ctx, chapterID, beatIndex)
		} else {
			run, err = h.runner.GenerateSequence(ctx, chapterID)
		}
		if err != nil {
			logger.Warn(ctx, "generation failed", "chapter_id", chapterID, "error", err.Error())
			dto.FromError(c, err)
			return
		}
		dto.Success(c, run)
		return
	}

	if h.dispatcher == nil {
		run, err := h.runner.Start(ctx, chapterID, mode, beatIndex)
		if err != nil {
			dto.FromError(c, err)
			return
		}
		dto.Accepted(c, run)
		return
	}

	if _, err := h.requireChapter(ctx, chapterID); err != nil {
		dto.FromError(c, err)
		return
	}
	job := &messaging.NarrationJobMessage{
		JobID:     uuid.NewString(),
		ChapterID: chapterID,
		Action:    jobAction(mode),
		BeatIndex: beatIndex,
		RequestID: c.GetString("request_id"),
	}
	h.dispatch(c, job)
}

func (h *NarrationHandler) dispatch(c *gin.Context, job *messaging.NarrationJobMessage) {
	ctx := c.Request.Context()
	streamID, err := h.dispatcher.PublishJob(ctx, job)
	if err != nil {
		logger.Error(ctx, "failed to publish narration job", err, "chapter_id", job.ChapterID, "action", job.Action)
		dto.FromError(c, apperrors.Wrap(err, apperrors.CodeStreamError, "failed to enqueue narration job"))
		return
	}
	logger.Info(ctx, "narration job enqueued", "chapter_id", job.ChapterID, "job_id", job.JobID, "action", job.Action)
	dto.Accepted(c, &dto.JobResponse{
		JobID:     job.JobID,
		ChapterID: job.ChapterID,
		Action:    job.Action,
		StreamID:  streamID,
	})
}

// Cancel 取消当前运行
// @Summary 取消章节运行
// @Description 当前节拍结束后停止
// @Tags Narration
// @Produce json
// @Param cid path string true "章节 ID"
// @Success 200 {object} dto.Response[entity.Run]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/cancel [post]
func (h *NarrationHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	run, err := h.runner.Cancel(ctx, chapterID)
	if err == nil {
		logger.Info(ctx, "narration run cancel requested", "chapter_id", chapterID, "run_id", run.ID)
		dto.Success(c, run)
		return
	}
	// 运行可能在 worker 进程中
	if h.dispatcher != nil && apperrors.HasCode(err, apperrors.CodeRunNotFound) {
		h.dispatch(c, &messaging.NarrationJobMessage{
			JobID:     uuid.NewString(),
			ChapterID: chapterID,
			Action:    messaging.JobCancel,
			RequestID: c.GetString("request_id"),
		})
		return
	}
	dto.FromError(c, err)
}

// Truncate 从指定节拍截断
// @Summary 截断章节
// @Description 删除 from_beat 及其后的日志、事实更新与节拍标记，之后可重新生成
// @Tags Narration
// @Accept json
// @Produce json
// @Param cid path string true "章节 ID"
// @Param body body dto.TruncateRequest true "截断位置"
// @Success 200 {object} dto.Response[knowledge.TruncateResult]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/truncate [post]
func (h *NarrationHandler) Truncate(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	var req dto.TruncateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	res, err := h.runner.TruncateFromBeat(ctx, chapterID, req.FromBeat)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	logger.Info(ctx, "chapter truncated", "chapter_id", chapterID, "from_beat", req.FromBeat, "removed_items", res.RemovedItems)
	dto.Success(c, res)
}

// GetRun 获取当前或最近一次运行
// @Summary 获取运行状态
// @Tags Narration
// @Produce json
// @Param cid path string true "章节 ID"
// @Success 200 {object} dto.Response[entity.Run]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/run [get]
func (h *NarrationHandler) GetRun(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	if run := h.runner.ActiveRun(chapterID); run != nil {
		dto.Success(c, run)
		return
	}
	if h.runRepo == nil {
		dto.FromError(c, apperrors.ErrRunNotFound)
		return
	}
	run, err := h.runRepo.LatestByChapter(ctx, chapterID)
	if err != nil {
		logger.Error(ctx, "failed to get latest run", err, "chapter_id", chapterID)
		dto.InternalError(c, "failed to get run")
		return
	}
	if run == nil {
		dto.FromError(c, apperrors.ErrRunNotFound)
		return
	}
	dto.Success(c, run)
}

// GetLog 获取叙事日志
// @Summary 获取叙事日志
// @Tags Knowledge
// @Produce json
// @Param cid path string true "章节 ID"
// @Param from query int false "起始序号" default(1)
// @Param limit query int false "最大条数"
// @Param render query bool false "附带 NARRATION_LOG 文本"
// @Success 200 {object} dto.Response[dto.LogResponse]
// @Router /v1/chapters/{cid}/log [get]
func (h *NarrationHandler) GetLog(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	from, _ := strconv.Atoi(c.DefaultQuery("from", "1"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	resp := &dto.LogResponse{
		ChapterID:    store.ChapterID(),
		LastSequence: store.LastSequence(),
		Items:        store.Items(from, limit),
	}
	if render, _ := strconv.ParseBool(c.Query("render")); render {
		resp.Rendered = parser.Render(resp.Items)
	}
	dto.Success(c, resp)
}

// GetFacts 获取事实快照
// @Summary 获取事实快照
// @Tags Knowledge
// @Produce json
// @Param cid path string true "章节 ID"
// @Param history query bool false "包含已取代的事实"
// @Success 200 {object} dto.Response[dto.FactsResponse]
// @Router /v1/chapters/{cid}/facts [get]
func (h *NarrationHandler) GetFacts(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	history, _ := strconv.ParseBool(c.Query("history"))
	var all []entity.Fact
	if history {
		all = store.Facts(true)
	}
	dto.Success(c, dto.ToFactsResponse(store.Snapshot(0), all, history))
}

// GetUpdates 获取事实更新历史
// @Summary 获取事实更新历史
// @Tags Knowledge
// @Produce json
// @Param cid path string true "章节 ID"
// @Success 200 {object} dto.Response[dto.UpdateListResponse]
// @Router /v1/chapters/{cid}/facts/updates [get]
func (h *NarrationHandler) GetUpdates(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	dto.Success(c, &dto.UpdateListResponse{Updates: store.Updates()})
}

// GetCalls 获取模型调用记录
// @Summary 获取模型调用记录
// @Tags Knowledge
// @Produce json
// @Param cid path string true "章节 ID"
// @Param kind query string false "narration | fact_extraction"
// @Success 200 {object} dto.Response[dto.CallListResponse]
// @Router /v1/chapters/{cid}/calls [get]
func (h *NarrationHandler) GetCalls(c *gin.Context) {
	store, ok := h.store(c)
	if !ok {
		return
	}
	kind := entity.CallKind(c.Query("kind"))
	if kind != "" && kind != entity.CallKindNarration && kind != entity.CallKindFactExtraction {
		dto.BadRequest(c, "unknown call kind: "+string(kind))
		return
	}
	dto.Success(c, &dto.CallListResponse{Calls: store.Calls(kind)})
}

// GetUsage 获取章节 token 用量
// @Summary 获取 token 用量
// @Tags Knowledge
// @Produce json
// @Param cid path string true "章节 ID"
// @Success 200 {object} dto.Response[usage.ChapterUsage]
// @Router /v1/chapters/{cid}/usage [get]
func (h *NarrationHandler) GetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)
	if _, err := h.requireChapter(ctx, chapterID); err != nil {
		dto.FromError(c, err)
		return
	}
	sum, err := h.usage.Summarize(ctx, chapterID)
	if err != nil {
		logger.Error(ctx, "failed to summarize usage", err, "chapter_id", chapterID)
		dto.InternalError(c, "failed to summarize usage")
		return
	}
	dto.Success(c, sum)
}

func (h *NarrationHandler) requireChapter(ctx context.Context, chapterID string) (*entity.Chapter, error) {
	chapter, err := h.chapterRepo.GetByID(ctx, chapterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "load chapter failed")
	}
	if chapter == nil {
		return nil, apperrors.ErrChapterNotFound.WithDetail(chapterID)
	}
	return chapter, nil
}

// store 读取章节知识库，失败时已写入响应
func (h *NarrationHandler) store(c *gin.Context) (*knowledge.Store, bool) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)
	if _, err := h.requireChapter(ctx, chapterID); err != nil {
		dto.FromError(c, err)
		return nil, false
	}
	store, err := h.registry.View(ctx, chapterID)
	if err != nil {
		logger.Error(ctx, "failed to load knowledge", err, "chapter_id", chapterID)
		dto.FromError(c, err)
		return nil, false
	}
	return store, true
}
