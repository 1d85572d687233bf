package handler

import (
	"github.com/gin-gonic/gin"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/internal/interfaces/http/dto"
	"z-novel-narrator/pkg/logger"
)

// ChapterHandler 章节处理器
type ChapterHandler struct {
	chapterRepo repository.ChapterRepository
	registry    *knowledge.Registry
}

// NewChapterHandler 创建章节处理器
func NewChapterHandler(chapterRepo repository.ChapterRepository, registry *knowledge.Registry) *ChapterHandler {
	return &ChapterHandler{
		chapterRepo: chapterRepo,
		registry:    registry,
	}
}

// ListChapters 获取章节列表
// @Summary 获取章节列表
// @Tags Chapters
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页条数" default(20)
// @Success 200 {object} dto.Response[dto.ChapterListResponse]
// @Router /v1/chapters [get]
func (h *ChapterHandler) ListChapters(c *gin.Context) {
	ctx := c.Request.Context()
	result, err := h.chapterRepo.List(ctx, dto.BindPage(c))
	if err != nil {
		logger.Error(ctx, "failed to list chapters", err)
		dto.InternalError(c, "failed to list chapters")
		return
	}

	dto.SuccessWithPage(c, dto.ToChapterListResponse(result.Items), result)
}

// CreateChapter 创建章节
// @Summary 创建章节
// @Description 节拍可以用 "a // b // c" 脚本或显式列表给出
// @Tags Chapters
// @Accept json
// @Produce json
// @Param body body dto.CreateChapterRequest true "章节信息"
// @Success 201 {object} dto.Response[dto.ChapterResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/chapters [post]
func (h *ChapterHandler) CreateChapter(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	chapter, ok := req.ToChapterEntity()
	if !ok {
		dto.BadRequest(c, "chapter needs at least one non-empty beat")
		return
	}

	if err := h.chapterRepo.Create(ctx, chapter); err != nil {
		logger.Error(ctx, "failed to create chapter", err)
		dto.InternalError(c, "failed to create chapter")
		return
	}

	logger.Info(ctx, "chapter created", "chapter_id", chapter.ID, "beats", chapter.BeatCount())
	dto.Created(c, dto.ToChapterResponse(chapter))
}

// GetChapter 获取章节详情
// @Summary 获取章节详情
// @Tags Chapters
// @Produce json
// @Param cid path string true "章节 ID"
// @Success 200 {object} dto.Response[dto.ChapterResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid} [get]
func (h *ChapterHandler) GetChapter(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	chapter, err := h.chapterRepo.GetByID(ctx, chapterID)
	if err != nil {
		logger.Error(ctx, "failed to get chapter", err)
		dto.InternalError(c, "failed to get chapter")
		return
	}
	if chapter == nil {
		dto.NotFound(c, "chapter not found")
		return
	}

	resp := dto.ToChapterResponse(chapter)
	if h.registry != nil {
		if store, err := h.registry.View(ctx, chapterID); err == nil {
			next := store.NextBeat()
			resp.NextBeat = &next
		} else {
			logger.Warn(ctx, "failed to load knowledge for chapter", "chapter_id", chapterID, "error", err.Error())
		}
	}
	dto.Success(c, resp)
}
