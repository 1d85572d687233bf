package dto

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"z-novel-narrator/internal/domain/repository"
)

// BindPage 读取 page 与 page_size，无法解析的值按缺省处理
func BindPage(c *gin.Context) repository.Pagination {
	return repository.NewPagination(queryInt(c, "page"), queryInt(c, "page_size"))
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

// BindChapterID 路径参数 :cid
func BindChapterID(c *gin.Context) string {
	return c.Param("cid")
}

// BindBeatIndex 路径参数 :idx，负数或非数字返回 false
func BindBeatIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// BindRunID 路径参数 :rid
func BindRunID(c *gin.Context) string {
	return c.Param("rid")
}
