package handler

import (
	"net/http"
	"strconv"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/tools"

	"github.com/gin-gonic/gin"
)

// SearchHandler 暴露直接检索接口，绕过对话层，用于前端文档列表与调试。
type SearchHandler struct {
	searchService tools.SearchCapability
}

// NewSearchHandler 创建一个新的 SearchHandler。
func NewSearchHandler(searchService tools.SearchCapability) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 处理 GET /search?q=...&topK=...&collection=...&from=...&to=...
// 时间过滤支持月（2006-01）与日（2006-01-02）两种精度，from 与 to 相等表示精确匹配。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少查询参数 q", "data": nil})
		return
	}

	topK := 10
	if v := c.Query("topK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			topK = n
		}
	}
	collection := c.Query("collection")
	if collection == "" {
		collection = config.Conf.Chat.DefaultCollection
	}

	var filters *model.SearchFilters
	if from, to := c.Query("from"), c.Query("to"); from != "" || to != "" {
		filters = &model.SearchFilters{AuthoredFrom: from, AuthoredTo: to}
	}

	outcome := h.searchService.Search(c.Request.Context(), query, collection, topK, filters)
	if outcome.Status != "success" {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": outcome.Error, "data": gin.H{"documents": []model.DocumentHit{}}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"documents": outcome.Documents}})
}
