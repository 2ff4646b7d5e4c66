package handler

import (
	"net/http"

	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/service"
	"archive-chat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AnalyticsHandler 负责接收反馈与文档点击的上报。
type AnalyticsHandler struct {
	analyticsService service.AnalyticsService
}

// NewAnalyticsHandler 创建一个新的 AnalyticsHandler。
func NewAnalyticsHandler(analyticsService service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{analyticsService: analyticsService}
}

// feedbackRequest 是反馈上报的请求体。messageId 与 assistantIndex
// 二者至少给一个；assistantIndex 是助手消息在会话中的序号（从 0 计）。
type feedbackRequest struct {
	Conversation   string `json:"conversation" binding:"required"` // base64 编码的会话标识
	MessageID      string `json:"messageId"`
	AssistantIndex *int   `json:"assistantIndex"`
	Reaction       string `json:"reaction"` // like | dislike | null（清除反馈）
}

// Feedback 处理 POST /analytics/feedback。
// 目标消息找不到不算失败：统计尽力而为，绝不打断用户。
func (h *AnalyticsHandler) Feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的请求参数"})
		return
	}
	if req.MessageID == "" && req.AssistantIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "messageId 与 assistantIndex 至少提供一个"})
		return
	}

	index := -1
	if req.AssistantIndex != nil {
		index = *req.AssistantIndex
	}
	convID := identity.Decode(req.Conversation)
	if err := h.analyticsService.RecordFeedback(c.Request.Context(), convID, req.MessageID, index, req.Reaction); err != nil {
		log.Errorf("记录反馈失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "记录反馈失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// documentClickRequest 是文档点击上报的请求体。
type documentClickRequest struct {
	Conversation string `json:"conversation" binding:"required"`
	StorageKey   string `json:"storageKey" binding:"required"`
}

// DocumentClick 处理 POST /analytics/document-click。
func (h *AnalyticsHandler) DocumentClick(c *gin.Context) {
	var req documentClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的请求参数"})
		return
	}

	convID := identity.Decode(req.Conversation)
	if err := h.analyticsService.RecordDocumentClick(c.Request.Context(), convID, req.StorageKey); err != nil {
		log.Errorf("记录文档点击失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "记录文档点击失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
