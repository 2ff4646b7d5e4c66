package handler

import (
	"net/http"

	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/repository"
	"archive-chat-go/internal/service"
	"archive-chat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// TranscriptHandler 导出带已渲染引用的会话文字稿。
type TranscriptHandler struct {
	messages  repository.MessageRepository
	documents repository.DocumentRepository
}

// NewTranscriptHandler 创建一个新的 TranscriptHandler。
func NewTranscriptHandler(messages repository.MessageRepository, documents repository.DocumentRepository) *TranscriptHandler {
	return &TranscriptHandler{messages: messages, documents: documents}
}

// transcriptMessage 是导出视图中的一条消息，文本中的引用标记已改写为 [n]。
type transcriptMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Export 处理 GET /conversations/:conversation/transcript。
// 引用注册表通过重放历史重建，因此序号对同一份历史总是确定的。
func (h *TranscriptHandler) Export(c *gin.Context) {
	convID := identity.Decode(c.Param("conversation"))

	history, err := h.messages.GetHistory(c.Request.Context(), convID.Key())
	if err != nil {
		log.Errorf("加载会话历史失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "加载会话历史失败", "data": nil})
		return
	}

	registry := service.NewCitationRegistry()
	registry.BuildFromMessages(history)

	rendered := make([]transcriptMessage, 0, len(history))
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		if msg.Role == model.RoleAssistant {
			text = registry.RenderText(text)
		}
		rendered = append(rendered, transcriptMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   text,
			CreatedAt: msg.CreatedAt.Format("2006-01-02T15:04:05"),
		})
	}

	h.resolveTitles(registry)

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"conversation": convID.Key(),
		"messages":     rendered,
		"sources":      registry.Sources(),
	}})
}

// resolveTitles 用文档元数据补全仍是占位标题的源文档。
// 历史中只出现引用标记、没有对应检索结果的键会落到这里。
// 补全失败只记日志，导出照常返回占位标题。
func (h *TranscriptHandler) resolveTitles(registry *service.CitationRegistry) {
	missing := registry.MissingTitles()
	if len(missing) == 0 {
		return
	}
	docs, err := h.documents.FindBatchByStorageKeys(missing)
	if err != nil {
		log.Errorf("补全引用标题失败: %v", err)
		return
	}
	for _, doc := range docs {
		registry.SetTitle(doc.StorageKey, doc.Title)
	}
}
