// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/middleware"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/service"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// inboundFrame 是客户端经 WebSocket 发来的统一入站帧。
type inboundFrame struct {
	Type       string                 `json:"type"` // message | approval | stop
	ID         string                 `json:"id,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	Result     string                 `json:"result,omitempty"`
	CmdToken   string                 `json:"_internal_cmd_token,omitempty"`
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	turnService   service.TurnService
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(turnService service.TurnService) *ChatHandler {
	return &ChatHandler{turnService: turnService}
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// Handle 处理一个传入的 WebSocket 连接。
// 路径参数是 base64 编码的会话标识；解码失败会落入兜底标识，连接永不因此拒绝。
func (h *ChatHandler) Handle(c *gin.Context) {
	convID := identity.Decode(c.Param("conversation"))

	// 路由上的可选认证中间件放进来的凭证可以补全匿名会话的用户归属
	if claims := middleware.ClaimsFrom(c); claims != nil && convID.UserID == identity.FallbackUserID {
		convID.UserID = claims.UserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，会话: %s", convID.Key())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.writeError(conn, "malformed frame")
			continue
		}

		switch frame.Type {
		case "stop":
			h.handleStop(conn, frame)
		case "message":
			h.handleMessage(c, conn, convID, frame)
		case "approval":
			h.handleApproval(c, conn, convID, frame)
		default:
			h.writeError(conn, fmt.Sprintf("unknown frame type: %s", frame.Type))
		}
	}
}

func (h *ChatHandler) handleStop(conn *websocket.Conn, frame inboundFrame) {
	h.stopTokenLock.Lock()
	valid := frame.CmdToken != "" && frame.CmdToken == h.stopToken
	h.stopTokenLock.Unlock()
	if !valid {
		return
	}
	h.stopFlags.Store(sessionKey(conn), true)
	resp := map[string]interface{}{
		"type":      "stop",
		"message":   "响应已停止",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (h *ChatHandler) handleMessage(c *gin.Context, conn *websocket.Conn, convID identity.ConversationID, frame inboundFrame) {
	if strings.TrimSpace(frame.Text) == "" {
		h.writeError(conn, "empty message")
		return
	}

	userMsg := &model.Message{
		ID:        frame.ID,
		Role:      model.RoleUser,
		CreatedAt: time.Now(),
		Parts:     []model.Part{model.TextPart{Text: frame.Text}},
		Metadata:  frame.Metadata,
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.New().String()
	}

	// 清除旧停止标志，开始新回合
	h.stopFlags.Delete(sessionKey(conn))
	out := service.NewMergeStream(conn, h.shouldStop(conn))
	defer out.Close()

	if err := h.turnService.RunTurn(c.Request.Context(), convID, userMsg, out); err != nil {
		log.Errorf("处理回合失败: %v", err)
	}
}

func (h *ChatHandler) handleApproval(c *gin.Context, conn *websocket.Conn, convID identity.ConversationID, frame inboundFrame) {
	approval := model.Approval{
		ToolCallID: frame.ToolCallID,
		Result:     model.ApprovalResult(frame.Result),
	}
	if approval.ToolCallID == "" || !approval.Result.Valid() {
		h.writeError(conn, "invalid approval frame")
		return
	}

	h.stopFlags.Delete(sessionKey(conn))
	out := service.NewMergeStream(conn, h.shouldStop(conn))
	defer out.Close()

	if err := h.turnService.HandleApproval(c.Request.Context(), convID, approval, out); err != nil {
		log.Errorf("处理确认决定失败: %v", err)
	}
}

func (h *ChatHandler) shouldStop(conn *websocket.Conn) func() bool {
	return func() bool {
		v, ok := h.stopFlags.Load(sessionKey(conn))
		return ok && v.(bool)
	}
}

func (h *ChatHandler) writeError(conn *websocket.Conn, message string) {
	b, _ := json.Marshal(map[string]interface{}{"type": "error", "message": message})
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
