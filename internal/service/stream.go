// Package service 包含了应用的业务逻辑层。
package service

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"archive-chat-go/internal/model"
	"archive-chat-go/pkg/log"

	"github.com/gorilla/websocket"
)

// FrameWriter 抽象了出站帧的写入端，*websocket.Conn 天然满足。
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// mergeEvent 是合并流内部的统一事件。
type mergeEvent struct {
	payload []byte
}

// MergeStream 把模型产生的文本增量与工具执行事件合并成一条有序的
// 出站流。单生产者（回合编排协程）、单消费者（写协程）；
// 事件按入队顺序下发，工具的 result 帧永远不会先于它的 call 帧。
type MergeStream struct {
	conn       FrameWriter
	events     chan mergeEvent
	done       chan struct{}
	answer     strings.Builder
	shouldStop func() bool
	closeOnce  sync.Once
	mu         sync.Mutex
	writeErr   error
}

// NewMergeStream 创建合并流并启动写协程。
// shouldStop 为真时后续帧被丢弃（客户端请求停止），但事件仍被消费。
func NewMergeStream(conn FrameWriter, shouldStop func() bool) *MergeStream {
	m := &MergeStream{
		conn:       conn,
		events:     make(chan mergeEvent, 64),
		done:       make(chan struct{}),
		shouldStop: shouldStop,
	}
	go m.run()
	return m
}

func (m *MergeStream) run() {
	defer close(m.done)
	for ev := range m.events {
		if m.shouldStop != nil && m.shouldStop() {
			// 停止标志生效：跳过下发，但继续排空队列
			continue
		}
		if err := m.conn.WriteMessage(websocket.TextMessage, ev.payload); err != nil {
			m.mu.Lock()
			if m.writeErr == nil {
				m.writeErr = err
			}
			m.mu.Unlock()
			log.Warnf("[MergeStream] 写出站帧失败: %v", err)
		}
	}
}

func (m *MergeStream) send(frame map[string]interface{}) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("[MergeStream] 序列化出站帧失败: %v", err)
		return
	}
	m.events <- mergeEvent{payload: payload}
}

// Chunk 下发一段正文文本增量，同时累积到完整答案中。
func (m *MergeStream) Chunk(text string) {
	m.answer.WriteString(text)
	m.send(map[string]interface{}{"type": "chunk", "chunk": text})
}

// Reasoning 下发一段推理文本增量（不计入正式答案）。
func (m *MergeStream) Reasoning(text string) {
	m.send(map[string]interface{}{"type": "reasoning", "chunk": text})
}

// ToolCall 下发一次工具调用事件。needsConfirm 告知客户端
// 该调用在取得用户确认前不会执行。
func (m *MergeStream) ToolCall(inv *model.ToolInvocation, needsConfirm bool) {
	m.send(map[string]interface{}{
		"type":       "tool-call",
		"toolCallId": inv.ToolCallID,
		"toolName":   inv.ToolName,
		"args":       json.RawMessage(inv.Args),
		"confirm":    needsConfirm,
	})
}

// ToolResult 下发一次工具结果事件。调用方保证对应的 call 事件已入队。
func (m *MergeStream) ToolResult(inv *model.ToolInvocation) {
	m.send(map[string]interface{}{
		"type":       "tool-result",
		"toolCallId": inv.ToolCallID,
		"toolName":   inv.ToolName,
		"result":     json.RawMessage(inv.Result),
	})
}

// Error 下发统一的错误帧。
func (m *MergeStream) Error(message string) {
	m.send(map[string]interface{}{"type": "error", "message": message})
}

// Close 发送完成通知并等待写协程排空全部事件。多次调用安全。
func (m *MergeStream) Close() {
	m.closeOnce.Do(func() {
		m.send(map[string]interface{}{
			"type":      "completion",
			"status":    "finished",
			"message":   "响应已完成",
			"timestamp": time.Now().UnixMilli(),
			"date":      time.Now().Format("2006-01-02T15:04:05"),
		})
		close(m.events)
		<-m.done
	})
}

// Answer 返回至今累积的完整正文答案。
func (m *MergeStream) Answer() string {
	return m.answer.String()
}

// WriteErr 返回首个写失败（若有）。
func (m *MergeStream) WriteErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeErr
}
