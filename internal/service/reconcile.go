// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"archive-chat-go/internal/model"
	"archive-chat-go/internal/tools"
	"archive-chat-go/pkg/log"
)

// RejectionMessage 是被用户拒绝的工具调用写入的标准化结果文案。
const RejectionMessage = "Tool call was rejected by the user"

// RejectionResult 返回标准化的拒绝结果负载。
func RejectionResult() json.RawMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"rejected": true,
		"message":  RejectionMessage,
	})
	return payload
}

// ReconcileEngine 在每次模型调用前解析历史中仍处于 call 状态的工具调用。
// 自动工具直接执行；需确认的工具按客户端决定执行或写入拒绝标记，
// 没有决定的保持原样，等待下一次渲染时再次呈现给客户端。
type ReconcileEngine struct {
	catalog *tools.Catalog
	caps    tools.Capabilities
}

// NewReconcileEngine 创建一个新的 ReconcileEngine。
func NewReconcileEngine(catalog *tools.Catalog, caps tools.Capabilities) *ReconcileEngine {
	return &ReconcileEngine{catalog: catalog, caps: caps}
}

// Reconcile 就地更新消息中工具调用的 state/result 字段；
// 消息内容、顺序与 ID 保持不变。对已解析的调用是无操作（幂等）。
// decisions 以 toolCallId 为键；被消费的决定会从 map 中移除。
func (e *ReconcileEngine) Reconcile(ctx context.Context, messages []*model.Message, decisions map[string]model.ApprovalResult) {
	for _, msg := range messages {
		if msg.Role != model.RoleAssistant {
			continue
		}
		for _, inv := range msg.Invocations() {
			if !inv.Pending() {
				continue
			}
			e.resolve(ctx, inv, decisions)
		}
	}
}

func (e *ReconcileEngine) resolve(ctx context.Context, inv *model.ToolInvocation, decisions map[string]model.ApprovalResult) {
	tool, ok := e.catalog.Lookup(inv.ToolName)
	if !ok {
		log.Warnf("[Reconcile] 未知工具 '%s' (toolCallId=%s)，写入错误结果", inv.ToolName, inv.ToolCallID)
		inv.Resolve(errorResult(fmt.Sprintf("unknown tool: %s", inv.ToolName)))
		return
	}

	if !tool.Confirm {
		inv.Resolve(e.Execute(ctx, tool, inv.Args))
		return
	}

	decision, ok := decisions[inv.ToolCallID]
	if !ok {
		// 尚无决定：保持 call 状态，下次渲染时再次向客户端呈现
		return
	}
	delete(decisions, inv.ToolCallID)

	if decision == model.ApprovalRejected {
		// 拒绝时绝不触发执行器
		inv.Resolve(RejectionResult())
		return
	}
	inv.Resolve(e.Execute(ctx, tool, inv.Args))
}

// Execute 运行工具执行器并把任何失败（包括 panic）折叠为结构化错误结果。
// 引擎本身永远不向上抛出执行器的异常。
func (e *ReconcileEngine) Execute(ctx context.Context, tool tools.Tool, args json.RawMessage) (result json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Reconcile] 工具 '%s' 执行器 panic: %v", tool.Name, r)
			result = errorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name, r))
		}
	}()

	out, err := tool.Execute(ctx, e.caps, args)
	if err != nil {
		log.Warnf("[Reconcile] 工具 '%s' 执行失败: %v", tool.Name, err)
		return errorResult(err.Error())
	}
	return out
}

// Catalog 返回引擎绑定的工具目录。
func (e *ReconcileEngine) Catalog() *tools.Catalog {
	return e.catalog
}

func errorResult(msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return payload
}
