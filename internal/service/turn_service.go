package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/repository"
	"archive-chat-go/internal/tools"
	"archive-chat-go/pkg/llm"
	"archive-chat-go/pkg/log"

	"github.com/google/uuid"
)

// citationInstructions 附加在系统提示后，要求模型用内联标记引用检索到的文档。
const citationInstructions = "When your answer draws on a retrieved document, cite it inline " +
	"with the marker [[doc:<storageKey>]] immediately after the supported statement, " +
	"using the storageKey field from the search results. Do not invent storage keys."

// TurnService 编排一个完整的对话回合：加载历史、解析悬挂的工具调用、
// 在步数预算内交替调用模型与执行工具、落盘历史并上报分析统计。
// 同一会话的回合由会话 actor 串行化，不同会话并行互不影响。
type TurnService interface {
	// RunTurn 处理一条新的用户消息，把产出流式写入 out。
	RunTurn(ctx context.Context, id identity.ConversationID, userMsg *model.Message, out *MergeStream) error
	// HandleApproval 接收对某次需确认工具调用的决定，必要时恢复回合。
	HandleApproval(ctx context.Context, id identity.ConversationID, approval model.Approval, out *MergeStream) error
}

// conversationActor 串行化单个会话的回合，并暂存尚未消费的确认决定。
type conversationActor struct {
	mu        sync.Mutex
	decisions map[string]model.ApprovalResult
}

type turnService struct {
	messages  repository.MessageRepository
	engine    *ReconcileEngine
	llmClient llm.Client
	analytics AnalyticsService
	actors    sync.Map // id.Key() -> *conversationActor
}

// NewTurnService 创建一个新的 TurnService 实例。
func NewTurnService(messages repository.MessageRepository, engine *ReconcileEngine, llmClient llm.Client, analytics AnalyticsService) TurnService {
	return &turnService{
		messages:  messages,
		engine:    engine,
		llmClient: llmClient,
		analytics: analytics,
	}
}

func (s *turnService) actor(id identity.ConversationID) *conversationActor {
	v, _ := s.actors.LoadOrStore(id.Key(), &conversationActor{
		decisions: make(map[string]model.ApprovalResult),
	})
	return v.(*conversationActor)
}

// RunTurn 处理一条新的用户消息。
func (s *turnService) RunTurn(ctx context.Context, id identity.ConversationID, userMsg *model.Message, out *MergeStream) error {
	actor := s.actor(id)
	actor.mu.Lock()
	defer actor.mu.Unlock()

	history, err := s.messages.GetHistory(ctx, id.Key())
	if err != nil {
		out.Error("failed to load conversation history")
		return fmt.Errorf("failed to load conversation history: %w", err)
	}

	if userMsg.ID == "" {
		userMsg.ID = uuid.New().String()
	}
	if userMsg.CreatedAt.IsZero() {
		userMsg.CreatedAt = time.Now()
	}

	// 历史中可能残留上一回合未决的调用；新回合开始前先按既有决定解析
	s.engine.Reconcile(ctx, history, actor.decisions)
	history = append(history, userMsg)

	assistant := &model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleAssistant,
		CreatedAt: time.Now(),
	}
	history = append(history, assistant)

	completed, err := s.runSteps(ctx, history, assistant, out)
	s.persist(id, history)
	if err != nil {
		return err
	}
	if completed {
		s.recordTurn(id, userMsg, assistant)
	}
	return nil
}

// HandleApproval 消费一个确认决定。目标调用被解析后回合从中断处继续。
func (s *turnService) HandleApproval(ctx context.Context, id identity.ConversationID, approval model.Approval, out *MergeStream) error {
	if !approval.Result.Valid() {
		return fmt.Errorf("invalid approval result: %s", approval.Result)
	}

	actor := s.actor(id)
	actor.mu.Lock()
	defer actor.mu.Unlock()
	actor.decisions[approval.ToolCallID] = approval.Result

	history, err := s.messages.GetHistory(ctx, id.Key())
	if err != nil {
		out.Error("failed to load conversation history")
		return fmt.Errorf("failed to load conversation history: %w", err)
	}

	pendingBefore := pendingIDs(history)
	s.engine.Reconcile(ctx, history, actor.decisions)

	// 把本次解析掉的调用结果下发给客户端
	resolvedAny := false
	for _, msg := range history {
		for _, inv := range msg.Invocations() {
			if pendingBefore[inv.ToolCallID] && !inv.Pending() {
				out.ToolResult(inv)
				resolvedAny = true
			}
		}
	}
	if !resolvedAny {
		log.Warnf("[Turn] 确认决定未命中任何悬挂调用 (toolCallId=%s)", approval.ToolCallID)
		s.persist(id, history)
		return nil
	}
	if len(pendingConfirmable(history, s.engine)) > 0 {
		// 仍有调用在等待确认，继续挂起
		s.persist(id, history)
		return nil
	}

	assistant := lastAssistant(history)
	if assistant == nil {
		s.persist(id, history)
		return nil
	}

	completed, err := s.runSteps(ctx, history, assistant, out)
	s.persist(id, history)
	if err != nil {
		return err
	}
	if completed {
		if userMsg := lastUser(history); userMsg != nil {
			s.recordTurn(id, userMsg, assistant)
		}
	}
	return nil
}

// runSteps 是回合的核心循环：调用模型、归并产出到助手消息、执行工具，
// 直到模型自然收束、遇到需确认的调用或耗尽步数预算。
// 返回回合是否正常完成（挂起等待确认时为 false）。
func (s *turnService) runSteps(ctx context.Context, history []*model.Message, assistant *model.Message, out *MergeStream) (bool, error) {
	budget := config.Conf.Chat.StepBudgetOrDefault()
	gen := generationParams()
	// 用户随回合提交的元数据原样透传给模型层
	if userMsg := lastUser(history); userMsg != nil {
		gen.Metadata = userMsg.Metadata
	}

	for step := 0; step < budget; step++ {
		llmMessages := buildLLMMessages(history)
		result, err := s.llmClient.StreamStep(ctx, llmMessages, s.engine.Catalog().Schemas(), gen, &streamAdapter{out: out})
		if err != nil {
			log.Errorf("[Turn] 模型调用失败 (step=%d): %v", step, err)
			out.Error("model call failed")
			return false, fmt.Errorf("model call failed: %w", err)
		}

		if result.Reasoning != "" {
			assistant.Parts = append(assistant.Parts, model.ReasoningPart{Text: result.Reasoning})
		}
		if result.Content != "" {
			assistant.Parts = append(assistant.Parts, model.TextPart{Text: result.Content})
		}
		if len(result.ToolCalls) == 0 {
			return true, nil
		}

		pending := s.dispatchToolCalls(ctx, assistant, result.ToolCalls, out)
		if pending {
			// 存在需确认的调用：回合正常结束，等待客户端决定
			return false, nil
		}
	}

	log.Warnf("[Turn] 步数预算耗尽 (budget=%d)，回合正常收束", budget)
	return true, nil
}

// dispatchToolCalls 把模型发出的调用挂到助手消息上并处理执行：
// 自动工具并发执行并下发结果，需确认的只下发 call 帧。
// 返回是否存在等待确认的调用。
func (s *turnService) dispatchToolCalls(ctx context.Context, assistant *model.Message, calls []llm.ToolCall, out *MergeStream) bool {
	type pendingExec struct {
		inv  *model.ToolInvocation
		tool tools.Tool
	}
	var execs []pendingExec
	hasConfirm := false

	for _, tc := range calls {
		inv := &model.ToolInvocation{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Args:       json.RawMessage(tc.Function.Arguments),
			State:      model.StateCall,
		}
		assistant.Parts = append(assistant.Parts, model.ToolInvocationPart{Invocation: inv})

		tool, ok := s.engine.Catalog().Lookup(inv.ToolName)
		if !ok {
			out.ToolCall(inv, false)
			inv.Resolve(errorResult(fmt.Sprintf("unknown tool: %s", inv.ToolName)))
			out.ToolResult(inv)
			continue
		}
		if tool.Confirm {
			out.ToolCall(inv, true)
			hasConfirm = true
			continue
		}
		out.ToolCall(inv, false)
		execs = append(execs, pendingExec{inv: inv, tool: tool})
	}

	if len(execs) > 0 {
		var wg sync.WaitGroup
		for i := range execs {
			wg.Add(1)
			go func(e pendingExec) {
				defer wg.Done()
				e.inv.Resolve(s.engine.Execute(ctx, e.tool, e.inv.Args))
			}(execs[i])
		}
		wg.Wait()
		// 按调用顺序下发结果，保证对端先见 call 后见 result
		for _, e := range execs {
			out.ToolResult(e.inv)
		}
	}
	return hasConfirm
}

// persist 用后台上下文落盘历史，调用方的取消不应丢写。
func (s *turnService) persist(id identity.ConversationID, history []*model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.messages.SaveHistory(ctx, id.Key(), history, config.Conf.Chat.HistoryWindowOrDefault()); err != nil {
		log.Errorf("[Turn] 落盘会话历史失败: %v", err)
	}
}

// recordTurn 上报分析统计；失败只记日志，不影响回合结果。
func (s *turnService) recordTurn(id identity.ConversationID, userMsg, assistant *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.analytics.RecordTurn(ctx, id, userMsg, assistant); err != nil {
		log.Errorw("failed to record turn analytics", "conversation", id.Key(), "error", err)
	}
}

// streamAdapter 把模型的流式增量接到合并流上。
type streamAdapter struct {
	out *MergeStream
}

func (a *streamAdapter) OnDelta(text string) error {
	a.out.Chunk(text)
	return nil
}

func (a *streamAdapter) OnReasoning(text string) error {
	a.out.Reasoning(text)
	return nil
}

// buildLLMMessages 把消息历史映射为模型侧的 role-based 消息序列。
// 尚未解析的调用（等待确认或决定）被跳过：模型看不到没有结果的调用。
func buildLLMMessages(history []*model.Message) []llm.Message {
	out := []llm.Message{{Role: "system", Content: systemPrompt()}}

	for _, msg := range history {
		switch msg.Role {
		case model.RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, llm.Message{Role: "user", Content: text})
			}
		case model.RoleAssistant:
			var text strings.Builder
			var calls []llm.ToolCall
			var results []llm.Message
			for _, part := range msg.Parts {
				switch p := part.(type) {
				case model.TextPart:
					text.WriteString(p.Text)
				case model.ToolInvocationPart:
					inv := p.Invocation
					if inv.Pending() {
						continue
					}
					calls = append(calls, llm.ToolCall{
						ID:   inv.ToolCallID,
						Type: "function",
						Function: llm.Function{
							Name:      inv.ToolName,
							Arguments: string(inv.Args),
						},
					})
					results = append(results, llm.Message{
						Role:       "tool",
						ToolCallID: inv.ToolCallID,
						Content:    string(inv.Result),
					})
				}
			}
			if text.Len() == 0 && len(calls) == 0 {
				continue
			}
			out = append(out, llm.Message{Role: "assistant", Content: text.String(), ToolCalls: calls})
			out = append(out, results...)
		}
	}
	return out
}

func systemPrompt() string {
	rules := config.Conf.LLM.Prompt.Rules
	if rules == "" {
		return citationInstructions
	}
	return rules + "\n\n" + citationInstructions
}

func generationParams() *llm.GenerationParams {
	cfg := config.Conf.LLM.Generation
	gen := &llm.GenerationParams{}
	if cfg.Temperature > 0 {
		gen.Temperature = &cfg.Temperature
	}
	if cfg.TopP > 0 {
		gen.TopP = &cfg.TopP
	}
	if cfg.MaxTokens > 0 {
		gen.MaxTokens = &cfg.MaxTokens
	}
	return gen
}

// pendingIDs 收集历史中所有仍处于 call 状态的调用 ID。
func pendingIDs(history []*model.Message) map[string]bool {
	out := make(map[string]bool)
	for _, msg := range history {
		for _, inv := range msg.Invocations() {
			if inv.Pending() {
				out[inv.ToolCallID] = true
			}
		}
	}
	return out
}

// pendingConfirmable 返回仍在等待用户确认的调用。
func pendingConfirmable(history []*model.Message, engine *ReconcileEngine) []*model.ToolInvocation {
	var out []*model.ToolInvocation
	for _, msg := range history {
		for _, inv := range msg.Invocations() {
			if !inv.Pending() {
				continue
			}
			if tool, ok := engine.Catalog().Lookup(inv.ToolName); ok && tool.Confirm {
				out = append(out, inv)
			}
		}
	}
	return out
}

func lastAssistant(history []*model.Message) *model.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleAssistant {
			return history[i]
		}
	}
	return nil
}

func lastUser(history []*model.Message) *model.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			return history[i]
		}
	}
	return nil
}
