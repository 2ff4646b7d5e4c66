package service

import (
	"context"
	"encoding/json"
	"testing"

	"archive-chat-go/internal/model"
	"archive-chat-go/internal/tools"
	"archive-chat-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMessageRepo 是测试用的内存版消息历史存储。
type memMessageRepo struct {
	histories map[string][]*model.Message
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{histories: make(map[string][]*model.Message)}
}

func (r *memMessageRepo) GetHistory(ctx context.Context, key string) ([]*model.Message, error) {
	data, err := json.Marshal(r.histories[key])
	if err != nil {
		return nil, err
	}
	var copied []*model.Message
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	if copied == nil {
		copied = []*model.Message{}
	}
	return copied, nil
}

func (r *memMessageRepo) SaveHistory(ctx context.Context, key string, messages []*model.Message, window int) error {
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	r.histories[key] = messages
	return nil
}

// scriptedLLM 按脚本逐步返回预设结果，脚本耗尽后返回 fallback。
type scriptedLLM struct {
	script   []*llm.StepResult
	fallback *llm.StepResult
	calls    int
	seen     [][]llm.Message
	gens     []*llm.GenerationParams
}

func (s *scriptedLLM) StreamStep(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, gen *llm.GenerationParams, handler llm.StreamHandler) (*llm.StepResult, error) {
	s.calls++
	s.seen = append(s.seen, messages)
	s.gens = append(s.gens, gen)

	var result *llm.StepResult
	if len(s.script) > 0 {
		result = s.script[0]
		s.script = s.script[1:]
	} else if s.fallback != nil {
		result = s.fallback
	} else {
		result = &llm.StepResult{Content: "", FinishReason: "stop"}
	}
	if result.Content != "" {
		if err := handler.OnDelta(result.Content); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func stepText(text string) *llm.StepResult {
	return &llm.StepResult{Content: text, FinishReason: "stop"}
}

func stepToolCall(id, name, args string) *llm.StepResult {
	return &llm.StepResult{
		ToolCalls: []llm.ToolCall{{
			ID:       id,
			Type:     "function",
			Function: llm.Function{Name: name, Arguments: args},
		}},
		FinishReason: "tool_calls",
	}
}

func newTurnFixture(script ...*llm.StepResult) (TurnService, *memMessageRepo, *scriptedLLM, *memConvLogRepo) {
	count := 0
	engine := NewReconcileEngine(testCatalog(&count), tools.Capabilities{})
	msgRepo := newMemMessageRepo()
	logRepo := newMemConvLogRepo()
	client := &scriptedLLM{script: script}
	svc := NewTurnService(msgRepo, engine, client, NewAnalyticsService(logRepo))
	return svc, msgRepo, client, logRepo
}

func TestRunTurnPlainAnswer(t *testing.T) {
	svc, msgRepo, client, logRepo := newTurnFixture(stepText("你好！"))
	id := testConvID()
	conn := &fakeConn{}
	out := NewMergeStream(conn, nil)

	err := svc.RunTurn(context.Background(), id, userMessage("u-1", "hi"), out)
	out.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)

	// 历史落盘：用户消息 + 助手消息
	history := msgRepo.histories[id.Key()]
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Equal(t, "你好！", history[1].Text())

	// 出站流包含文本增量与完成通知
	types := conn.types()
	assert.Contains(t, types, "chunk")
	assert.Equal(t, "completion", types[len(types)-1])

	// 分析记录同步更新
	record, _ := logRepo.Get(context.Background(), id.Key())
	require.NotNil(t, record)
	assert.Equal(t, 1, record.Queries.WithoutTools)
}

func TestRunTurnForwardsMetadataToModel(t *testing.T) {
	svc, _, client, _ := newTurnFixture(stepText("ok"))
	id := testConvID()
	conn := &fakeConn{}
	out := NewMergeStream(conn, nil)

	userMsg := userMessage("u-1", "hi")
	userMsg.Metadata = map[string]interface{}{"clientVersion": "1.4.2", "trace": "t-99"}

	err := svc.RunTurn(context.Background(), id, userMsg, out)
	out.Close()
	require.NoError(t, err)

	// 用户随回合提交的元数据原样到达模型层
	require.Len(t, client.gens, 1)
	require.NotNil(t, client.gens[0])
	assert.Equal(t, userMsg.Metadata, client.gens[0].Metadata)
}

func TestRunTurnAutoToolLoop(t *testing.T) {
	svc, msgRepo, client, logRepo := newTurnFixture(
		stepToolCall("c1", "echo", `{}`),
		stepText("done"),
	)
	id := testConvID()
	conn := &fakeConn{}
	out := NewMergeStream(conn, nil)

	err := svc.RunTurn(context.Background(), id, userMessage("u-1", "do it"), out)
	out.Close()
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)

	history := msgRepo.histories[id.Key()]
	require.Len(t, history, 2)
	invs := history[1].Invocations()
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Pending())
	assert.JSONEq(t, `{"echoed":true}`, string(invs[0].Result))

	// 第二次模型调用能看到已解析的工具结果
	require.Equal(t, 2, len(client.seen))
	var sawToolMessage bool
	for _, m := range client.seen[1] {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			sawToolMessage = true
		}
	}
	assert.True(t, sawToolMessage)

	// call 帧先于 result 帧
	types := conn.types()
	assert.Equal(t, indexOf(types, "tool-call") < indexOf(types, "tool-result"), true)

	record, _ := logRepo.Get(context.Background(), id.Key())
	require.NotNil(t, record)
	assert.Equal(t, 1, record.ToolCalls.ByTool["echo"])
}

func TestRunTurnPendingConfirmationEndsTurn(t *testing.T) {
	svc, msgRepo, client, logRepo := newTurnFixture(stepToolCall("c1", "destroy", `{}`))
	id := testConvID()
	conn := &fakeConn{}
	out := NewMergeStream(conn, nil)

	err := svc.RunTurn(context.Background(), id, userMessage("u-1", "delete it"), out)
	out.Close()
	require.NoError(t, err)
	// 模型只被调用一次，回合在等待确认处正常结束
	assert.Equal(t, 1, client.calls)

	history := msgRepo.histories[id.Key()]
	require.Len(t, history, 2)
	invs := history[1].Invocations()
	require.Len(t, invs, 1)
	assert.True(t, invs[0].Pending())

	// 客户端收到带 confirm 标记的 call 帧，且没有 result 帧
	var confirmSeen bool
	for _, frame := range conn.frames {
		if frame["type"] == "tool-call" {
			confirmSeen = frame["confirm"] == true
		}
		assert.NotEqual(t, "tool-result", frame["type"])
	}
	assert.True(t, confirmSeen)

	// 未完成的回合不计入分析
	record, _ := logRepo.Get(context.Background(), id.Key())
	assert.Nil(t, record)
}

func TestHandleApprovalResumesTurn(t *testing.T) {
	svc, msgRepo, client, logRepo := newTurnFixture(stepToolCall("c1", "destroy", `{}`))
	id := testConvID()
	ctx := context.Background()

	out1 := NewMergeStream(&fakeConn{}, nil)
	require.NoError(t, svc.RunTurn(ctx, id, userMessage("u-1", "delete it"), out1))
	out1.Close()

	// 批准后：调用执行、模型继续、最终答案写回同一条助手消息
	client.script = []*llm.StepResult{stepText("已删除。")}
	conn := &fakeConn{}
	out2 := NewMergeStream(conn, nil)
	require.NoError(t, svc.HandleApproval(ctx, id, model.Approval{ToolCallID: "c1", Result: model.ApprovalApproved}, out2))
	out2.Close()

	history := msgRepo.histories[id.Key()]
	require.Len(t, history, 2)
	invs := history[1].Invocations()
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Pending())
	assert.JSONEq(t, `{"destroyed":true}`, string(invs[0].Result))
	assert.Equal(t, "已删除。", history[1].Text())

	// 客户端先收到 result 帧，再收到继续生成的文本
	types := conn.types()
	assert.Less(t, indexOf(types, "tool-result"), indexOf(types, "chunk"))

	// 回合完成后分析记录补上
	record, _ := logRepo.Get(ctx, id.Key())
	require.NotNil(t, record)
	assert.Equal(t, 1, record.ToolCalls.ByTool["destroy"])
}

func TestHandleApprovalRejectedNeverExecutes(t *testing.T) {
	svc, msgRepo, client, _ := newTurnFixture(stepToolCall("c1", "destroy", `{}`))
	id := testConvID()
	ctx := context.Background()

	out1 := NewMergeStream(&fakeConn{}, nil)
	require.NoError(t, svc.RunTurn(ctx, id, userMessage("u-1", "delete it"), out1))
	out1.Close()

	client.script = []*llm.StepResult{stepText("好的，不删了。")}
	out2 := NewMergeStream(&fakeConn{}, nil)
	require.NoError(t, svc.HandleApproval(ctx, id, model.Approval{ToolCallID: "c1", Result: model.ApprovalRejected}, out2))
	out2.Close()

	history := msgRepo.histories[id.Key()]
	invs := history[1].Invocations()
	require.Len(t, invs, 1)
	require.False(t, invs[0].Pending())

	var result struct {
		Rejected bool `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(invs[0].Result, &result))
	assert.True(t, result.Rejected)
	assert.Equal(t, "好的，不删了。", history[1].Text())
}

func TestHandleApprovalInvalidResult(t *testing.T) {
	svc, _, _, _ := newTurnFixture()
	out := NewMergeStream(&fakeConn{}, nil)
	defer out.Close()

	err := svc.HandleApproval(context.Background(), testConvID(), model.Approval{ToolCallID: "c1", Result: "maybe"}, out)
	assert.Error(t, err)
}

func TestRunTurnStepBudgetExhaustion(t *testing.T) {
	svc, msgRepo, client, _ := newTurnFixture()
	// 脚本为空时 fallback 总是要求再调一次工具
	client.fallback = stepToolCall("loop", "echo", `{}`)
	id := testConvID()
	out := NewMergeStream(&fakeConn{}, nil)

	err := svc.RunTurn(context.Background(), id, userMessage("u-1", "loop"), out)
	out.Close()

	// 预算耗尽是正常收束，不是错误
	require.NoError(t, err)
	assert.Equal(t, 10, client.calls)
	assert.NotEmpty(t, msgRepo.histories[id.Key()])
}

func indexOf(slice []string, value string) int {
	for i, v := range slice {
		if v == value {
			return i
		}
	}
	return len(slice)
}
