package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConvLogRepo 是测试用的内存版会话日志存储。
type memConvLogRepo struct {
	records map[string]*model.ConversationLog
}

func newMemConvLogRepo() *memConvLogRepo {
	return &memConvLogRepo{records: make(map[string]*model.ConversationLog)}
}

func (r *memConvLogRepo) Get(ctx context.Context, key string) (*model.ConversationLog, error) {
	record, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	// 模拟存储往返，避免测试共享指针
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var copied model.ConversationLog
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

func (r *memConvLogRepo) Save(ctx context.Context, key string, record *model.ConversationLog) error {
	r.records[key] = record
	return nil
}

func testConvID() identity.ConversationID {
	return identity.ConversationID{UserID: "u1", CollectionID: "col", ConvoID: "conv-1"}
}

func userMessage(id, text string) *model.Message {
	return &model.Message{
		ID:        id,
		Role:      model.RoleUser,
		CreatedAt: time.Now(),
		Parts:     []model.Part{model.TextPart{Text: text}},
	}
}

func assistantMessage(id, text string, invocations ...*model.ToolInvocation) *model.Message {
	parts := []model.Part{}
	for _, inv := range invocations {
		parts = append(parts, model.ToolInvocationPart{Invocation: inv})
	}
	parts = append(parts, model.TextPart{Text: text})
	return &model.Message{ID: id, Role: model.RoleAssistant, CreatedAt: time.Now(), Parts: parts}
}

func completedSearch(toolCallID, query string, keys ...string) *model.ToolInvocation {
	docs := make([]model.DocumentHit, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, model.DocumentHit{StorageKey: k, Title: "T-" + k, Score: 1.5})
	}
	result, _ := json.Marshal(model.SearchOutcome{Status: "success", Documents: docs})
	args, _ := json.Marshal(map[string]string{"query": query})
	return &model.ToolInvocation{
		ToolCallID: toolCallID,
		ToolName:   "search_documents",
		Args:       args,
		State:      model.StateResult,
		Result:     result,
	}
}

func TestRecordTurnAccumulatesMonotonically(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	// 第一回合：带一次检索
	require.NoError(t, svc.RecordTurn(ctx, id,
		userMessage("u-1", "查一下季度报告"),
		assistantMessage("a-1", "找到了。", completedSearch("c1", "季度报告", "k1")),
	))
	// 第二回合：纯文本回答
	require.NoError(t, svc.RecordTurn(ctx, id,
		userMessage("u-2", "谢谢"),
		assistantMessage("a-2", "不客气。"),
	))

	record, err := repo.Get(ctx, id.Key())
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, 4, record.MessageCount)
	assert.Equal(t, 2, record.Queries.Total)
	assert.Equal(t, 1, record.Queries.WithTools)
	assert.Equal(t, 1, record.Queries.WithoutTools)
	assert.Equal(t, 1, record.ToolCalls.Total)
	assert.Equal(t, 1, record.ToolCalls.ByTool["search_documents"])
	assert.Positive(t, record.Characters.Input)
	assert.Positive(t, record.Characters.Output)
	require.Len(t, record.Messages, 4)
	require.Len(t, record.QueryDetails, 1)
	assert.Equal(t, "季度报告", record.QueryDetails[0].Query)
	require.Len(t, record.QueryDetails[0].Documents, 1)
	assert.Equal(t, "k1", record.QueryDetails[0].Documents[0].StorageKey)
}

func TestRecordFeedbackByMessageID(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", "q"), assistantMessage("a-1", "answer")))
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackLike))

	record, _ := repo.Get(ctx, id.Key())
	target := findByID(t, record, "a-1")
	require.NotNil(t, target.Feedback)
	assert.Equal(t, model.FeedbackLike, *target.Feedback)
}

func TestRecordFeedbackFallsBackToAssistantIndex(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", "q1"), assistantMessage("a-1", "first")))
	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-2", "q2"), assistantMessage("a-2", "second")))

	// messageId 未命中，回退到第 1 条助手快照（从 0 计）
	require.NoError(t, svc.RecordFeedback(ctx, id, "no-such-id", 1, model.FeedbackDislike))

	record, _ := repo.Get(ctx, id.Key())
	target := findByID(t, record, "a-2")
	require.NotNil(t, target.Feedback)
	assert.Equal(t, model.FeedbackDislike, *target.Feedback)
}

func TestRecordFeedbackToggleClears(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", "q"), assistantMessage("a-1", "answer")))

	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackLike))
	// 同一反馈再次提交表示撤销
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackLike))
	record, _ := repo.Get(ctx, id.Key())
	assert.Nil(t, findByID(t, record, "a-1").Feedback)

	// 不同反馈覆盖既有值
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackLike))
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackDislike))
	record, _ = repo.Get(ctx, id.Key())
	target := findByID(t, record, "a-1")
	require.NotNil(t, target.Feedback)
	assert.Equal(t, model.FeedbackDislike, *target.Feedback)
}

func TestRecordFeedbackEmptyReactionClears(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", "q"), assistantMessage("a-1", "answer")))
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, model.FeedbackLike))

	// 空反馈无条件清除既有反馈
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, ""))
	record, _ := repo.Get(ctx, id.Key())
	assert.Nil(t, findByID(t, record, "a-1").Feedback)

	// 本就没有反馈时清除仍然成功
	require.NoError(t, svc.RecordFeedback(ctx, id, "a-1", -1, ""))
	record, _ = repo.Get(ctx, id.Key())
	assert.Nil(t, findByID(t, record, "a-1").Feedback)
}

func TestRecordFeedbackIgnoresUserMessageID(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", "q"), assistantMessage("a-1", "answer")))

	// 用户消息的 id 不参与匹配，也没有序号回退，反馈无处可落
	require.NoError(t, svc.RecordFeedback(ctx, id, "u-1", -1, model.FeedbackLike))
	record, _ := repo.Get(ctx, id.Key())
	assert.Nil(t, findByID(t, record, "u-1").Feedback)
	assert.Nil(t, findByID(t, record, "a-1").Feedback)
}

func TestRecordFeedbackMissingTargetIsNotAnError(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()

	err := svc.RecordFeedback(context.Background(), id, "ghost", 99, model.FeedbackLike)
	assert.NoError(t, err)
}

func TestRecordFeedbackRejectsInvalidReaction(t *testing.T) {
	svc := NewAnalyticsService(newMemConvLogRepo())
	err := svc.RecordFeedback(context.Background(), testConvID(), "a-1", -1, "meh")
	assert.Error(t, err)
}

func TestRecordDocumentClick(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	require.NoError(t, svc.RecordDocumentClick(ctx, id, "reports/q1.pdf"))
	require.NoError(t, svc.RecordDocumentClick(ctx, id, "reports/q1.pdf"))

	record, _ := repo.Get(ctx, id.Key())
	require.Len(t, record.DocumentClicks, 2)
	assert.Equal(t, "reports/q1.pdf", record.DocumentClicks[0].StorageKey)
	assert.False(t, record.DocumentClicks[0].ClickedAt.IsZero())
}

func TestSnapshotsAreTruncated(t *testing.T) {
	repo := newMemConvLogRepo()
	svc := NewAnalyticsService(repo)
	id := testConvID()
	ctx := context.Background()

	long := make([]rune, 5000)
	for i := range long {
		long[i] = '字'
	}
	require.NoError(t, svc.RecordTurn(ctx, id, userMessage("u-1", string(long)), assistantMessage("a-1", string(long))))

	record, _ := repo.Get(ctx, id.Key())
	require.Len(t, record.Messages, 2)
	assert.Len(t, []rune(record.Messages[0].Content), 1000)
	assert.Len(t, []rune(record.Messages[1].Content), 4000)
	// 字符计数不受快照截断影响
	assert.Equal(t, int64(5000), record.Characters.Input)
	assert.Equal(t, int64(5000), record.Characters.Output)
}

func findByID(t *testing.T, record *model.ConversationLog, messageID string) *model.MessageSnapshot {
	t.Helper()
	for i := range record.Messages {
		if record.Messages[i].MessageID == messageID {
			return &record.Messages[i]
		}
	}
	t.Fatalf("snapshot %s not found", messageID)
	return nil
}
