package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/repository"
	"archive-chat-go/pkg/kafka"
	"archive-chat-go/pkg/log"
)

const (
	defaultUserSnapshotCap      = 1000
	defaultAssistantSnapshotCap = 4000
)

// AnalyticsService 维护每个会话的聚合分析记录。
// 计数器只增不减；快照被截断到配置的上限。记录本身的读-改-写由
// 会话 actor 串行化，这里不做并发控制。
type AnalyticsService interface {
	// RecordTurn 在一个回合完成后合并该回合的统计与快照。
	RecordTurn(ctx context.Context, id identity.ConversationID, userMsg, assistantMsg *model.Message) error
	// RecordFeedback 记录用户对某条助手消息的反馈。
	// 目标消息先按 messageId 匹配，匹配不到时回退到第 assistantIndex 条
	// 助手快照（从 0 计）。reaction 为空表示清除既有反馈；
	// 重复提交同一反馈同样将其清除。
	// 两种方式都找不到目标时只记录日志，不算失败。
	RecordFeedback(ctx context.Context, id identity.ConversationID, messageID string, assistantIndex int, reaction string) error
	// RecordDocumentClick 记录一次带时间戳的文档点击。
	RecordDocumentClick(ctx context.Context, id identity.ConversationID, storageKey string) error
}

type analyticsService struct {
	repo repository.ConvLogRepository
}

// NewAnalyticsService 创建一个新的 AnalyticsService 实例。
func NewAnalyticsService(repo repository.ConvLogRepository) AnalyticsService {
	return &analyticsService{repo: repo}
}

// loadOrCreate 取出会话的分析记录，不存在时初始化一条空记录。
func (s *analyticsService) loadOrCreate(ctx context.Context, id identity.ConversationID) (*model.ConversationLog, error) {
	record, err := s.repo.Get(ctx, id.Key())
	if err != nil {
		return nil, err
	}
	if record == nil {
		now := time.Now()
		record = &model.ConversationLog{
			UserID:       id.UserID,
			CollectionID: id.CollectionID,
			ConvoID:      id.ConvoID,
			ToolCalls:    model.ToolCallStats{ByTool: make(map[string]int)},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	if record.ToolCalls.ByTool == nil {
		record.ToolCalls.ByTool = make(map[string]int)
	}
	return record, nil
}

// RecordTurn 合并一个完成回合的统计。
func (s *analyticsService) RecordTurn(ctx context.Context, id identity.ConversationID, userMsg, assistantMsg *model.Message) error {
	record, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation log: %w", err)
	}

	userText := userMsg.Text()
	assistantText := assistantMsg.Text()
	invocations := assistantMsg.Invocations()

	record.MessageCount += 2
	record.Queries.Total++
	if len(invocations) > 0 {
		record.Queries.WithTools++
	} else {
		record.Queries.WithoutTools++
	}
	record.Characters.Input += int64(utf8.RuneCountInString(userText))
	record.Characters.Output += int64(utf8.RuneCountInString(assistantText))

	for _, inv := range invocations {
		record.ToolCalls.Total++
		record.ToolCalls.ByTool[inv.ToolName]++
		if detail, ok := queryDetailFromInvocation(inv); ok {
			record.QueryDetails = append(record.QueryDetails, detail)
		}
	}

	record.Messages = append(record.Messages,
		model.MessageSnapshot{
			MessageID: userMsg.ID,
			Role:      model.RoleUser,
			Content:   truncateRunes(userText, userSnapshotCap()),
			CreatedAt: userMsg.CreatedAt,
		},
		model.MessageSnapshot{
			MessageID: assistantMsg.ID,
			Role:      model.RoleAssistant,
			Content:   truncateRunes(assistantText, assistantSnapshotCap()),
			CreatedAt: assistantMsg.CreatedAt,
		},
	)
	record.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, id.Key(), record); err != nil {
		return fmt.Errorf("failed to save conversation log: %w", err)
	}
	s.publishEvent("turn_completed", id, map[string]interface{}{
		"toolCalls": len(invocations),
	})
	return nil
}

// RecordFeedback 记录反馈；空反馈表示清除，同一反馈重复提交同样表示撤销。
func (s *analyticsService) RecordFeedback(ctx context.Context, id identity.ConversationID, messageID string, assistantIndex int, reaction string) error {
	if reaction != "" && reaction != model.FeedbackLike && reaction != model.FeedbackDislike {
		return fmt.Errorf("invalid feedback reaction: %s", reaction)
	}
	record, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation log: %w", err)
	}

	target := findSnapshot(record, messageID, assistantIndex)
	if target == nil {
		log.Errorw("feedback target message not found",
			"conversation", id.Key(), "messageId", messageID, "assistantIndex", assistantIndex)
		return nil
	}
	if reaction == "" || (target.Feedback != nil && *target.Feedback == reaction) {
		target.Feedback = nil
	} else {
		target.Feedback = &reaction
	}
	record.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, id.Key(), record); err != nil {
		return fmt.Errorf("failed to save conversation log: %w", err)
	}
	s.publishEvent("feedback", id, map[string]interface{}{
		"messageId": messageID,
		"reaction":  reaction,
	})
	return nil
}

// RecordDocumentClick 追加一次文档点击事件。
func (s *analyticsService) RecordDocumentClick(ctx context.Context, id identity.ConversationID, storageKey string) error {
	record, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation log: %w", err)
	}
	record.DocumentClicks = append(record.DocumentClicks, model.DocumentClick{
		StorageKey: storageKey,
		ClickedAt:  time.Now(),
	})
	record.UpdatedAt = time.Now()

	if err := s.repo.Save(ctx, id.Key(), record); err != nil {
		return fmt.Errorf("failed to save conversation log: %w", err)
	}
	s.publishEvent("document_click", id, map[string]interface{}{
		"storageKey": storageKey,
	})
	return nil
}

// publishEvent 异步推送分析事件，失败只记日志。
func (s *analyticsService) publishEvent(eventType string, id identity.ConversationID, payload map[string]interface{}) {
	event := map[string]interface{}{
		"type":         eventType,
		"userId":       id.UserID,
		"collectionId": id.CollectionID,
		"convoId":      id.ConvoID,
		"timestamp":    time.Now().Unix(),
	}
	for k, v := range payload {
		event[k] = v
	}
	if err := kafka.PublishAnalyticsEvent(event); err != nil {
		log.Errorw("failed to publish analytics event", "type", eventType, "error", err)
	}
}

// findSnapshot 先按 messageId 匹配，再回退到助手消息序号。
// 反馈只能落在助手消息上，用户消息的 id 不参与匹配。
func findSnapshot(record *model.ConversationLog, messageID string, assistantIndex int) *model.MessageSnapshot {
	if messageID != "" {
		for i := range record.Messages {
			if record.Messages[i].Role == model.RoleAssistant && record.Messages[i].MessageID == messageID {
				return &record.Messages[i]
			}
		}
	}
	if assistantIndex >= 0 {
		n := 0
		for i := range record.Messages {
			if record.Messages[i].Role != model.RoleAssistant {
				continue
			}
			if n == assistantIndex {
				return &record.Messages[i]
			}
			n++
		}
	}
	return nil
}

// queryDetailFromInvocation 从已完成的检索调用中提取结构化查询记录。
func queryDetailFromInvocation(inv *model.ToolInvocation) (model.QueryDetail, bool) {
	if inv.ToolName != "search_documents" || inv.Pending() {
		return model.QueryDetail{}, false
	}
	var args struct {
		Query        string `json:"query"`
		AuthoredFrom string `json:"authoredFrom"`
		AuthoredTo   string `json:"authoredTo"`
	}
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return model.QueryDetail{}, false
	}
	var outcome model.SearchOutcome
	if err := json.Unmarshal(inv.Result, &outcome); err != nil {
		return model.QueryDetail{}, false
	}
	detail := model.QueryDetail{
		Query:        args.Query,
		AuthoredFrom: args.AuthoredFrom,
		AuthoredTo:   args.AuthoredTo,
		Documents:    make([]model.DocumentSummary, 0, len(outcome.Documents)),
		RecordedAt:   time.Now(),
	}
	for _, doc := range outcome.Documents {
		detail.Documents = append(detail.Documents, model.DocumentSummary{
			Score:      doc.Score,
			DocID:      doc.DocID,
			StorageKey: doc.StorageKey,
			Title:      doc.Title,
			AuthoredAt: doc.AuthoredAt,
		})
	}
	return detail, true
}

// truncateRunes 按 rune 数截断字符串。
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func userSnapshotCap() int {
	if c := config.Conf.Chat.UserSnapshotCap; c > 0 {
		return c
	}
	return defaultUserSnapshotCap
}

func assistantSnapshotCap() int {
	if c := config.Conf.Chat.AssistantSnapshotCap; c > 0 {
		return c
	}
	return defaultAssistantSnapshotCap
}
