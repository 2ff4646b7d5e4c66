// Package model 包含了应用的数据模型定义。
package model

import "time"

// Feedback 取值。
const (
	FeedbackLike    = "like"
	FeedbackDislike = "dislike"
)

// ConversationLog 是按 (userId, collectionId, convoId) 持久化的分析聚合记录。
// 所有计数器只做加法合并，记录在本系统范围内永不删除。
type ConversationLog struct {
	UserID       string `json:"userId"`
	CollectionID string `json:"collectionId"`
	ConvoID      string `json:"convoId"`

	MessageCount int           `json:"messageCount"`
	ToolCalls    ToolCallStats `json:"toolCalls"`
	Queries      QueryStats    `json:"queries"`
	Characters   CharStats     `json:"characters"`

	Messages       []MessageSnapshot `json:"messages"`
	QueryDetails   []QueryDetail     `json:"queryDetails"`
	DocumentClicks []DocumentClick   `json:"documentClicks"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToolCallStats 记录工具调用总量与按工具名拆分的计数。
type ToolCallStats struct {
	Total  int            `json:"total"`
	ByTool map[string]int `json:"byTool"`
}

// QueryStats 按是否使用了工具拆分的提问计数。
type QueryStats struct {
	Total        int `json:"total"`
	WithTools    int `json:"withTools"`
	WithoutTools int `json:"withoutTools"`
}

// CharStats 输入/输出字符总量。
type CharStats struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// MessageSnapshot 是截断后的消息快照；助手快照可携带用户反馈。
type MessageSnapshot struct {
	MessageID string    `json:"messageId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Feedback  *string   `json:"feedback,omitempty"` // like | dislike
	CreatedAt time.Time `json:"createdAt"`
}

// QueryDetail 是一次检索工具调用的结构化记录。
type QueryDetail struct {
	Query        string            `json:"query"`
	AuthoredFrom string            `json:"authoredFrom,omitempty"`
	AuthoredTo   string            `json:"authoredTo,omitempty"`
	Documents    []DocumentSummary `json:"documents"`
	RecordedAt   time.Time         `json:"recordedAt"`
}

// DocumentSummary 是检索结果中单个文档的紧凑摘要。
type DocumentSummary struct {
	Score      float64 `json:"score"`
	DocID      string  `json:"docId"`
	StorageKey string  `json:"storageKey"`
	Title      string  `json:"title"`
	AuthoredAt string  `json:"authoredAt,omitempty"`
}

// DocumentClick 是一次带时间戳的文档点击事件。
type DocumentClick struct {
	StorageKey string    `json:"storageKey"`
	ClickedAt  time.Time `json:"clickedAt"`
}
