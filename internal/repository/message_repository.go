// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"archive-chat-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// MessageRepository 定义了会话消息历史的操作接口。
type MessageRepository interface {
	GetHistory(ctx context.Context, conversationKey string) ([]*model.Message, error)
	SaveHistory(ctx context.Context, conversationKey string, messages []*model.Message, window int) error
}

type redisMessageRepository struct {
	redisClient *redis.Client
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(redisClient *redis.Client) MessageRepository {
	return &redisMessageRepository{redisClient: redisClient}
}

// GetHistory 从 Redis 获取会话的完整消息历史（含 parts）。
func (r *redisMessageRepository) GetHistory(ctx context.Context, conversationKey string) ([]*model.Message, error) {
	key := fmt.Sprintf("conversation:%s", conversationKey)
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return []*model.Message{}, nil // No history yet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []*model.Message
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

// SaveHistory 在 Redis 中更新会话消息历史，只保留最近 window 条。
func (r *redisMessageRepository) SaveHistory(ctx context.Context, conversationKey string, messages []*model.Message, window int) error {
	key := fmt.Sprintf("conversation:%s", conversationKey)
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, key, jsonData, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}
