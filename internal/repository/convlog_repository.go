// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"archive-chat-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ConvLogRepository 定义了会话分析日志的持久化接口。
// 记录以 `${userId}-${collectionId}-${convoId}` 为键存放在持久 KV 存储中，
// 写入是整条记录的读-改-写；同一会话的回合由单一 actor 串行化，
// 因此这里不需要额外加锁。
type ConvLogRepository interface {
	// Get 返回记录，不存在时返回 (nil, nil)。
	Get(ctx context.Context, key string) (*model.ConversationLog, error)
	Save(ctx context.Context, key string, logRecord *model.ConversationLog) error
}

type redisConvLogRepository struct {
	redisClient *redis.Client
}

// NewConvLogRepository 创建一个新的 ConvLogRepository 实例。
func NewConvLogRepository(redisClient *redis.Client) ConvLogRepository {
	return &redisConvLogRepository{redisClient: redisClient}
}

// Get 读取会话分析日志。
func (r *redisConvLogRepository) Get(ctx context.Context, key string) (*model.ConversationLog, error) {
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation log: %w", err)
	}
	var record model.ConversationLog
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation log: %w", err)
	}
	return &record, nil
}

// Save 整条写回会话分析日志。记录永不过期。
func (r *redisConvLogRepository) Save(ctx context.Context, key string, logRecord *model.ConversationLog) error {
	jsonData, err := json.Marshal(logRecord)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation log: %w", err)
	}
	if err := r.redisClient.Set(ctx, key, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set conversation log: %w", err)
	}
	return nil
}
