// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"archive-chat-go/internal/config"
	"archive-chat-go/pkg/database"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can process an ingest task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentIngestTask) error
}

var (
	ingestProducer    *kafka.Writer
	analyticsProducer *kafka.Writer
)

// InitProducers 初始化导入任务与分析事件两个 Kafka 生产者。
func InitProducers(cfg config.KafkaConfig) {
	ingestProducer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.IngestTopic,
		Balancer: &kafka.LeastBytes{},
	}
	analyticsProducer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.AnalyticsTopic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceIngestTask 发送一个文档导入任务到 Kafka。
func ProduceIngestTask(task tasks.DocumentIngestTask) error {
	if ingestProducer == nil {
		return errors.New("ingest producer not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return ingestProducer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(task.StorageKey),
			Value: taskBytes,
		},
	)
}

// PublishAnalyticsEvent 将一条分析事件写入事件流。
// 调用方应把失败视为可降级的辅助错误，只记日志不中断主流程。
func PublishAnalyticsEvent(event interface{}) error {
	if analyticsProducer == nil {
		return errors.New("analytics producer not initialized")
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return analyticsProducer.WriteMessages(context.Background(),
		kafka.Message{Value: eventBytes},
	)
}

// StartIngestConsumer 启动一个 Kafka 消费者来处理文档导入任务。
func StartIngestConsumer(cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.IngestTopic,
		GroupID:  "archive-chat-go-ingest",
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.IngestTopic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break // 退出循环，可能需要重启策略
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var task tasks.DocumentIngestTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理导入任务: StorageKey=%s, Title=%s", task.StorageKey, task.Title)
		if err := processor.Process(context.Background(), task); err != nil {
			log.Errorf("处理导入任务失败: StorageKey=%s, Error: %v", task.StorageKey, err)
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.StorageKey)
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey).Result()
			if incErr == nil {
				_ = database.RDB.Expire(context.Background(), attemptsKey, 24*time.Hour).Err()
			}
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			if attempts >= 3 {
				log.Errorf("导入任务多次失败(>=3)，提交 offset 终止重试: StorageKey=%s", task.StorageKey)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// attempts < 3 时，不提交 offset 让 Kafka 自动重试
		} else {
			log.Infof("导入任务处理成功: StorageKey=%s", task.StorageKey)
			// 清理失败计数
			_ = database.RDB.Del(context.Background(), fmt.Sprintf("kafka:attempts:%s", task.StorageKey)).Err()
			// 任务处理成功后，手动提交 offset
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
