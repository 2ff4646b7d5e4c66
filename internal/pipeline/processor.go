// Package pipeline 定义了文档入库的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/model"
	"archive-chat-go/internal/repository"
	"archive-chat-go/pkg/embedding"
	"archive-chat-go/pkg/es"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/storage"
	"archive-chat-go/pkg/tasks"
	"archive-chat-go/pkg/tika"
)

// Processor 封装了文档入库的所有依赖和逻辑：
// 取对象、抽文本、分块、向量化、写入检索索引并登记元数据。
type Processor struct {
	tikaClient      *tika.Client
	embeddingClient embedding.Client
	docRepo         repository.DocumentRepository
	esCfg           config.ElasticsearchConfig
	minioCfg        config.MinIOConfig
	embeddingCfg    config.EmbeddingConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	tikaClient *tika.Client,
	embeddingClient embedding.Client,
	docRepo repository.DocumentRepository,
	esCfg config.ElasticsearchConfig,
	minioCfg config.MinIOConfig,
	embeddingCfg config.EmbeddingConfig,
) *Processor {
	return &Processor{
		tikaClient:      tikaClient,
		embeddingClient: embeddingClient,
		docRepo:         docRepo,
		esCfg:           esCfg,
		minioCfg:        minioCfg,
		embeddingCfg:    embeddingCfg,
	}
}

// Process 处理一条文档入库任务。重复投递是安全的：
// 索引前先清理该存储键既有的分块（幂等）。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentIngestTask) error {
	log.Infof("[Processor] 开始处理文档, StorageKey: %s, Title: %s", task.StorageKey, task.Title)

	// 1. 从对象存储取原始内容
	data, contentType, err := storage.GetObjectBytes(ctx, p.minioCfg.BucketName, task.StorageKey)
	if err != nil {
		log.Errorf("[Processor] 从对象存储获取文档失败, StorageKey: %s, Error: %v", task.StorageKey, err)
		return fmt.Errorf("failed to fetch object: %w", err)
	}
	if len(data) == 0 {
		log.Warnf("[Processor] 文档 '%s' 内容为空, 处理中止", task.StorageKey)
		return errors.New("object is empty")
	}

	// 2. 提取纯文本；text/* 直接透传，其余交给 Tika
	var textContent string
	if strings.HasPrefix(contentType, "text/") {
		textContent = string(data)
	} else {
		textContent, err = p.tikaClient.ExtractText(bytes.NewReader(data), contentType)
		if err != nil {
			log.Errorf("[Processor] 文本提取失败, StorageKey: %s, Error: %v", task.StorageKey, err)
			return fmt.Errorf("failed to extract text: %w", err)
		}
	}
	if strings.TrimSpace(textContent) == "" {
		log.Warnf("[Processor] 提取的文本内容为空, 处理中止, StorageKey: %s", task.StorageKey)
		return errors.New("extracted text is empty")
	}
	log.Infof("[Processor] 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(textContent))

	// 3. 文本切块
	chunks := p.splitText(textContent, 1000, 100)
	if len(chunks) == 0 {
		return errors.New("no chunks produced")
	}
	log.Infof("[Processor] 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 4. 登记文档元数据
	doc := &model.Document{
		StorageKey:   task.StorageKey,
		Title:        task.Title,
		CollectionID: task.CollectionID,
		ContentType:  contentType,
		SizeBytes:    int64(len(data)),
	}
	if task.AuthoredAt != "" {
		if t, err := time.Parse("2006-01-02", task.AuthoredAt); err == nil {
			doc.AuthoredAt = &t
		} else {
			log.Warnf("[Processor] 无法解析文档时间 '%s', 忽略: %v", task.AuthoredAt, err)
		}
	}
	if err := p.docRepo.Upsert(doc); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	// 5. 清理旧分块后逐块向量化并索引
	if err := es.DeleteChunksByStorageKey(ctx, p.esCfg.IndexName, task.StorageKey); err != nil {
		log.Warnf("[Processor] 清理既有分块失败 (storage_key=%s): %v", task.StorageKey, err)
	}
	for i, chunk := range chunks {
		vector, err := p.embeddingClient.CreateEmbedding(ctx, chunk)
		if err != nil {
			log.Errorf("[Processor] 分块向量化失败 (chunk=%d): %v", i, err)
			return fmt.Errorf("failed to embed chunk %d: %w", i, err)
		}
		esChunk := model.EsChunk{
			ChunkKey:     fmt.Sprintf("%s-%d", task.StorageKey, i),
			DocID:        fmt.Sprintf("%d", doc.ID),
			StorageKey:   task.StorageKey,
			Title:        task.Title,
			CollectionID: task.CollectionID,
			AuthoredAt:   task.AuthoredAt,
			ChunkID:      i,
			TextContent:  chunk,
			Vector:       vector,
			ModelVersion: p.embeddingCfg.Model,
		}
		if err := es.IndexChunk(ctx, p.esCfg.IndexName, esChunk); err != nil {
			log.Errorf("[Processor] 分块索引失败 (chunk=%d): %v", i, err)
			return fmt.Errorf("failed to index chunk %d: %w", i, err)
		}
	}

	if err := p.docRepo.MarkIndexed(task.StorageKey, time.Now()); err != nil {
		log.Warnf("[Processor] 更新索引完成时间失败: %v", err)
	}
	log.Infof("[Processor] 文档处理完成, StorageKey: %s, 分块数: %d", task.StorageKey, len(chunks))
	return nil
}

// splitText 将长文本按 rune 切成带重叠的分块。
func (p *Processor) splitText(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var chunks []string
	step := chunkSize - overlap
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
