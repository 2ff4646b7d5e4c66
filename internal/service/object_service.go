// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/repository"
	"archive-chat-go/pkg/es"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/storage"
	"archive-chat-go/pkg/tika"
)

// ObjectService 是对象检索协作方：按存储键取回文档文本，
// 以及删除文档时清理对象与索引分块。
type ObjectService interface {
	GetObjectText(ctx context.Context, storageKey string) (string, error)
	RemoveDocument(ctx context.Context, storageKey string) error
}

type objectService struct {
	tikaClient *tika.Client
	docRepo    repository.DocumentRepository
	minioCfg   config.MinIOConfig
	esCfg      config.ElasticsearchConfig
}

// NewObjectService 创建一个新的 ObjectService 实例。
func NewObjectService(tikaClient *tika.Client, docRepo repository.DocumentRepository, minioCfg config.MinIOConfig, esCfg config.ElasticsearchConfig) ObjectService {
	return &objectService{
		tikaClient: tikaClient,
		docRepo:    docRepo,
		minioCfg:   minioCfg,
		esCfg:      esCfg,
	}
}

// GetObjectText 按存储键读取对象内容；纯文本直接返回，
// 其余类型交给 Tika 提取。
func (s *objectService) GetObjectText(ctx context.Context, storageKey string) (string, error) {
	data, contentType, err := storage.GetObjectBytes(ctx, s.minioCfg.BucketName, storageKey)
	if err != nil {
		return "", fmt.Errorf("failed to fetch object: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("object %q is empty", storageKey)
	}

	if strings.HasPrefix(contentType, "text/") {
		return string(data), nil
	}

	text, err := s.tikaClient.ExtractText(bytes.NewReader(data), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to extract text: %w", err)
	}
	return text, nil
}

// RemoveDocument 删除对象本体与它在索引中的全部分块。
// 元数据行由调用方通过 DocumentRepository 清理。
func (s *objectService) RemoveDocument(ctx context.Context, storageKey string) error {
	if err := storage.RemoveObject(ctx, s.minioCfg.BucketName, storageKey); err != nil {
		return err
	}
	if err := es.DeleteChunksByStorageKey(ctx, s.esCfg.IndexName, storageKey); err != nil {
		// 对象已删除但索引清理失败：记录后返回错误，导入管道重放时可恢复
		log.Errorf("[ObjectService] 清理索引分块失败, storageKey=%s: %v", storageKey, err)
		return err
	}
	return nil
}
