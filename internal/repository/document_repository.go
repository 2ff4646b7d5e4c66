// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"time"

	"archive-chat-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 接口定义了文档元数据的持久化操作。
type DocumentRepository interface {
	Upsert(doc *model.Document) error
	FindByStorageKey(storageKey string) (*model.Document, error)
	FindBatchByStorageKeys(storageKeys []string) ([]*model.Document, error)
	DeleteByStorageKey(storageKey string) error
	MarkIndexed(storageKey string, indexedAt time.Time) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Upsert 按 storage_key 创建或更新文档元数据记录。
func (r *documentRepository) Upsert(doc *model.Document) error {
	var existing model.Document
	err := r.db.Where("storage_key = ?", doc.StorageKey).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(doc).Error
	}
	if err != nil {
		return err
	}
	doc.ID = existing.ID
	doc.CreatedAt = existing.CreatedAt
	return r.db.Save(doc).Error
}

// FindByStorageKey 按存储键检索文档元数据；不存在时返回 (nil, nil)。
func (r *documentRepository) FindByStorageKey(storageKey string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("storage_key = ?", storageKey).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindBatchByStorageKeys 批量检索文档元数据。
func (r *documentRepository) FindBatchByStorageKeys(storageKeys []string) ([]*model.Document, error) {
	if len(storageKeys) == 0 {
		return nil, nil
	}
	var docs []*model.Document
	if err := r.db.Where("storage_key IN ?", storageKeys).Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteByStorageKey 删除文档元数据记录。
func (r *documentRepository) DeleteByStorageKey(storageKey string) error {
	return r.db.Where("storage_key = ?", storageKey).Delete(&model.Document{}).Error
}

// MarkIndexed 更新文档的索引完成时间。
func (r *documentRepository) MarkIndexed(storageKey string, indexedAt time.Time) error {
	return r.db.Model(&model.Document{}).
		Where("storage_key = ?", storageKey).
		Update("indexed_at", indexedAt).Error
}
