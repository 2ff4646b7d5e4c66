// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Document 定义了 documents 表的 ORM 模型，记录归档文档的元数据。
type Document struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	StorageKey   string     `gorm:"type:varchar(255);not null;uniqueIndex" json:"storageKey"`
	Title        string     `gorm:"type:varchar(255);not null" json:"title"`
	CollectionID string     `gorm:"type:varchar(64);not null;index" json:"collectionId"`
	AuthoredAt   *time.Time `gorm:"default:null" json:"authoredAt"`
	ContentType  string     `gorm:"type:varchar(100)" json:"contentType"`
	SizeBytes    int64      `gorm:"not null;default:0" json:"sizeBytes"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	IndexedAt    *time.Time `gorm:"default:null" json:"indexedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// EsChunk 代表存储在 Elasticsearch 中的文档分块结构。
type EsChunk struct {
	ChunkKey     string    `json:"chunk_key"` // 唯一标识，storageKey + chunkId
	DocID        string    `json:"doc_id"`
	StorageKey   string    `json:"storage_key"`
	Title        string    `json:"title"`
	CollectionID string    `json:"collection_id"`
	AuthoredAt   string    `json:"authored_at,omitempty"` // "2006-01-02"
	ChunkID      int       `json:"chunk_id"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// SearchFilters 是检索协作方支持的可选过滤条件。
type SearchFilters struct {
	// DocumentIDs 将检索范围限定到指定文档。
	DocumentIDs []string `json:"documentIds,omitempty"`
	// AuthoredFrom/AuthoredTo 接受 "2006-01" 或 "2006-01-02"；
	// 起止相等时按精确匹配处理，而不是区间。
	AuthoredFrom string `json:"authoredFrom,omitempty"`
	AuthoredTo   string `json:"authoredTo,omitempty"`
}

// SearchOutcome 是检索协作方的软错误返回：status != success 时
// Error 会以文本形式呈现给模型，永远不会作为异常抛出。
type SearchOutcome struct {
	Status    string        `json:"status"` // success | error
	Documents []DocumentHit `json:"documents,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// DocumentHit 是单个分块命中及其文档元数据。
type DocumentHit struct {
	Score      float64 `json:"score"`
	DocID      string  `json:"docId"`
	StorageKey string  `json:"storageKey"`
	Title      string  `json:"title"`
	AuthoredAt string  `json:"authoredAt,omitempty"`
	Snippet    string  `json:"snippet"`
}
