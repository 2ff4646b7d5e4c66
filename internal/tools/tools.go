// Package tools 定义了模型可调用的能力目录。
package tools

import (
	"context"
	"encoding/json"

	"archive-chat-go/internal/model"
	"archive-chat-go/pkg/llm"
)

// SearchCapability 是检索协作方的契约（软错误，永不抛异常）。
type SearchCapability interface {
	Search(ctx context.Context, query, collectionID string, topK int, filters *model.SearchFilters) *model.SearchOutcome
}

// ObjectCapability 是对象存储协作方的契约。
type ObjectCapability interface {
	GetObjectText(ctx context.Context, storageKey string) (string, error)
	RemoveDocument(ctx context.Context, storageKey string) error
}

// DocumentCapability 提供文档元数据访问。
type DocumentCapability interface {
	FindByStorageKey(storageKey string) (*model.Document, error)
	DeleteByStorageKey(storageKey string) error
}

// Capabilities 是显式传入每个执行器的能力包。
// 执行器不做任何环境式的隐式访问，所有外部句柄都从这里取。
type Capabilities struct {
	Search       SearchCapability
	Objects      ObjectCapability
	Documents    DocumentCapability
	CollectionID string
}

// Executor 执行一次工具调用；错误由调用侧转换为结构化错误结果。
type Executor func(ctx context.Context, caps Capabilities, args json.RawMessage) (json.RawMessage, error)

// Tool 是目录中的一项能力。Confirm 为 true 的工具有副作用，
// 必须先取得用户确认才允许执行。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Confirm     bool
	Execute     Executor
}

// Catalog 是固定的工具目录，按注册顺序暴露给模型。
type Catalog struct {
	byName map[string]Tool
	order  []string
}

// NewCatalog 以给定工具构建目录。
func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := c.byName[t.Name]; exists {
			continue
		}
		c.byName[t.Name] = t
		c.order = append(c.order, t.Name)
	}
	return c
}

// Lookup 按名字查找工具。
func (c *Catalog) Lookup(name string) (Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Schemas 返回按注册顺序排列的模型侧工具声明。
func (c *Catalog) Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(c.order))
	for _, name := range c.order {
		t := c.byName[name]
		out = append(out, llm.ToolSchema{
			Type: "function",
			Function: llm.ToolSchemaFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// DefaultCatalog 构建标准目录：检索与取原文自动执行，删除需人工确认。
func DefaultCatalog() *Catalog {
	return NewCatalog(SearchDocumentsTool(), GetDocumentTool(), DeleteDocumentTool())
}
