package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type storageKeyArgs struct {
	StorageKey string `json:"storageKey"`
}

// GetDocumentTool 构建取文档原文的工具。
func GetDocumentTool() Tool {
	return Tool{
		Name:        "get_document",
		Description: "按存储键获取归档文档的完整文本内容。",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"storageKey": map[string]interface{}{
					"type":        "string",
					"description": "文档的存储键（来自检索结果）",
				},
			},
			"required": []string{"storageKey"},
		},
		Execute: func(ctx context.Context, caps Capabilities, raw json.RawMessage) (json.RawMessage, error) {
			var args storageKeyArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid get_document args: %w", err)
			}
			if args.StorageKey == "" {
				return nil, fmt.Errorf("get_document requires a storageKey")
			}

			text, err := caps.Objects.GetObjectText(ctx, args.StorageKey)
			if err != nil {
				// 存储故障是软错误：以 {error} 负载交给模型处理
				return json.Marshal(map[string]string{"error": err.Error()})
			}
			payload := map[string]string{"storageKey": args.StorageKey, "text": text}
			// 元数据缺失不影响取原文，标题尽力补全
			if doc, err := caps.Documents.FindByStorageKey(args.StorageKey); err == nil && doc != nil && doc.Title != "" {
				payload["title"] = doc.Title
			}
			return json.Marshal(payload)
		},
	}
}

// DeleteDocumentTool 构建删除文档的工具。删除是破坏性操作，
// 工具执行至少一次触达外部系统，因此必须先取得用户确认。
func DeleteDocumentTool() Tool {
	return Tool{
		Name:        "delete_document",
		Description: "从档案中永久删除一个文档（对象、索引分块与元数据）。需要用户确认。",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"storageKey": map[string]interface{}{
					"type":        "string",
					"description": "待删除文档的存储键",
				},
			},
			"required": []string{"storageKey"},
		},
		Confirm: true,
		Execute: func(ctx context.Context, caps Capabilities, raw json.RawMessage) (json.RawMessage, error) {
			var args storageKeyArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid delete_document args: %w", err)
			}
			if args.StorageKey == "" {
				return nil, fmt.Errorf("delete_document requires a storageKey")
			}

			if err := caps.Objects.RemoveDocument(ctx, args.StorageKey); err != nil {
				return nil, fmt.Errorf("failed to remove document object: %w", err)
			}
			if err := caps.Documents.DeleteByStorageKey(args.StorageKey); err != nil {
				return nil, fmt.Errorf("failed to remove document metadata: %w", err)
			}
			return json.Marshal(map[string]interface{}{"deleted": true, "storageKey": args.StorageKey})
		},
	}
}
