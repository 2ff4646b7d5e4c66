package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"archive-chat-go/internal/model"
)

// searchArgs 是 search_documents 的参数。
type searchArgs struct {
	Query        string   `json:"query"`
	TopK         int      `json:"topK,omitempty"`
	DocumentIDs  []string `json:"documentIds,omitempty"`
	AuthoredFrom string   `json:"authoredFrom,omitempty"`
	AuthoredTo   string   `json:"authoredTo,omitempty"`
}

// SearchDocumentsTool 构建档案检索工具。检索失败以软错误负载返回，
// 由模型用自然语言向用户解释，不会中断回合。
func SearchDocumentsTool() Tool {
	return Tool{
		Name:        "search_documents",
		Description: "在文档档案中检索与问题相关的内容。返回每个命中文档的得分、标识、存储键、标题与片段。",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "检索关键词或问题",
				},
				"topK": map[string]interface{}{
					"type":        "integer",
					"description": "返回的最大结果数，默认 10",
				},
				"documentIds": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "可选：将检索限定到指定文档",
				},
				"authoredFrom": map[string]interface{}{
					"type":        "string",
					"description": "可选：成文日期下限，格式 YYYY-MM 或 YYYY-MM-DD",
				},
				"authoredTo": map[string]interface{}{
					"type":        "string",
					"description": "可选：成文日期上限，与 authoredFrom 相等时按精确匹配处理",
				},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, caps Capabilities, raw json.RawMessage) (json.RawMessage, error) {
			var args searchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid search_documents args: %w", err)
			}
			if args.Query == "" {
				return nil, fmt.Errorf("search_documents requires a query")
			}
			topK := args.TopK
			if topK <= 0 {
				topK = 10
			}

			var filters *model.SearchFilters
			if len(args.DocumentIDs) > 0 || args.AuthoredFrom != "" || args.AuthoredTo != "" {
				filters = &model.SearchFilters{
					DocumentIDs:  args.DocumentIDs,
					AuthoredFrom: args.AuthoredFrom,
					AuthoredTo:   args.AuthoredTo,
				}
			}

			outcome := caps.Search.Search(ctx, args.Query, caps.CollectionID, topK, filters)
			return json.Marshal(outcome)
		},
	}
}
