// Package service 包含了应用的业务逻辑层。
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"archive-chat-go/internal/model"
	"archive-chat-go/pkg/embedding"
	"archive-chat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// SearchService 是检索协作方的契约。返回值是软错误结构：
// status != success 时 Error 以文本呈现给模型，永远不会作为异常抛出。
type SearchService interface {
	Search(ctx context.Context, query, collectionID string, topK int, filters *model.SearchFilters) *model.SearchOutcome
}

type searchService struct {
	embeddingClient embedding.Client
	esClient        *elasticsearch.Client
	indexName       string
	snippetLen      int
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embeddingClient embedding.Client, esClient *elasticsearch.Client, indexName string) SearchService {
	return &searchService{
		embeddingClient: embeddingClient,
		esClient:        esClient,
		indexName:       indexName,
		snippetLen:      1000,
	}
}

// Search 执行混合检索（kNN 召回 + BM25 重排），过滤条件支持
// 文档范围限定与成文日期区间。所有失败都折叠为软错误结果。
func (s *searchService) Search(ctx context.Context, query, collectionID string, topK int, filters *model.SearchFilters) *model.SearchOutcome {
	log.Infof("[SearchService] 开始执行混合检索, query: '%s', collection: %s, topK: %d", query, collectionID, topK)
	if topK <= 0 {
		topK = 10
	}

	// 1. 向量化查询
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return softError(fmt.Sprintf("failed to create query embedding: %v", err))
	}

	// 2. 构建过滤子句
	must := []map[string]interface{}{
		{"term": map[string]interface{}{"collection_id": collectionID}},
	}
	if filters != nil {
		if len(filters.DocumentIDs) > 0 {
			must = append(must, map[string]interface{}{
				"terms": map[string]interface{}{"doc_id": filters.DocumentIDs},
			})
		}
		if rangeClause, rerr := buildAuthoredRange(filters.AuthoredFrom, filters.AuthoredTo); rerr != nil {
			log.Warnf("[SearchService] 成文日期过滤条件无效: %v", rerr)
			return softError(fmt.Sprintf("invalid authored date filter: %v", rerr))
		} else if rangeClause != nil {
			must = append(must, rangeClause)
		}
	}

	// 3. 构建两阶段混合检索查询
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              topK * 30,
			"num_candidates": topK * 30,
			"filter":         map[string]interface{}{"bool": map[string]interface{}{"must": must}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": query,
					},
				},
				"filter": must,
			},
		},
		"rescore": map[string]interface{}{
			"window_size": topK * 30,
			"query": map[string]interface{}{
				"rescore_query": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": map[string]interface{}{
							"query":    query,
							"operator": "and",
						},
					},
				},
				"query_weight":         0.2, // 保留部分 k-NN 分数
				"rescore_query_weight": 1.0, // BM25 分数权重
			},
		},
		"size": topK,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		log.Errorf("[SearchService] 序列化 Elasticsearch 查询失败: %v", err)
		return softError(fmt.Sprintf("failed to encode es query: %v", err))
	}

	// 4. 执行检索
	res, err := s.esClient.Search(
		s.esClient.Search.WithContext(ctx),
		s.esClient.Search.WithIndex(s.indexName),
		s.esClient.Search.WithBody(&buf),
		s.esClient.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		log.Errorf("[SearchService] 向 Elasticsearch 发送检索请求失败: %v", err)
		return softError(fmt.Sprintf("search backend unavailable: %v", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[SearchService] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return softError(fmt.Sprintf("search backend returned an error: %s", res.Status()))
	}

	// 5. 解析结果
	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		log.Errorf("[SearchService] 解析 Elasticsearch 响应失败: %v", err)
		return softError(fmt.Sprintf("failed to decode search response: %v", err))
	}

	hits := make([]model.DocumentHit, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		snippet := hit.Source.TextContent
		if len(snippet) > s.snippetLen {
			snippet = snippet[:s.snippetLen] + "…"
		}
		hits = append(hits, model.DocumentHit{
			Score:      hit.Score,
			DocID:      hit.Source.DocID,
			StorageKey: hit.Source.StorageKey,
			Title:      hit.Source.Title,
			AuthoredAt: hit.Source.AuthoredAt,
			Snippet:    snippet,
		})
	}

	log.Infof("[SearchService] 混合检索执行完毕, query: '%s', 命中 %d 条", query, len(hits))
	return &model.SearchOutcome{Status: "success", Documents: hits}
}

func softError(msg string) *model.SearchOutcome {
	return &model.SearchOutcome{Status: "error", Error: msg}
}

// buildAuthoredRange 将成文日期过滤参数翻译为 ES range 子句。
// 支持月精度 "2006-01" 与天精度 "2006-01-02"；起止相等时按
// 精确匹配处理（该月/该天内），而不是退化的区间。
func buildAuthoredRange(from, to string) (map[string]interface{}, error) {
	if from == "" && to == "" {
		return nil, nil
	}

	bounds := map[string]interface{}{}
	if from != "" {
		start, _, err := authoredBounds(from)
		if err != nil {
			return nil, err
		}
		bounds["gte"] = start
	}
	if to != "" {
		_, end, err := authoredBounds(to)
		if err != nil {
			return nil, err
		}
		bounds["lt"] = end
	}
	return map[string]interface{}{
		"range": map[string]interface{}{"authored_at": bounds},
	}, nil
}

// authoredBounds 解析一个日期分量，返回它覆盖区间的 [起, 止) 边界。
// 月精度覆盖整月，天精度覆盖当天。
func authoredBounds(value string) (string, string, error) {
	const day = "2006-01-02"
	switch len(value) {
	case len("2006-01"):
		t, err := time.Parse("2006-01", value)
		if err != nil {
			return "", "", fmt.Errorf("invalid month value %q", value)
		}
		return t.Format(day), t.AddDate(0, 1, 0).Format(day), nil
	case len(day):
		t, err := time.Parse(day, value)
		if err != nil {
			return "", "", fmt.Errorf("invalid day value %q", value)
		}
		return t.Format(day), t.AddDate(0, 0, 1).Format(day), nil
	default:
		return "", "", fmt.Errorf("unsupported date precision %q", value)
	}
}
