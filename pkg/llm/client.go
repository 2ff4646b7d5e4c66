// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"archive-chat-go/internal/config"
)

// Message 表示发送给聊天接口的一条角色消息。
// assistant 消息可携带 tool_calls，tool 消息必须携带 tool_call_id。
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall 是模型发出的一次函数调用（OpenAI 线格式）。
type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function 是函数调用的名字与参数（参数为 JSON 字符串）。
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema 向模型声明一个可用工具。
type ToolSchema struct {
	Type     string             `json:"type"`
	Function ToolSchemaFunction `json:"function"`
}

// ToolSchemaFunction 描述工具的名字、说明与参数 JSON Schema。
type ToolSchemaFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GenerationParams 控制生成行为。Metadata 是客户端随回合提交的
// 不透明注解，原样写入请求体，这一层不做任何解释。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Metadata    map[string]interface{}
}

// StreamHandler 接收流式产出的内容增量。
// 返回错误会中断流（例如客户端连接已断开）。
type StreamHandler interface {
	OnDelta(text string) error
	OnReasoning(text string) error
}

// StepResult 是一次模型调用的完整产出。
type StepResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string // stop | tool_calls | length
}

// Client defines the interface for an LLM client.
type Client interface {
	// StreamStep 以 role-based 消息、工具目录与可选生成参数调用聊天接口，
	// 将内容增量推送给 handler，并在流结束后返回该步的完整产出。
	StreamStep(ctx context.Context, messages []Message, tools []ToolSchema, gen *GenerationParams, handler StreamHandler) (*StepResult, error)
}

type openAICompatClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	return &openAICompatClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []Message              `json:"messages"`
	Tools       []ToolSchema           `json:"tools,omitempty"`
	Stream      bool                   `json:"stream"`
	Temperature *float64               `json:"temperature,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// deltaToolCall 是流式分片中的 tool_calls 增量，按 index 归并。
type deltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponseChunk struct {
	Choices []struct {
		Delta struct {
			Content          string          `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
			ToolCalls        []deltaToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *openAICompatClient) StreamStep(ctx context.Context, messages []Message, tools []ToolSchema, gen *GenerationParams, handler StreamHandler) (*StepResult, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Tools:    tools,
		Stream:   true,
	}
	// 从配置或传参注入生成参数（传参优先生效）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		reqBody.Metadata = gen.Metadata
	} else {
		if c.cfg.Generation.Temperature != 0 {
			t := c.cfg.Generation.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.Generation.TopP != 0 {
			p := c.cfg.Generation.TopP
			reqBody.TopP = &p
		}
		if c.cfg.Generation.MaxTokens != 0 {
			m := c.cfg.Generation.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	result := &StepResult{}
	var contentBuilder, reasoningBuilder strings.Builder
	// tool_calls 以增量分片到达，按 index 累积 id/name/arguments 片段
	pending := map[int]*ToolCall{}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			break
		}

		var chunk chatResponseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if err := handler.OnDelta(choice.Delta.Content); err != nil {
				return nil, fmt.Errorf("failed to deliver content delta: %w", err)
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoningBuilder.WriteString(choice.Delta.ReasoningContent)
			if err := handler.OnReasoning(choice.Delta.ReasoningContent); err != nil {
				return nil, fmt.Errorf("failed to deliver reasoning delta: %w", err)
			}
		}
		for _, dtc := range choice.Delta.ToolCalls {
			tc, ok := pending[dtc.Index]
			if !ok {
				tc = &ToolCall{Type: "function"}
				pending[dtc.Index] = tc
			}
			if dtc.ID != "" {
				tc.ID = dtc.ID
			}
			if dtc.Function.Name != "" {
				tc.Function.Name = dtc.Function.Name
			}
			tc.Function.Arguments += dtc.Function.Arguments
		}
	}

	result.Content = contentBuilder.String()
	result.Reasoning = reasoningBuilder.String()

	// 按 index 排序还原调用顺序
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		result.ToolCalls = append(result.ToolCalls, *pending[i])
	}

	return result, nil
}
