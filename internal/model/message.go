// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 代表对话中的一条消息，parts 的顺序是有意义的并且会被完整保留。
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	Parts     []Part    `json:"parts"`
	// Metadata 是客户端随回合提交的不透明注解，编排层不做任何解释。
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Part 是消息片段的封闭联合类型：文本、推理、工具调用三种。
// 新增变体必须同时扩展 MarshalJSON/UnmarshalJSON 中的分发。
type Part interface {
	PartType() string
	isPart()
}

// TextPart 是一段普通文本。
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) PartType() string { return "text" }
func (TextPart) isPart()          {}

// ReasoningPart 是模型的推理文本，不作为正式回答内容。
type ReasoningPart struct {
	Text string `json:"text"`
}

func (ReasoningPart) PartType() string { return "reasoning" }
func (ReasoningPart) isPart()          {}

// ToolInvocationPart 承载一次工具调用及其结果。
type ToolInvocationPart struct {
	Invocation *ToolInvocation `json:"toolInvocation"`
}

func (ToolInvocationPart) PartType() string { return "tool-invocation" }
func (ToolInvocationPart) isPart()          {}

// partEnvelope 是 Part 在线格式的信封，带 type 判别字段。
type partEnvelope struct {
	Type           string          `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

// MarshalJSON 将 parts 序列化为带 type 判别字段的数组。
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	envelopes := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		env := partEnvelope{Type: p.PartType()}
		switch v := p.(type) {
		case TextPart:
			env.Text = v.Text
		case ReasoningPart:
			env.Text = v.Text
		case ToolInvocationPart:
			env.ToolInvocation = v.Invocation
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(struct {
		alias
		Parts []partEnvelope `json:"parts"`
	}{alias: alias(m), Parts: envelopes})
}

// UnmarshalJSON 根据判别字段还原 parts 的具体变体。
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Parts []partEnvelope `json:"parts"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Parts = make([]Part, 0, len(aux.Parts))
	for _, env := range aux.Parts {
		switch env.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: env.Text})
		case "reasoning":
			m.Parts = append(m.Parts, ReasoningPart{Text: env.Text})
		case "tool-invocation":
			if env.ToolInvocation == nil {
				return fmt.Errorf("tool-invocation part missing payload")
			}
			m.Parts = append(m.Parts, ToolInvocationPart{Invocation: env.ToolInvocation})
		default:
			return fmt.Errorf("unknown part type %q", env.Type)
		}
	}
	return nil
}

// Text 拼接消息中所有文本片段。
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// Invocations 返回消息中所有工具调用片段（按出现顺序）。
func (m *Message) Invocations() []*ToolInvocation {
	var out []*ToolInvocation
	for _, p := range m.Parts {
		if t, ok := p.(ToolInvocationPart); ok {
			out = append(out, t.Invocation)
		}
	}
	return out
}

// InvocationState 是工具调用的状态，唯一合法的迁移是 call → result。
type InvocationState int

const (
	StateCall InvocationState = iota
	StateResult
)

// String 返回状态的线格式表示。
func (s InvocationState) String() string {
	if s == StateResult {
		return "result"
	}
	return "call"
}

// MarshalJSON 将状态序列化为 "call"/"result"。
func (s InvocationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从 "call"/"result" 还原状态。
func (s *InvocationState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "call":
		*s = StateCall
	case "result":
		*s = StateResult
	default:
		return fmt.Errorf("unknown invocation state %q", raw)
	}
	return nil
}

// ToolInvocation 是模型发出的一次具名工具调用。
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	State      InvocationState `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Pending 报告该调用是否仍在等待结果。
func (t *ToolInvocation) Pending() bool {
	return t.State == StateCall
}

// Resolve 将调用迁移到 result 状态；对已解析的调用是无操作。
func (t *ToolInvocation) Resolve(result json.RawMessage) {
	if t.State == StateResult {
		return
	}
	t.State = StateResult
	t.Result = result
}

// ApprovalResult 是人工确认协议的两值令牌。
type ApprovalResult string

const (
	ApprovalApproved ApprovalResult = "approved"
	ApprovalRejected ApprovalResult = "rejected"
)

// Valid 报告令牌是否为协议允许的取值。
func (a ApprovalResult) Valid() bool {
	return a == ApprovalApproved || a == ApprovalRejected
}

// Approval 是客户端对某次工具调用做出的确认决定。
type Approval struct {
	ToolCallID string         `json:"toolCallId"`
	Result     ApprovalResult `json:"result"`
}
