// Package service 包含了应用的业务逻辑层。
package service

import (
	"encoding/json"
	"fmt"
	"regexp"

	"archive-chat-go/internal/config"
	"archive-chat-go/internal/model"
)

// citationToken 匹配生成文本中的内联引用标记 [[doc:<storageKey>]]。
var citationToken = regexp.MustCompile(`\[\[doc:([^\]\s]+)\]\]`)

// CitationRegistry 为渲染会话内被引用的源文档分配稳定的序号。
// 序号从 1 开始单调递增；同一个存储键总是得到同一个序号。
// 注册表通过按原始顺序重放消息历史重建，因此只要工具结果仍在
// 历史中，编号在重新加载后保持确定。
type CitationRegistry struct {
	seq    map[string]int
	titles map[string]string
	order  []string
	next   int
}

// NewCitationRegistry 创建一个空的引用注册表。
func NewCitationRegistry() *CitationRegistry {
	return &CitationRegistry{
		seq:    make(map[string]int),
		titles: make(map[string]string),
	}
}

// Register 登记一个源文档并返回它的序号。重复登记返回既有序号；
// 后到的非空标题可以补全先前的占位标题。
func (r *CitationRegistry) Register(sourceKey, title string) int {
	if id, ok := r.seq[sourceKey]; ok {
		if title != "" && r.titles[sourceKey] == placeholderTitle() {
			r.titles[sourceKey] = title
		}
		return id
	}
	r.next++
	r.seq[sourceKey] = r.next
	if title == "" {
		title = placeholderTitle()
	}
	r.titles[sourceKey] = title
	r.order = append(r.order, sourceKey)
	return r.next
}

// Lookup 返回已登记键的序号。
func (r *CitationRegistry) Lookup(sourceKey string) (int, bool) {
	id, ok := r.seq[sourceKey]
	return id, ok
}

// Title 返回已登记键的标题，未登记时返回空字符串。
func (r *CitationRegistry) Title(sourceKey string) string {
	return r.titles[sourceKey]
}

// MissingTitles 按序号顺序返回标题仍是占位符的存储键。
func (r *CitationRegistry) MissingTitles() []string {
	var out []string
	for _, key := range r.order {
		if r.titles[key] == placeholderTitle() {
			out = append(out, key)
		}
	}
	return out
}

// SetTitle 覆盖已登记键的标题，未登记的键与空标题被忽略。
func (r *CitationRegistry) SetTitle(sourceKey, title string) {
	if title == "" {
		return
	}
	if _, ok := r.seq[sourceKey]; !ok {
		return
	}
	r.titles[sourceKey] = title
}

// Source 是导出清单中的一个源文档。
type Source struct {
	Seq        int    `json:"seq"`
	StorageKey string `json:"storageKey"`
	Title      string `json:"title"`
}

// Sources 按序号顺序返回全部已登记的源文档，每个只出现一次。
func (r *CitationRegistry) Sources() []Source {
	out := make([]Source, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, Source{Seq: r.seq[key], StorageKey: key, Title: r.titles[key]})
	}
	return out
}

// RenderText 将文本中的内联引用标记改写为已解析的序号 [n]。
// 未登记的键在首次出现时登记。
func (r *CitationRegistry) RenderText(text string) string {
	return citationToken.ReplaceAllStringFunc(text, func(match string) string {
		key := citationToken.FindStringSubmatch(match)[1]
		id, ok := r.seq[key]
		if !ok {
			id = r.Register(key, "")
		}
		return fmt.Sprintf("[%d]", id)
	})
}

// BuildFromMessages 按原始顺序重放消息历史重建注册表：
// 检索工具结果中的文档按出现顺序登记，随后扫描文本中的引用标记。
func (r *CitationRegistry) BuildFromMessages(messages []*model.Message) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case model.ToolInvocationPart:
				r.registerFromInvocation(p.Invocation)
			case model.TextPart:
				for _, match := range citationToken.FindAllStringSubmatch(p.Text, -1) {
					if _, ok := r.seq[match[1]]; !ok {
						r.Register(match[1], "")
					}
				}
			}
		}
	}
}

// registerFromInvocation 从已完成的检索调用结果中登记文档。
func (r *CitationRegistry) registerFromInvocation(inv *model.ToolInvocation) {
	if inv == nil || inv.ToolName != "search_documents" || inv.Pending() {
		return
	}
	var outcome model.SearchOutcome
	if err := json.Unmarshal(inv.Result, &outcome); err != nil {
		return
	}
	for _, doc := range outcome.Documents {
		if doc.StorageKey == "" {
			continue
		}
		r.Register(doc.StorageKey, doc.Title)
	}
}

func placeholderTitle() string {
	if p := config.Conf.Chat.CitationPlaceholder; p != "" {
		return p
	}
	return "(untitled document)"
}
