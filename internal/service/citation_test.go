package service

import (
	"encoding/json"
	"testing"

	"archive-chat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsStableSequence(t *testing.T) {
	r := NewCitationRegistry()

	assert.Equal(t, 1, r.Register("doc-a", "Alpha"))
	assert.Equal(t, 2, r.Register("doc-b", "Beta"))
	// 重复登记返回既有序号
	assert.Equal(t, 1, r.Register("doc-a", "Alpha"))

	id, ok := r.Lookup("doc-b")
	require.True(t, ok)
	assert.Equal(t, 2, id)
	assert.Equal(t, "Beta", r.Title("doc-b"))

	_, ok = r.Lookup("doc-c")
	assert.False(t, ok)
}

func TestRenderTextRewritesTokens(t *testing.T) {
	r := NewCitationRegistry()
	r.Register("reports/q1.pdf", "Q1 Report")
	r.Register("notes/meeting.txt", "Meeting Notes")

	in := "Revenue grew [[doc:reports/q1.pdf]] while costs fell [[doc:notes/meeting.txt]]. See also [[doc:reports/q1.pdf]]."
	out := r.RenderText(in)
	assert.Equal(t, "Revenue grew [1] while costs fell [2]. See also [1].", out)
}

func TestRenderTextRegistersUnseenKeys(t *testing.T) {
	r := NewCitationRegistry()
	out := r.RenderText("Claim [[doc:late/arrival.md]].")
	assert.Equal(t, "Claim [1].", out)

	id, ok := r.Lookup("late/arrival.md")
	require.True(t, ok)
	assert.Equal(t, 1, id)
}

func searchResultMessage(keys ...string) *model.Message {
	docs := make([]model.DocumentHit, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, model.DocumentHit{StorageKey: k, Title: "T-" + k})
	}
	result, _ := json.Marshal(model.SearchOutcome{Status: "success", Documents: docs})
	return &model.Message{
		Role: model.RoleAssistant,
		Parts: []model.Part{
			model.ToolInvocationPart{Invocation: &model.ToolInvocation{
				ToolCallID: "c-" + keys[0],
				ToolName:   "search_documents",
				Args:       json.RawMessage(`{"query":"q"}`),
				State:      model.StateResult,
				Result:     result,
			}},
		},
	}
}

func TestBuildFromMessagesReplayIsDeterministic(t *testing.T) {
	history := []*model.Message{
		searchResultMessage("k1", "k2"),
		{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "Answer [[doc:k2]] and [[doc:k1]]."}}},
		searchResultMessage("k3"),
	}

	first := NewCitationRegistry()
	first.BuildFromMessages(history)

	// 重放同一份历史得到完全一致的编号
	second := NewCitationRegistry()
	second.BuildFromMessages(history)

	for _, key := range []string{"k1", "k2", "k3"} {
		a, ok := first.Lookup(key)
		require.True(t, ok)
		b, ok := second.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, a, b, "key %s", key)
	}

	// 检索结果的出现顺序决定编号
	id1, _ := first.Lookup("k1")
	id2, _ := first.Lookup("k2")
	id3, _ := first.Lookup("k3")
	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)
	assert.Equal(t, 3, id3)

	assert.Equal(t, "Answer [2] and [1].", first.RenderText("Answer [[doc:k2]] and [[doc:k1]]."))
}

func TestBuildFromMessagesSkipsPendingAndForeignTools(t *testing.T) {
	history := []*model.Message{
		{Role: model.RoleAssistant, Parts: []model.Part{
			model.ToolInvocationPart{Invocation: &model.ToolInvocation{
				ToolCallID: "c1",
				ToolName:   "search_documents",
				Args:       json.RawMessage(`{"query":"q"}`),
				State:      model.StateCall,
			}},
			model.ToolInvocationPart{Invocation: &model.ToolInvocation{
				ToolCallID: "c2",
				ToolName:   "get_document",
				Args:       json.RawMessage(`{"storageKey":"x"}`),
				State:      model.StateResult,
				Result:     json.RawMessage(`{"text":"body"}`),
			}},
		}},
	}

	r := NewCitationRegistry()
	r.BuildFromMessages(history)
	assert.Empty(t, r.Sources())
}

func TestMissingTitlesAndSetTitle(t *testing.T) {
	r := NewCitationRegistry()
	r.Register("a", "Alpha")
	r.RenderText("孤立引用 [[doc:b]] 与 [[doc:c]].")

	// 只有占位标题的键算缺失，顺序跟随序号
	assert.Equal(t, []string{"b", "c"}, r.MissingTitles())

	r.SetTitle("b", "Beta")
	r.SetTitle("c", "") // 空标题被忽略
	r.SetTitle("ghost", "Ghost")

	assert.Equal(t, []string{"c"}, r.MissingTitles())
	assert.Equal(t, "Beta", r.Title("b"))
	_, ok := r.Lookup("ghost")
	assert.False(t, ok)
}

func TestSourcesListsEachDocumentOnce(t *testing.T) {
	r := NewCitationRegistry()
	r.Register("a", "A")
	r.Register("b", "B")
	r.Register("a", "A")

	sources := r.Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, Source{Seq: 1, StorageKey: "a", Title: "A"}, sources[0])
	assert.Equal(t, Source{Seq: 2, StorageKey: "b", Title: "B"}, sources[1])
}
