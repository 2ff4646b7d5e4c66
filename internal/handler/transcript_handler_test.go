package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"archive-chat-go/internal/identity"
	"archive-chat-go/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMessageRepo 返回固定的会话历史。
type fakeMessageRepo struct {
	history []*model.Message
}

func (r *fakeMessageRepo) GetHistory(ctx context.Context, conversationKey string) ([]*model.Message, error) {
	return r.history, nil
}

func (r *fakeMessageRepo) SaveHistory(ctx context.Context, conversationKey string, messages []*model.Message, window int) error {
	return nil
}

// fakeDocRepo 是测试用的内存版文档元数据存储。
type fakeDocRepo struct {
	titles     map[string]string
	batchCalls [][]string
}

func (r *fakeDocRepo) Upsert(doc *model.Document) error { return nil }

func (r *fakeDocRepo) FindByStorageKey(storageKey string) (*model.Document, error) {
	title, ok := r.titles[storageKey]
	if !ok {
		return nil, nil
	}
	return &model.Document{StorageKey: storageKey, Title: title}, nil
}

func (r *fakeDocRepo) FindBatchByStorageKeys(storageKeys []string) ([]*model.Document, error) {
	r.batchCalls = append(r.batchCalls, storageKeys)
	var out []*model.Document
	for _, key := range storageKeys {
		if title, ok := r.titles[key]; ok {
			out = append(out, &model.Document{StorageKey: key, Title: title})
		}
	}
	return out, nil
}

func (r *fakeDocRepo) DeleteByStorageKey(storageKey string) error { return nil }

func (r *fakeDocRepo) MarkIndexed(storageKey string, indexedAt time.Time) error { return nil }

func TestTranscriptExportResolvesPlaceholderTitles(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// 历史里只有引用标记、没有对应的检索结果，标题要靠元数据补全
	history := []*model.Message{
		{
			ID:        "a-1",
			Role:      model.RoleAssistant,
			CreatedAt: time.Now(),
			Parts:     []model.Part{model.TextPart{Text: "见 [[doc:reports/orphan.pdf]]。"}},
		},
	}
	docs := &fakeDocRepo{titles: map[string]string{"reports/orphan.pdf": "孤本报告"}}
	h := NewTranscriptHandler(&fakeMessageRepo{history: history}, docs)

	router := gin.New()
	router.GET("/conversations/:conversation/transcript", h.Export)

	encoded, err := identity.Encode(identity.ConversationID{UserID: "u1", CollectionID: "col", ConvoID: "conv-1"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+encoded+"/transcript", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
			Sources []struct {
				Seq        int    `json:"seq"`
				StorageKey string `json:"storageKey"`
				Title      string `json:"title"`
			} `json:"sources"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	require.Len(t, body.Data.Messages, 1)
	assert.Equal(t, "见 [1]。", body.Data.Messages[0].Content)

	require.Len(t, body.Data.Sources, 1)
	assert.Equal(t, 1, body.Data.Sources[0].Seq)
	assert.Equal(t, "reports/orphan.pdf", body.Data.Sources[0].StorageKey)
	assert.Equal(t, "孤本报告", body.Data.Sources[0].Title)

	// 只为占位标题的键发起一次批量查询
	require.Len(t, docs.batchCalls, 1)
	assert.Equal(t, []string{"reports/orphan.pdf"}, docs.batchCalls[0])
}

func TestTranscriptExportKeepsPlaceholderWhenUnknown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	history := []*model.Message{
		{
			ID:        "a-1",
			Role:      model.RoleAssistant,
			CreatedAt: time.Now(),
			Parts:     []model.Part{model.TextPart{Text: "见 [[doc:gone/missing.md]]。"}},
		},
	}
	h := NewTranscriptHandler(&fakeMessageRepo{history: history}, &fakeDocRepo{titles: map[string]string{}})

	router := gin.New()
	router.GET("/conversations/:conversation/transcript", h.Export)

	encoded, err := identity.Encode(identity.ConversationID{UserID: "u1", CollectionID: "col", ConvoID: "conv-1"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/conversations/"+encoded+"/transcript", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Sources []struct {
				Title string `json:"title"`
			} `json:"sources"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Sources, 1)
	assert.Equal(t, "(untitled document)", body.Data.Sources[0].Title)
}
