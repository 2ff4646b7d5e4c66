package service

import (
	"encoding/json"
	"sync"
	"testing"

	"archive-chat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 收集写出的帧，供断言使用。
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, fr["type"].(string))
	}
	return out
}

func TestMergeStreamPreservesOrder(t *testing.T) {
	conn := &fakeConn{}
	m := NewMergeStream(conn, nil)

	inv := &model.ToolInvocation{
		ToolCallID: "c1",
		ToolName:   "search_documents",
		Args:       json.RawMessage(`{"query":"q"}`),
		State:      model.StateCall,
	}

	m.Chunk("hello ")
	m.ToolCall(inv, false)
	inv.Resolve(json.RawMessage(`{"status":"success"}`))
	m.ToolResult(inv)
	m.Chunk("world")
	m.Close()

	types := conn.types()
	require.Equal(t, []string{"chunk", "tool-call", "tool-result", "chunk", "completion"}, types)

	// result 帧不会先于它的 call 帧
	callIdx, resultIdx := -1, -1
	for i, ty := range types {
		switch ty {
		case "tool-call":
			callIdx = i
		case "tool-result":
			resultIdx = i
		}
	}
	assert.Less(t, callIdx, resultIdx)
	assert.Equal(t, "hello world", m.Answer())
}

func TestMergeStreamCompletionFrame(t *testing.T) {
	conn := &fakeConn{}
	m := NewMergeStream(conn, nil)
	m.Close()
	// 多次关闭安全
	m.Close()

	require.Len(t, conn.frames, 1)
	frame := conn.frames[0]
	assert.Equal(t, "completion", frame["type"])
	assert.Equal(t, "finished", frame["status"])
	assert.NotEmpty(t, frame["timestamp"])
	assert.NotEmpty(t, frame["date"])
}

func TestMergeStreamStopSuppressesFrames(t *testing.T) {
	conn := &fakeConn{}
	stopped := false
	m := NewMergeStream(conn, func() bool { return stopped })

	m.Chunk("before stop ")
	m.Close()

	conn2 := &fakeConn{}
	stopped = true
	m2 := NewMergeStream(conn2, func() bool { return stopped })
	m2.Chunk("after stop")
	m2.Close()

	assert.Equal(t, []string{"chunk", "completion"}, conn.types())
	// 停止后所有帧被丢弃，包括完成通知
	assert.Empty(t, conn2.types())
	// 但答案仍然累积，落盘不受影响
	assert.Equal(t, "after stop", m2.Answer())
}

func TestMergeStreamToolCallCarriesConfirmFlag(t *testing.T) {
	conn := &fakeConn{}
	m := NewMergeStream(conn, nil)

	inv := &model.ToolInvocation{ToolCallID: "c1", ToolName: "delete_document", Args: json.RawMessage(`{}`), State: model.StateCall}
	m.ToolCall(inv, true)
	m.Close()

	require.GreaterOrEqual(t, len(conn.frames), 1)
	assert.Equal(t, true, conn.frames[0]["confirm"])
}
