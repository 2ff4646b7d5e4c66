package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextChunksWithOverlap(t *testing.T) {
	p := &Processor{}
	text := strings.Repeat("a", 2500)

	chunks := p.splitText(text, 1000, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 1000)
	// 末块承接剩余部分：2500 - 2*900 = 700
	assert.Len(t, chunks[2], 700)
}

func TestSplitTextShortInput(t *testing.T) {
	p := &Processor{}
	chunks := p.splitText("短文本", 1000, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "短文本", chunks[0])
}

func TestSplitTextMultibyteBoundaries(t *testing.T) {
	p := &Processor{}
	text := strings.Repeat("档", 1500)

	chunks := p.splitText(text, 1000, 100)
	require.Len(t, chunks, 2)
	// 分块按 rune 切割，绝不切断多字节字符
	for _, chunk := range chunks {
		assert.True(t, strings.HasPrefix(chunk, "档"))
		assert.Equal(t, 0, len(chunk)%len("档"))
	}
}

func TestSplitTextEmptyAndWhitespace(t *testing.T) {
	p := &Processor{}
	assert.Empty(t, p.splitText("", 1000, 100))
	assert.Empty(t, p.splitText("   \n\t  ", 1000, 100))
}

func TestSplitTextDegenerateParams(t *testing.T) {
	p := &Processor{}
	// overlap >= chunkSize 时退化为无重叠切块
	chunks := p.splitText(strings.Repeat("b", 30), 10, 50)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Len(t, chunk, 10)
	}
}
