package identity

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	id := ConversationID{UserID: "u-42", CollectionID: "archives", ConvoID: "conv-7"}

	encoded, err := Encode(id)
	require.NoError(t, err)

	decoded := Decode(encoded)
	assert.Equal(t, id, decoded)
	assert.Equal(t, "u-42-archives-conv-7", decoded.Key())
}

func TestEncodeRejectsInvalidComponents(t *testing.T) {
	// 空分量
	_, err := Encode(ConversationID{UserID: "", CollectionID: "a", ConvoID: "b"})
	assert.Error(t, err)

	// 分量中出现定界符
	_, err = Encode(ConversationID{UserID: "u|x", CollectionID: "a", ConvoID: "b"})
	assert.Error(t, err)
}

func TestDecodeMalformedFallsBack(t *testing.T) {
	cases := []string{
		"not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("only-one-part")),
		base64.StdEncoding.EncodeToString([]byte("a|b")),
		base64.StdEncoding.EncodeToString([]byte("a|b|c|d")),
		base64.StdEncoding.EncodeToString([]byte("|b|c")),
		"",
	}
	for _, input := range cases {
		decoded := Decode(input)
		// 兜底值必须可用：unknown 用户、非空集合、新生成的会话 ID
		assert.Equal(t, FallbackUserID, decoded.UserID, "input: %q", input)
		assert.NotEmpty(t, decoded.CollectionID, "input: %q", input)
		assert.NotEmpty(t, decoded.ConvoID, "input: %q", input)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Decode("\xff\xfe")
		Decode("AAAA")
	})
}
