// Package identity 实现会话标识三元组的可逆编码与兜底解码。
package identity

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"archive-chat-go/internal/config"
)

// delimiter 保证不出现在任何合法分量中（Encode 会校验）。
const delimiter = "|"

// FallbackUserID 是解码失败时使用的用户标识。
const FallbackUserID = "unknown"

// ConversationID 标识一个会话：归属用户、文档集合与会话本身。
type ConversationID struct {
	UserID       string
	CollectionID string
	ConvoID      string
}

// Key 返回持久化分析日志使用的存储键 `${userId}-${collectionId}-${convoId}`。
func (c ConversationID) Key() string {
	return fmt.Sprintf("%s-%s-%s", c.UserID, c.CollectionID, c.ConvoID)
}

// Encode 将三元组用定界符连接后做标准 base64 编码。
// 任一分量为空或包含定界符时返回错误。
func Encode(id ConversationID) (string, error) {
	for _, part := range []string{id.UserID, id.CollectionID, id.ConvoID} {
		if part == "" {
			return "", fmt.Errorf("conversation identity component is empty")
		}
		if strings.Contains(part, delimiter) {
			return "", fmt.Errorf("conversation identity component contains delimiter: %q", part)
		}
	}
	joined := id.UserID + delimiter + id.CollectionID + delimiter + id.ConvoID
	return base64.StdEncoding.EncodeToString([]byte(joined)), nil
}

// Decode 解码会话标识。对畸形或过期的输入不会报错，而是返回确定性的
// 兜底值：unknown 用户、默认集合、带时间戳的新会话 ID。
func Decode(encoded string) ConversationID {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fallback()
	}
	parts := strings.Split(string(raw), delimiter)
	if len(parts) != 3 {
		return fallback()
	}
	for _, p := range parts {
		if p == "" {
			return fallback()
		}
	}
	return ConversationID{UserID: parts[0], CollectionID: parts[1], ConvoID: parts[2]}
}

func fallback() ConversationID {
	collection := config.Conf.Chat.DefaultCollection
	if collection == "" {
		collection = "default"
	}
	return ConversationID{
		UserID:       FallbackUserID,
		CollectionID: collection,
		ConvoID:      fmt.Sprintf("conv-%d", time.Now().UnixNano()),
	}
}
