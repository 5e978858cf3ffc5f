package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType 訊息標籤
type MessageType string

const (
	TypeChat   MessageType = "chat"   // 使用者聊天訊息
	TypeSystem MessageType = "system" // 系統通知（加入、離開、成員列表）
)

// TimestampLayout ISO-8601，UTC，毫秒精度
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message 線上傳輸的訊息
//
//	{"type":"chat","content":"hi","username":"alice","timestamp":"..."}
//	{"type":"system","content":"bob has joined the chat","timestamp":"..."}
type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Username  string      `json:"username,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Inbound 解碼後的入站訊息
//
// Raw 為 true 時代表 payload 無法辨識為帶標籤的訊息，Text 保存原始文字。
// 否則 Message 為解析結果，fields 保留客戶端送來的完整欄位（轉發時不丟失未知欄位）。
type Inbound struct {
	Message Message
	Raw     bool
	Text    string

	fields map[string]json.RawMessage
}

// Now 伺服器時間戳
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp 以 TimestampLayout 格式化（轉為 UTC）
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewChatMessage 創建聊天訊息
func NewChatMessage(username, content string) Message {
	return Message{
		Type:      TypeChat,
		Content:   content,
		Username:  username,
		Timestamp: Now(),
	}
}

// NewSystemMessage 創建系統訊息
func NewSystemMessage(content string) Message {
	return Message{
		Type:      TypeSystem,
		Content:   content,
		Timestamp: Now(),
	}
}

// JoinedMessage 加入通知
func JoinedMessage(username string) Message {
	return NewSystemMessage(fmt.Sprintf("%s has joined the chat", username))
}

// LeftMessage 離開通知
func LeftMessage(username string) Message {
	return NewSystemMessage(fmt.Sprintf("%s has left the chat", username))
}

// UserListMessage 目前成員列表
func UserListMessage(usernames []string) Message {
	return NewSystemMessage("Users in room: " + strings.Join(usernames, ", "))
}

// Encode 序列化
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解碼入站 payload
//
// 只接受 JSON 物件，且 type 為已知標籤、content 為字串；
// 其餘情況（非 JSON、陣列、數字、未知標籤、欄位型別錯誤）一律回傳 Raw。
// 回傳的 error 僅供記錄，呼叫端不應將其視為失敗。
func DecodeMessage(payload []byte) (Inbound, error) {
	raw := Inbound{Raw: true, Text: string(payload)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return raw, WrapError(err, ErrCodeMalformedPayload, ErrMalformedPayload.Message)
	}

	var msgType MessageType
	if err := unmarshalField(fields, "type", &msgType); err != nil {
		return raw, WrapError(err, ErrCodeMalformedPayload, ErrMalformedPayload.Message)
	}
	if msgType != TypeChat && msgType != TypeSystem {
		return raw, ErrMalformedPayload.WithDetails(fmt.Sprintf("unknown type %q", msgType))
	}

	msg := Message{Type: msgType}
	if err := unmarshalField(fields, "content", &msg.Content); err != nil {
		return raw, WrapError(err, ErrCodeMalformedPayload, ErrMalformedPayload.Message)
	}
	// username / timestamp 可省略，但若存在必須是字串
	if _, ok := fields["username"]; ok {
		if err := unmarshalField(fields, "username", &msg.Username); err != nil {
			return raw, WrapError(err, ErrCodeMalformedPayload, ErrMalformedPayload.Message)
		}
	}
	if _, ok := fields["timestamp"]; ok {
		if err := unmarshalField(fields, "timestamp", &msg.Timestamp); err != nil {
			return raw, WrapError(err, ErrCodeMalformedPayload, ErrMalformedPayload.Message)
		}
	}

	return Inbound{Message: msg, fields: fields}, nil
}

func unmarshalField(fields map[string]json.RawMessage, key string, dst any) error {
	v, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing field %q", key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

// encodeWith 以原始欄位為底重新序列化，並以 overrides 覆寫指定欄位
func (in Inbound) encodeWith(overrides map[string]string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(in.fields)+len(overrides))
	for k, v := range in.fields {
		out[k] = v
	}
	for k, v := range overrides {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return json.Marshal(out)
}
