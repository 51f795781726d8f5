package ws

import (
	"encoding/json"
	"time"
)

// 消息类型
const (
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeMessage = "message"
	MessageTypeError   = "error"
)

// WSMessage WebSocket 消息协议
type WSMessage struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload 错误载荷
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewWSMessage 构造 WebSocket 消息，payload 为 nil 时不带载荷
func NewWSMessage(msgType string, payload any) (*WSMessage, error) {
	msg := &WSMessage{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = data
	return msg, nil
}

// Encode 序列化整条消息
func (m *WSMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParsePayload 解析载荷
func (m *WSMessage) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
