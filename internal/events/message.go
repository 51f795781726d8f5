package events

import "time"

// TimestampLayout ISO-8601 UTC，精确到毫秒
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Message 节点之间传递的 JSON 消息体
type Message struct {
	Message   string `json:"message"`
	SentFrom  string `json:"sentFrom"`
	SentVia   string `json:"sentVia,omitempty"`
	Timestamp string `json:"timestamp"`
}

func NewMessage(text, from, via string, at time.Time) Message {
	return Message{
		Message:   text,
		SentFrom:  from,
		SentVia:   via,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
}
