package bus

import "time"

// InboundMessage is a message received from a chat channel (or
// injected by the scheduler as a system event).
type InboundMessage struct {
	Channel   string                 `json:"channel"`
	SenderID  string                 `json:"senderId"`
	ChatID    string                 `json:"chatId"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SessionKey identifies the conversation this message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// IsSystem reports whether the message was injected internally rather
// than received from a chat platform.
func (m *InboundMessage) IsSystem() bool {
	return m.Channel == SystemChannel
}

// SystemChannel is the reserved channel name for internally injected
// events (scheduler wakes, job system events).
const SystemChannel = "system"

// OutboundMessage is a message to send to a chat channel. Either
// Content or Stream is set; Stream delivers incremental chunks.
type OutboundMessage struct {
	Channel  string                 `json:"channel"`
	ChatID   string                 `json:"chatId"`
	Content  string                 `json:"content"`
	ReplyTo  string                 `json:"replyTo,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Stream   <-chan string          `json:"-"`
}
