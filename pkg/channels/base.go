// Package channels hosts the chat platform gateways.
package channels

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
)

// Channel is one chat platform gateway.
type Channel interface {
	Start() error
	Stop() error
	Send(msg bus.OutboundMessage) error
	Name() string
}

// BaseChannel carries the pieces every gateway needs.
type BaseChannel struct {
	Bus       *bus.MessageBus
	AllowFrom []string
	Log       zerolog.Logger
}

// IsAllowed checks the sender against the allow list. An empty list
// allows everyone. Composite IDs like "id|username" match on either
// part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.AllowFrom {
		if allowed == senderID {
			return true
		}
		if strings.Contains(senderID, "|") {
			for _, part := range strings.Split(senderID, "|") {
				if part == allowed {
					return true
				}
			}
		}
	}
	return false
}

// HandleMessage filters and forwards a platform message to the bus.
func (c *BaseChannel) HandleMessage(channelName, senderID, chatID, content string, metadata map[string]interface{}) {
	if !c.IsAllowed(senderID) {
		c.Log.Warn().Str("channel", channelName).Str("sender", senderID).
			Msg("message from sender outside allow list dropped")
		return
	}
	c.Bus.PublishInbound(bus.InboundMessage{
		Channel:  channelName,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Metadata: metadata,
	})
}
