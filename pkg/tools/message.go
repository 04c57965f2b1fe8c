package tools

import (
	"fmt"

	"github.com/wubox3/microclaw/pkg/bus"
)

// MessageTool lets the agent push a message to a chat channel.
type MessageTool struct {
	BaseTool
	Bus            *bus.MessageBus
	DefaultChannel string
	DefaultChatID  string
}

func NewMessageTool(messageBus *bus.MessageBus) *MessageTool {
	return &MessageTool{Bus: messageBus}
}

// SetContext sets the default channel and chat ID.
func (t *MessageTool) SetContext(channel, chatID string) {
	t.DefaultChannel = channel
	t.DefaultChatID = chatID
}

func (t *MessageTool) Name() string {
	return "message"
}

func (t *MessageTool) Description() string {
	return "Send a text message to a chat channel. Defaults to the current conversation."
}

func (t *MessageTool) ToSchema() map[string]interface{} {
	return GenerateSchema(t)
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target channel (telegram, dingtalk, feishu, cli)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target chat/user ID",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(args map[string]interface{}) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "", fmt.Errorf("content is required")
	}

	channel := t.DefaultChannel
	if c, ok := args["channel"].(string); ok && c != "" {
		channel = c
	}
	chatID := t.DefaultChatID
	if c, ok := args["chat_id"].(string); ok && c != "" {
		chatID = c
	}
	if channel == "" || chatID == "" {
		return "Error: No target channel/chat specified", nil
	}
	if t.Bus == nil {
		return "Error: Message bus not configured", nil
	}

	t.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
}
