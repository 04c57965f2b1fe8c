package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ContextBuilder assembles the message list for LLM calls.
type ContextBuilder struct {
	Workspace string
}

func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{Workspace: workspace}
}

// BootstrapFiles are loaded into the system prompt when present in the
// workspace.
var BootstrapFiles = []string{"AGENTS.md", "IDENTITY.md", "USER.md", "TOOLS.md"}

// BuildSystemPrompt builds the system prompt from the identity block
// and any bootstrap files in the workspace.
func (c *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{c.getIdentity()}
	if bootstrap := c.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func (c *ContextBuilder) getIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	absWorkspace, _ := filepath.Abs(c.Workspace)
	sysInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# microclaw

You are microclaw, a scheduling assistant. You have access to tools that let you:
- Manage scheduled jobs (create, update, remove, run, inspect)
- Send messages to users on chat channels

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s

When responding to direct questions, reply with text. Only use the
'message' tool when you need to push a message to a specific chat
channel. Use the 'cron' tool for anything involving schedules,
reminders, or recurring tasks.

When the user asks for a reminder or a recurring task, create a cron
job rather than promising to remember. Confirm the schedule back to the
user in plain language, including the timezone when one is involved.`,
		now, sysInfo, absWorkspace)
}

func (c *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, filename := range BootstrapFiles {
		path := filepath.Join(c.Workspace, filename)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, string(content)))
	}
	return strings.Join(parts, "\n\n")
}

// BuildMessages builds the complete message list for an LLM call.
func (c *ContextBuilder) BuildMessages(history []map[string]interface{}, currentMessage, channel, chatID string) []interface{} {
	var messages []interface{}

	systemPrompt := c.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}
	messages = append(messages, map[string]interface{}{
		"role":    "system",
		"content": systemPrompt,
	})
	for _, msg := range history {
		messages = append(messages, msg)
	}
	messages = append(messages, map[string]interface{}{
		"role":    "user",
		"content": currentMessage,
	})
	return messages
}

// AddToolResult appends a tool result message.
func (c *ContextBuilder) AddToolResult(messages []interface{}, toolCallID, toolName, result string) []interface{} {
	return append(messages, map[string]interface{}{
		"role":         "tool",
		"tool_call_id": toolCallID,
		"name":         toolName,
		"content":      result,
	})
}

// AddAssistantMessage appends an assistant message, with tool calls
// when present.
func (c *ContextBuilder) AddAssistantMessage(messages []interface{}, content string, toolCalls []interface{}) []interface{} {
	msg := map[string]interface{}{
		"role":    "assistant",
		"content": content,
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}
	return append(messages, msg)
}
