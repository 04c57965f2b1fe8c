// Package agent hosts the LLM processing loop and the scheduler's
// executor.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/config"
	"github.com/wubox3/microclaw/pkg/cron"
	"github.com/wubox3/microclaw/pkg/providers"
	"github.com/wubox3/microclaw/pkg/session"
	"github.com/wubox3/microclaw/pkg/tools"
)

// AgentLoop consumes inbound messages and drives the tool loop.
type AgentLoop struct {
	Bus           *bus.MessageBus
	Provider      providers.LLMProvider
	Workspace     string
	Model         string
	MaxIterations int
	HistoryWindow int

	Context  *ContextBuilder
	Sessions *session.Manager
	Tools    *tools.Registry

	log      zerolog.Logger
	stopChan chan struct{}
}

func NewAgentLoop(
	messageBus *bus.MessageBus,
	provider providers.LLMProvider,
	sessions *session.Manager,
	cfg *config.Config,
	cronService *cron.Service,
	log zerolog.Logger,
) *AgentLoop {
	defaults := cfg.Agents.Defaults
	maxIterations := defaults.MaxToolIterations
	if maxIterations == 0 {
		maxIterations = 20
	}
	historyWindow := defaults.HistoryWindow
	if historyWindow == 0 {
		historyWindow = 50
	}

	loop := &AgentLoop{
		Bus:           messageBus,
		Provider:      provider,
		Workspace:     defaults.Workspace,
		Model:         defaults.Model,
		MaxIterations: maxIterations,
		HistoryWindow: historyWindow,
		Context:       NewContextBuilder(defaults.Workspace),
		Sessions:      sessions,
		Tools:         tools.NewRegistry(),
		log:           log.With().Str("component", "agent").Logger(),
		stopChan:      make(chan struct{}),
	}

	if cronService != nil {
		loop.Tools.Register(tools.NewCronTool(cronService))
	}
	loop.Tools.Register(tools.NewMessageTool(messageBus))
	return loop
}

// Run consumes the inbound bus until Stop is called.
func (l *AgentLoop) Run() {
	l.log.Info().Msg("agent loop started")
	inbound := l.Bus.ConsumeInbound()

	for {
		select {
		case msg := <-inbound:
			go func(m bus.InboundMessage) {
				if err := l.processMessage(m); err != nil {
					l.log.Error().Err(err).Str("channel", m.Channel).Msg("message processing failed")
					l.Bus.PublishOutbound(bus.OutboundMessage{
						Channel: m.Channel,
						ChatID:  m.ChatID,
						Content: fmt.Sprintf("Sorry, I encountered an error: %v", err),
					})
				}
			}(msg)
		case <-l.stopChan:
			l.log.Info().Msg("agent loop stopping")
			return
		}
	}
}

func (l *AgentLoop) Stop() {
	close(l.stopChan)
}

// setToolContext points the context-aware tools at the session the
// current message belongs to.
func (l *AgentLoop) setToolContext(channel, chatID string) {
	if tool, ok := l.Tools.Get("cron"); ok {
		if cronTool, ok := tool.(*tools.CronTool); ok {
			cronTool.SetContext(channel, chatID)
		}
	}
	if tool, ok := l.Tools.Get("message"); ok {
		if msgTool, ok := tool.(*tools.MessageTool); ok {
			msgTool.SetContext(channel, chatID)
		}
	}
}

func (l *AgentLoop) processMessage(msg bus.InboundMessage) error {
	if msg.IsSystem() {
		return l.processSystemMessage(msg)
	}

	l.log.Debug().Str("channel", msg.Channel).Str("sender", msg.SenderID).Msg("processing message")
	l.Sessions.SetLastRoute(msg.Channel, msg.ChatID)

	sessionKey := msg.SessionKey()

	if strings.TrimSpace(msg.Content) == "/new" {
		if err := l.Sessions.Clear(sessionKey); err != nil {
			l.log.Warn().Err(err).Msg("could not clear session")
		}
		l.Bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: "Started a new conversation. Previous history cleared.",
		})
		return nil
	}

	sess := l.Sessions.GetOrCreate(sessionKey)
	l.setToolContext(msg.Channel, msg.ChatID)

	history := sess.GetHistory(l.HistoryWindow)
	messages := l.Context.BuildMessages(history, msg.Content, msg.Channel, msg.ChatID)

	iteration := 0
	var finalContent string

	for iteration < l.MaxIterations {
		iteration++

		ctx := context.Background()
		stream, err := l.Provider.Stream(ctx, messages, l.Tools.GetDefinitions(), l.Model)
		if err != nil {
			return fmt.Errorf("LLM error: %w", err)
		}

		var contentBuilder strings.Builder

		type toolCallAcc struct {
			ID          string
			Name        string
			ArgsBuilder strings.Builder
		}
		accumulator := make(map[int]*toolCallAcc)

		streamOut := make(chan string, 10)
		messagePublished := false

		for chunk := range stream {
			if chunk.Error != nil {
				l.log.Warn().Err(chunk.Error).Msg("stream error")
				break
			}
			if chunk.Content != "" {
				if !messagePublished {
					l.Bus.PublishOutbound(bus.OutboundMessage{
						Channel: msg.Channel,
						ChatID:  msg.ChatID,
						Stream:  streamOut,
					})
					messagePublished = true
				}
				streamOut <- chunk.Content
				contentBuilder.WriteString(chunk.Content)
			}
			if chunk.ToolCall != nil {
				tc := chunk.ToolCall
				acc, ok := accumulator[tc.Index]
				if !ok {
					acc = &toolCallAcc{}
					accumulator[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Name != "" {
					acc.Name = tc.Name
				}
				if tc.Arguments != "" {
					acc.ArgsBuilder.WriteString(tc.Arguments)
				}
			}
		}

		close(streamOut)
		finalContent = contentBuilder.String()

		var toolCalls []providers.ToolCallRequest
		indices := make([]int, 0, len(accumulator))
		for k := range accumulator {
			indices = append(indices, k)
		}
		sort.Ints(indices)

		for _, idx := range indices {
			acc := accumulator[idx]
			args := make(map[string]interface{})
			if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
				if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
					l.log.Warn().Err(err).Str("tool", acc.Name).Msg("could not parse tool arguments")
					args = make(map[string]interface{})
				}
			}
			toolCalls = append(toolCalls, providers.ToolCallRequest{
				ID:        acc.ID,
				Name:      acc.Name,
				Arguments: args,
			})
		}

		if len(toolCalls) == 0 {
			break
		}

		messages = l.Context.AddAssistantMessage(messages, finalContent, rawToolCalls(toolCalls))
		for _, tc := range toolCalls {
			l.log.Debug().Str("tool", tc.Name).Msg("executing tool")
			result, err := l.Tools.Execute(tc.Name, tc.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error executing tool: %v", err)
			}
			messages = l.Context.AddToolResult(messages, tc.ID, tc.Name, result)
		}
	}

	if finalContent == "" {
		finalContent = "I've completed processing but have no response to give."
		if iteration == 1 {
			l.Bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: finalContent,
			})
		}
	}

	sess.AddMessage("user", msg.Content, nil)
	sess.AddMessage("assistant", finalContent, nil)
	l.Sessions.Save(sess)
	return nil
}

// processSystemMessage handles internal events, such as scheduler
// wake-ups. The chat ID carries the originating session as
// "channel:chatId"; events without one land on the CLI.
func (l *AgentLoop) processSystemMessage(msg bus.InboundMessage) error {
	l.log.Debug().Str("sender", msg.SenderID).Msg("processing system event")

	originChannel, originChatID := "cli", msg.ChatID
	if strings.Contains(msg.ChatID, ":") {
		parts := strings.SplitN(msg.ChatID, ":", 2)
		originChannel, originChatID = parts[0], parts[1]
	}
	if originChatID == "" {
		if route, ok := l.Sessions.LastRoute(); ok {
			originChannel, originChatID = route.Channel, route.ChatID
		} else {
			originChatID = "local"
		}
	}

	sessionKey := fmt.Sprintf("%s:%s", originChannel, originChatID)
	sess := l.Sessions.GetOrCreate(sessionKey)
	l.setToolContext(originChannel, originChatID)

	history := sess.GetHistory(l.HistoryWindow)
	messages := l.Context.BuildMessages(history, msg.Content, originChannel, originChatID)

	iteration := 0
	var finalContent string

	for iteration < l.MaxIterations {
		iteration++

		response, err := l.Provider.Chat(context.Background(), messages, l.Tools.GetDefinitions(), l.Model)
		if err != nil {
			return fmt.Errorf("LLM error: %w", err)
		}

		if !response.HasToolCalls() {
			finalContent = response.Content
			break
		}

		messages = l.Context.AddAssistantMessage(messages, response.Content, rawToolCalls(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			l.log.Debug().Str("tool", tc.Name).Msg("executing tool")
			result, err := l.Tools.Execute(tc.Name, tc.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error executing tool: %v", err)
			}
			messages = l.Context.AddToolResult(messages, tc.ID, tc.Name, result)
		}
	}

	if finalContent == "" {
		finalContent = "Background task completed."
	}

	sess.AddMessage("user", fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content), nil)
	sess.AddMessage("assistant", finalContent, nil)
	l.Sessions.Save(sess)

	l.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: originChannel,
		ChatID:  originChatID,
		Content: finalContent,
	})
	return nil
}

// rawToolCalls converts tool call requests into the wire shape the
// chat API expects on assistant messages.
func rawToolCalls(calls []providers.ToolCallRequest) []interface{} {
	raw := make([]interface{}, len(calls))
	for i, tc := range calls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		raw[i] = map[string]interface{}{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(argsJSON),
			},
		}
	}
	return raw
}
