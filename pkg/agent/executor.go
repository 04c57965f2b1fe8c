package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wubox3/microclaw/pkg/bus"
	"github.com/wubox3/microclaw/pkg/cron"
	"github.com/wubox3/microclaw/pkg/providers"
	"github.com/wubox3/microclaw/pkg/session"
	"github.com/wubox3/microclaw/pkg/tools"
)

// Executor runs scheduled job payloads for the scheduler. System
// events go through the bus into the main agent loop; isolated agent
// turns run against a fresh context that leaves no session behind.
type Executor struct {
	Bus           *bus.MessageBus
	Provider      providers.LLMProvider
	Context       *ContextBuilder
	Sessions      *session.Manager
	Tools         *tools.Registry
	Model         string
	MaxIterations int

	log zerolog.Logger
}

func NewExecutor(
	messageBus *bus.MessageBus,
	provider providers.LLMProvider,
	sessions *session.Manager,
	contextBuilder *ContextBuilder,
	toolRegistry *tools.Registry,
	model string,
	maxIterations int,
	log zerolog.Logger,
) *Executor {
	if maxIterations == 0 {
		maxIterations = 20
	}
	return &Executor{
		Bus:           messageBus,
		Provider:      provider,
		Context:       contextBuilder,
		Sessions:      sessions,
		Tools:         toolRegistry,
		Model:         model,
		MaxIterations: maxIterations,
		log:           log.With().Str("component", "executor").Logger(),
	}
}

// SystemEvent injects the job text into the main conversation. The
// origin is the last route the user spoke on, so the agent's reaction
// lands where the user is.
func (e *Executor) SystemEvent(ctx context.Context, text string) error {
	origin := ""
	if route, ok := e.Sessions.LastRoute(); ok {
		origin = fmt.Sprintf("%s:%s", route.Channel, route.ChatID)
	}
	e.Bus.PublishSystemEvent("cron", origin, text)
	return nil
}

// AgentTurn runs the job message through the model in a fresh context.
// Nothing is read from or written to any session.
func (e *Executor) AgentTurn(ctx context.Context, req cron.AgentTurnRequest) (cron.TurnResult, error) {
	message := req.Message
	if req.Thinking != "" {
		message = fmt.Sprintf("%s\n\n(Consider: %s)", message, req.Thinking)
	}
	messages := e.Context.BuildMessages(nil, message, "", "")

	var toolDefs []interface{}
	if e.Tools != nil {
		toolDefs = e.Tools.GetDefinitions()
	}

	var finalContent string
	for iteration := 0; iteration < e.MaxIterations; iteration++ {
		response, err := e.Provider.Chat(ctx, messages, toolDefs, req.Model)
		if err != nil {
			return cron.TurnResult{}, fmt.Errorf("LLM error: %w", err)
		}

		if !response.HasToolCalls() {
			finalContent = response.Content
			break
		}

		messages = e.Context.AddAssistantMessage(messages, response.Content, rawToolCalls(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			e.log.Debug().Str("tool", tc.Name).Str("job", req.JobID).Msg("executing tool")
			result, err := e.Tools.Execute(tc.Name, tc.Arguments)
			if err != nil {
				result = fmt.Sprintf("Error executing tool: %v", err)
			}
			messages = e.Context.AddToolResult(messages, tc.ID, tc.Name, result)
		}
	}

	return cron.TurnResult{
		Status:     cron.RunOK,
		Summary:    summarize(finalContent),
		OutputText: finalContent,
	}, nil
}

// Announce delivers isolated-job output according to the resolved
// plan. A "last" channel follows the most recent user route.
func (e *Executor) Announce(ctx context.Context, plan cron.DeliveryPlan, text string) error {
	channel := plan.Channel
	chatID := plan.To

	if channel == "last" {
		route, ok := e.Sessions.LastRoute()
		if !ok {
			return fmt.Errorf("no last route recorded, cannot deliver")
		}
		channel = route.Channel
		if chatID == "" {
			chatID = route.ChatID
		}
	} else if chatID == "" {
		if route, ok := e.Sessions.LastRoute(); ok && route.Channel == channel {
			chatID = route.ChatID
		} else {
			return fmt.Errorf("no destination for channel %s", channel)
		}
	}

	e.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: text,
	})
	return nil
}

// summarize reduces output to a single short line for the run log.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	const maxLen = 120
	if len(text) > maxLen {
		text = text[:maxLen] + "..."
	}
	return text
}
