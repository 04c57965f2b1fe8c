// Package providers abstracts OpenAI-compatible LLM backends.
package providers

import "context"

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// LLMResponse is a completed (non-streaming) model response.
type LLMResponse struct {
	Content      string            `json:"content,omitempty"`
	ToolCalls    []ToolCallRequest `json:"toolCalls,omitempty"`
	FinishReason string            `json:"finishReason"`
	Usage        map[string]int    `json:"usage"`
}

func (r *LLMResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// LLMProvider is implemented by every backend.
type LLMProvider interface {
	Chat(ctx context.Context, messages []interface{}, tools []interface{}, model string) (*LLMResponse, error)
	Stream(ctx context.Context, messages []interface{}, tools []interface{}, model string) (<-chan LLMStreamChunk, error)
	GetDefaultModel() string
}

// LLMStreamChunk is one streaming delta.
type LLMStreamChunk struct {
	Content      string         `json:"content,omitempty"`
	ToolCall     *ToolCallChunk `json:"toolCall,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
	Error        error          `json:"-"`
}

// ToolCallChunk is a partial tool call; chunks with the same index
// are concatenated by the caller.
type ToolCallChunk struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
