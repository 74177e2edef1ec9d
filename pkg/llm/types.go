package llm

import (
	"sort"
	"strings"
)

// Model identifies an OpenAI-compatible chat completions endpoint.
type Model struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	Provider string `json:"provider" yaml:"provider" toml:"provider"`
	BaseURL  string `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl"`
	API      string `json:"api" yaml:"api" toml:"api"`
}

// LLMContext is everything sent with one completion request.
type LLMContext struct {
	SystemPrompt string
	Messages     []LLMMessage
	Tools        []LLMTool
}

// LLMMessage is one chat message in the wire format.
type LLMMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMTool advertises a function to the model.
type LLMTool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function and its JSON Schema parameters.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting reported with the final chunk.
type Usage struct {
	InputTokens  int `json:"prompt_tokens"`
	OutputTokens int `json:"completion_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// LLMEvent is one item of a completion stream.
type LLMEvent interface {
	GetEventType() string
}

// LLMTextDeltaEvent carries a fragment of assistant text.
type LLMTextDeltaEvent struct {
	Delta string
}

func (LLMTextDeltaEvent) GetEventType() string { return "text_delta" }

// LLMToolCallDeltaEvent carries a fragment of a tool call. Fragments with the
// same Index belong to one call.
type LLMToolCallDeltaEvent struct {
	Index    int
	ToolCall ToolCall
}

func (LLMToolCallDeltaEvent) GetEventType() string { return "tool_call_delta" }

// LLMDoneEvent ends a successful stream with the assembled message.
type LLMDoneEvent struct {
	Message    LLMMessage
	Usage      Usage
	StopReason string
}

func (LLMDoneEvent) GetEventType() string { return "done" }

// LLMErrorEvent ends a failed stream.
type LLMErrorEvent struct {
	Error error
}

func (LLMErrorEvent) GetEventType() string { return "error" }

// partialMessage assembles an assistant message from stream deltas. It is
// only touched by the goroutine reading the response body.
type partialMessage struct {
	text      strings.Builder
	toolCalls map[int]*ToolCall
}

func newPartialMessage() *partialMessage {
	return &partialMessage{toolCalls: make(map[int]*ToolCall)}
}

func (pm *partialMessage) appendToolCall(index int, delta ToolCall) {
	existing, ok := pm.toolCalls[index]
	if !ok {
		call := delta
		pm.toolCalls[index] = &call
		return
	}
	if delta.ID != "" {
		existing.ID = delta.ID
	}
	if delta.Type != "" {
		existing.Type = delta.Type
	}
	if delta.Function.Name != "" {
		existing.Function.Name = delta.Function.Name
	}
	existing.Function.Arguments += delta.Function.Arguments
}

func (pm *partialMessage) message() LLMMessage {
	msg := LLMMessage{Role: "assistant", Content: pm.text.String()}
	indexes := make([]int, 0, len(pm.toolCalls))
	for i := range pm.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := *pm.toolCalls[i]
		if call.Type == "" {
			call.Type = "function"
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg
}
