package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/stream"
)

const maxSSELine = 16 << 20

// EventStream is the stream returned by StreamLLM.
type EventStream = stream.EventStream[LLMEvent, LLMMessage]

// Client posts streaming chat completion requests.
type Client struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

var defaultClient = &Client{}

// StreamLLM streams a completion using the default client.
func StreamLLM(ctx context.Context, model Model, llmCtx LLMContext, apiKey string) *EventStream {
	return defaultClient.Stream(ctx, model, llmCtx, apiKey)
}

// Stream posts llmCtx to <model.BaseURL>/chat/completions and streams the
// response. The stream always ends with an LLMDoneEvent or LLMErrorEvent.
func (c *Client) Stream(ctx context.Context, model Model, llmCtx LLMContext, apiKey string) *EventStream {
	es := stream.NewEventStream[LLMEvent, LLMMessage](
		func(e LLMEvent) bool {
			t := e.GetEventType()
			return t == "done" || t == "error"
		},
		func(e LLMEvent) LLMMessage {
			if done, ok := e.(LLMDoneEvent); ok {
				return done.Message
			}
			return LLMMessage{}
		},
	)

	go func() {
		defer es.End(LLMMessage{})
		if err := c.stream(ctx, model, llmCtx, apiKey, es); err != nil {
			es.Push(LLMErrorEvent{Error: err})
		}
	}()
	return es
}

func (c *Client) stream(ctx context.Context, model Model, llmCtx LLMContext, apiKey string, es *EventStream) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		apiKey = os.Getenv("ZAI_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("no API key configured for provider %q", model.Provider)
	}

	messages := llmCtx.Messages
	if llmCtx.SystemPrompt != "" {
		messages = append([]LLMMessage{{Role: "system", Content: llmCtx.SystemPrompt}}, messages...)
	}
	body := map[string]any{
		"model":    model.ID,
		"messages": messages,
		"stream":   true,
	}
	if len(llmCtx.Tools) > 0 {
		body["tools"] = llmCtx.Tools
		body["tool_choice"] = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	logger.Debug("llm request", "model", model.ID, "provider", model.Provider, "messages", len(messages), "bytes", len(payload))

	url := strings.TrimRight(model.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return ClassifyAPIError(resp.StatusCode, string(raw), parseRetryAfterHeader(resp.Header.Get("Retry-After")))
	}

	partial := newPartialMessage()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			es.Push(LLMDoneEvent{Message: partial.message(), StopReason: "stop"})
			return nil
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("skipping malformed chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			msg := strings.TrimSpace(chunk.Error.Message)
			if msg == "" {
				msg = chunk.Error.Type
			}
			return ClassifyAPIError(resp.StatusCode, msg, 0)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			partial.text.WriteString(choice.Delta.Content)
			es.Push(LLMTextDeltaEvent{Delta: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			delta := ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
			partial.appendToolCall(tc.Index, delta)
			es.Push(LLMToolCallDeltaEvent{Index: tc.Index, ToolCall: delta})
		}
		if choice.FinishReason != nil {
			var usage Usage
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			es.Push(LLMDoneEvent{Message: partial.message(), Usage: usage, StopReason: *choice.FinishReason})
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// the server closed the body without a finish marker
	es.Push(LLMDoneEvent{Message: partial.message(), StopReason: "stop"})
	return nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// parseRetryAfterHeader accepts delay-seconds or an HTTP date.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
