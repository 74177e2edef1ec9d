package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(url string) Model {
	return Model{ID: "test-model", Provider: "test", BaseURL: url, API: "openai-completions"}
}

func collectEvents(t *testing.T, es *EventStream) []LLMEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []LLMEvent
	for ev := range es.Iterator(ctx) {
		out = append(out, ev)
	}
	require.NoError(t, ctx.Err())
	return out
}

func TestStreamLLMEmitsDoneOnBareDoneFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	es := StreamLLM(context.Background(), testModel(server.URL), LLMContext{
		Messages: []LLMMessage{{Role: "user", Content: "ping"}},
	}, "test-key")

	events := collectEvents(t, es)
	require.Len(t, events, 2)
	assert.Equal(t, LLMTextDeltaEvent{Delta: "hello"}, events[0])
	done, ok := events[1].(LLMDoneEvent)
	require.True(t, ok)
	assert.Equal(t, "stop", done.StopReason)
	assert.Equal(t, "hello", done.Message.Content)
	assert.Equal(t, "hello", (<-es.Result()).Content)
}

func TestStreamLLMHandlesLargeSSELine(t *testing.T) {
	largeText := strings.Repeat("x", 70*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", largeText)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	es := StreamLLM(context.Background(), testModel(server.URL), LLMContext{}, "test-key")
	events := collectEvents(t, es)
	done, ok := events[len(events)-1].(LLMDoneEvent)
	require.True(t, ok)
	assert.Len(t, done.Message.Content, len(largeText))
}

func TestStreamLLMAssemblesToolCalls(t *testing.T) {
	var request map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &request))
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"run-command","arguments":"{\"mode\":"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"COMMAND\"}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`+"\n\n")
	}))
	defer server.Close()

	es := StreamLLM(context.Background(), testModel(server.URL), LLMContext{
		SystemPrompt: "be brief",
		Messages:     []LLMMessage{{Role: "user", Content: "ls"}},
		Tools:        []LLMTool{{Type: "function", Function: ToolFunction{Name: "run-command"}}},
	}, "test-key")

	events := collectEvents(t, es)
	done, ok := events[len(events)-1].(LLMDoneEvent)
	require.True(t, ok)
	assert.Equal(t, "tool_calls", done.StopReason)
	assert.Equal(t, 10, done.Usage.TotalTokens)
	require.Len(t, done.Message.ToolCalls, 1)
	call := done.Message.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "run-command", call.Function.Name)
	assert.JSONEq(t, `{"mode":"COMMAND"}`, call.Function.Arguments)

	messages := request["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "auto", request["tool_choice"])
}

func TestStreamLLMClassifiesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer server.Close()

	es := StreamLLM(context.Background(), testModel(server.URL), LLMContext{}, "test-key")
	events := collectEvents(t, es)
	require.Len(t, events, 1)
	errEvent, ok := events[0].(LLMErrorEvent)
	require.True(t, ok)
	assert.True(t, IsRateLimit(errEvent.Error))
	assert.Equal(t, 2*time.Second, RetryAfter(errEvent.Error))
}

func TestParseRetryAfterHeader(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfterHeader("5"))
	future := time.Now().Add(2 * time.Second).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfterHeader(future), time.Duration(0))
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader("invalid"))
}
