package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

// scriptedLLM serves one canned SSE body per request.
type scriptedLLM struct {
	mu       sync.Mutex
	bodies   []string
	requests []map[string]any
}

func (s *scriptedLLM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req map[string]any
	json.Unmarshal(raw, &req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.bodies) == 0 {
		s.mu.Unlock()
		http.Error(w, `{"error":{"message":"script exhausted"}}`, http.StatusBadRequest)
		return
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, body)
}

func (s *scriptedLLM) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func textReply(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		chunk, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": p}}}})
		fmt.Fprintf(&b, "data: %s\n\n", chunk)
	}
	b.WriteString(`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n")
	return b.String()
}

func toolReply(id, name, args string) string {
	chunk, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]any{
		"tool_calls": []any{map[string]any{
			"index": 0, "id": id, "type": "function",
			"function": map[string]any{"name": name, "arguments": args},
		}},
	}}}})
	return fmt.Sprintf("data: %s\n\n", chunk) + `data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n"
}

type fakeTools struct {
	mu       sync.Mutex
	commands []protocol.RunCommandInput
	groups   []protocol.GetLineGroupInput
	groupErr error
	block    bool
}

func (f *fakeTools) RunCommand(ctx context.Context, input protocol.RunCommandInput) (protocol.RunCommandOutput, error) {
	f.mu.Lock()
	f.commands = append(f.commands, input)
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return protocol.RunCommandOutput{}, ctx.Err()
	}
	return protocol.RunCommandOutput{
		ID:               "rec-1",
		Stdout:           []protocol.LineGroup{{From: 0, To: 0, Lines: []string{"file.txt"}}},
		StdoutTotalLines: 1,
		Stderr:           []protocol.LineGroup{{From: 0, To: -1}},
	}, nil
}

func (f *fakeTools) GetLineGroup(ctx context.Context, input protocol.GetLineGroupInput) (protocol.LineGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, input)
	if f.groupErr != nil {
		return protocol.LineGroup{}, f.groupErr
	}
	return protocol.LineGroup{From: input.From, To: input.To, Lines: []string{"x"}}, nil
}

func newTestRuntime(t *testing.T, script *scriptedLLM, history HistoryStore) *LoopRuntime {
	t.Helper()
	server := httptest.NewServer(script)
	t.Cleanup(server.Close)
	return NewLoopRuntime(LoopConfig{
		Model:          llm.Model{ID: "m", Provider: "test", BaseURL: server.URL},
		APIKey:         "k",
		MaxIterations:  5,
		RetryBaseDelay: time.Millisecond,
		History:        history,
	})
}

func drain(t *testing.T, es *EventStream) (string, Result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var b strings.Builder
	for ev := range es.Iterator(ctx) {
		b.WriteString(ev.Token)
	}
	res, err := es.Wait(ctx)
	require.NoError(t, err)
	return b.String(), res
}

func TestLoopRuntimeRunsToolsUntilFinished(t *testing.T) {
	script := &scriptedLLM{bodies: []string{
		textReply("Let me ", "look."),
		toolReply("call-1", ToolRunCommand, `{"mode":"COMMAND","command":"ls"}`),
		textReply("There is one file. [FINISHED]"),
	}}
	history := NewMemoryHistory(0)
	rt := newTestRuntime(t, script, history)
	tools := &fakeTools{}

	text, res := drain(t, rt.Invoke(context.Background(), Request{ChatID: "c1", Message: "list files"}, tools))
	require.NoError(t, res.Err)
	assert.Equal(t, "Let me look.\n\nThere is one file. [FINISHED]", text)
	assert.Equal(t, []protocol.RunCommandInput{{Mode: protocol.ModeCommand, Command: "ls"}}, tools.commands)
	assert.Equal(t, 3, script.requestCount())

	msgs := history.Load("c1")
	require.Len(t, msgs, 5)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "call-1", msgs[3].ToolCallID)
	assert.Contains(t, msgs[3].Content, `"id":"rec-1"`)

	first := script.requests[0]
	assert.Len(t, first["tools"], 2)
	sys := first["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "system", sys["role"])
}

func TestLoopRuntimeReturnsToolErrorsToModel(t *testing.T) {
	script := &scriptedLLM{bodies: []string{
		toolReply("call-1", ToolGetLineGroup, `{"id":"rec-1","output":"stdout","from":5,"to":9}`),
		toolReply("call-2", "no-such-tool", `{}`),
		toolReply("call-3", ToolRunCommand, `{"mode":"SHELL","command":"ls"}`),
		textReply("done [DONE]"),
	}}
	history := NewMemoryHistory(0)
	rt := newTestRuntime(t, script, history)
	tools := &fakeTools{groupErr: errors.New("invalid line range: 5-9. Available lines: 0-0")}

	_, res := drain(t, rt.Invoke(context.Background(), Request{ChatID: "c1", Message: "go"}, tools))
	require.NoError(t, res.Err)

	var toolResults []string
	for _, m := range history.Load("c1") {
		if m.Role == "tool" {
			toolResults = append(toolResults, m.Content)
		}
	}
	require.Len(t, toolResults, 3)
	assert.Equal(t, "Error: invalid line range: 5-9. Available lines: 0-0", toolResults[0])
	assert.Contains(t, toolResults[1], "unknown tool")
	assert.Contains(t, toolResults[2], "invalid arguments")
	assert.Empty(t, tools.commands)
}

func TestLoopRuntimeStopsAtIterationLimit(t *testing.T) {
	script := &scriptedLLM{}
	for i := 0; i < 5; i++ {
		script.bodies = append(script.bodies, textReply("thinking"))
	}
	rt := newTestRuntime(t, script, nil)

	_, res := drain(t, rt.Invoke(context.Background(), Request{ChatID: "c1", Message: "hmm"}, &fakeTools{}))
	assert.NoError(t, res.Err)
	assert.Equal(t, 5, script.requestCount())
}

func TestLoopRuntimeReportsAPIErrors(t *testing.T) {
	rt := newTestRuntime(t, &scriptedLLM{}, nil)
	_, res := drain(t, rt.Invoke(context.Background(), Request{ChatID: "c1", Message: "hi"}, &fakeTools{}))
	var apiErr *llm.APIError
	require.ErrorAs(t, res.Err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestLoopRuntimeCancelDuringTool(t *testing.T) {
	script := &scriptedLLM{bodies: []string{
		toolReply("call-1", ToolRunCommand, `{"mode":"COMMAND","command":"sleep 100"}`),
	}}
	history := NewMemoryHistory(0)
	rt := newTestRuntime(t, script, history)
	tools := &fakeTools{block: true}

	ctx, cancel := context.WithCancel(context.Background())
	es := rt.Invoke(ctx, Request{ChatID: "c1", Message: "wait"}, tools)
	require.Eventually(t, func() bool {
		tools.mu.Lock()
		defer tools.mu.Unlock()
		return len(tools.commands) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	res, err := es.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, context.Canceled)
	// the tool call and its result stay paired in history
	assert.Len(t, history.Load("c1"), 3)
}

func TestFuncRuntime(t *testing.T) {
	rt := FuncRuntime(func(ctx context.Context, req Request, tools Tools, emit func(string)) error {
		emit("echo: ")
		emit(req.Message)
		return nil
	})
	text, res := drain(t, rt.Invoke(context.Background(), Request{Message: "hi"}, nil))
	assert.NoError(t, res.Err)
	assert.Equal(t, "echo: hi", text)
}

func TestMemoryHistoryWindow(t *testing.T) {
	h := NewMemoryHistory(3)
	h.Append("c", llm.LLMMessage{Role: "user", Content: "1"},
		llm.LLMMessage{Role: "assistant", Content: "2"},
		llm.LLMMessage{Role: "tool", Content: "3"},
		llm.LLMMessage{Role: "tool", Content: "4"},
		llm.LLMMessage{Role: "assistant", Content: "5"})
	msgs := h.Load("c")
	require.Len(t, msgs, 1)
	assert.Equal(t, "5", msgs[0].Content)
	assert.Empty(t, h.Load("other"))
	assert.Equal(t, 1, h.Chats())
}

func TestHasFinishMarker(t *testing.T) {
	assert.True(t, hasFinishMarker("all good [COMPLETE]"))
	assert.False(t, hasFinishMarker("FINISHED"))
}
