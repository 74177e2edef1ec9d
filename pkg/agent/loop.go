package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
)

const (
	defaultMaxIterations  = 25
	defaultLLMMaxRetries  = 2
	defaultRetryBaseDelay = time.Second
	defaultLLMTimeout     = 120 * time.Second
)

// ErrMaxIterations is logged when a turn stops because the model neither
// finished nor called a tool within the iteration budget.
var ErrMaxIterations = errors.New("maximum iterations reached")

// LoopConfig configures a LoopRuntime.
type LoopConfig struct {
	Model          llm.Model
	APIKey         string
	SystemPrompt   string
	MaxIterations  int
	MaxLLMRetries  int // 0 uses the default, negative disables retries
	RetryBaseDelay time.Duration
	LLMTimeout     time.Duration
	History        HistoryStore
	Client         *llm.Client
	Logger         *slog.Logger
}

// LoopRuntime alternates model completions and tool calls until the model
// signals it is finished.
type LoopRuntime struct {
	cfg   LoopConfig
	tools *toolRegistry
}

// NewLoopRuntime fills defaults for zero fields of cfg.
func NewLoopRuntime(cfg LoopConfig) *LoopRuntime {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxLLMRetries < 0 {
		cfg.MaxLLMRetries = 0
	} else if cfg.MaxLLMRetries == 0 {
		cfg.MaxLLMRetries = defaultLLMMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistory(0)
	}
	if cfg.Client == nil {
		cfg.Client = &llm.Client{Logger: cfg.Logger}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LoopRuntime{cfg: cfg, tools: defaultToolRegistry()}
}

// Invoke runs one turn for req.
func (r *LoopRuntime) Invoke(ctx context.Context, req Request, tools Tools) *EventStream {
	es := NewEventStream()
	go func() {
		err := r.run(ctx, req, tools, es)
		es.End(Result{Err: err})
	}()
	return es
}

func (r *LoopRuntime) run(ctx context.Context, req Request, tools Tools, es *EventStream) error {
	logger := r.cfg.Logger.With("chat_id", req.ChatID)
	messages := r.cfg.History.Load(req.ChatID)
	turn := []llm.LLMMessage{{Role: "user", Content: req.Message}}
	// keep whatever completed, even when the turn fails or is cancelled
	defer func() {
		r.cfg.History.Append(req.ChatID, turn...)
	}()

	emitted := false
	for i := 0; i < r.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		llmCtx := llm.LLMContext{
			SystemPrompt: r.cfg.SystemPrompt,
			Messages:     append(append([]llm.LLMMessage(nil), messages...), turn...),
			Tools:        r.tools.toLLMTools(),
		}
		msg, err := r.streamWithRetry(ctx, llmCtx, es, emitted)
		if err != nil {
			return err
		}
		if msg.Content != "" {
			emitted = true
		}
		ensureToolCallIDs(msg.ToolCalls)
		turn = append(turn, msg)

		if len(msg.ToolCalls) > 0 {
			results := r.executeToolCalls(ctx, logger, tools, msg.ToolCalls)
			turn = append(turn, results...)
			continue
		}
		if hasFinishMarker(msg.Content) {
			logger.Debug("turn finished", "iterations", i+1)
			return nil
		}
	}

	logger.Info("parking turn", "reason", ErrMaxIterations, "iterations", r.cfg.MaxIterations)
	return nil
}

// streamWithRetry retries failed completions that produced no output yet.
func (r *LoopRuntime) streamWithRetry(ctx context.Context, llmCtx llm.LLMContext, es *EventStream, separate bool) (llm.LLMMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxLLMRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			if ra := llm.RetryAfter(lastErr); ra > delay {
				delay = ra
			}
			r.cfg.Logger.Info("retrying completion", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return llm.LLMMessage{}, ctx.Err()
			}
		}

		msg, produced, err := r.streamOnce(ctx, llmCtx, es, separate)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return llm.LLMMessage{}, ctx.Err()
		}
		if produced || !retryable(err) {
			return llm.LLMMessage{}, err
		}
	}
	return llm.LLMMessage{}, lastErr
}

// streamOnce forwards text deltas of one completion as tokens. produced
// reports whether any token was emitted.
func (r *LoopRuntime) streamOnce(ctx context.Context, llmCtx llm.LLMContext, es *EventStream, separate bool) (msg llm.LLMMessage, produced bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	events := r.cfg.Client.Stream(callCtx, r.cfg.Model, llmCtx, r.cfg.APIKey)
	for ev := range events.Iterator(callCtx) {
		switch e := ev.(type) {
		case llm.LLMTextDeltaEvent:
			if !produced && separate {
				es.Push(Event{Token: "\n\n"})
			}
			produced = true
			es.Push(Event{Token: e.Delta})
		case llm.LLMDoneEvent:
			r.cfg.Logger.Debug("completion done",
				"stop_reason", e.StopReason,
				"tool_calls", len(e.Message.ToolCalls),
				"input_tokens", e.Usage.InputTokens,
				"output_tokens", e.Usage.OutputTokens,
				"duration", time.Since(start))
			return e.Message, produced, nil
		case llm.LLMErrorEvent:
			return llm.LLMMessage{}, produced, e.Error
		}
	}
	if err := callCtx.Err(); err != nil {
		return llm.LLMMessage{}, produced, err
	}
	return llm.LLMMessage{}, produced, errors.New("completion stream ended without result")
}

// executeToolCalls runs calls in order. Failures become tool results so the
// model can react to them.
func (r *LoopRuntime) executeToolCalls(ctx context.Context, logger *slog.Logger, tools Tools, calls []llm.ToolCall) []llm.LLMMessage {
	results := make([]llm.LLMMessage, 0, len(calls))
	for _, call := range calls {
		content := r.executeToolCall(ctx, logger, tools, call)
		results = append(results, llm.LLMMessage{
			Role:       "tool",
			Content:    content,
			ToolCallID: call.ID,
		})
	}
	return results
}

func (r *LoopRuntime) executeToolCall(ctx context.Context, logger *slog.Logger, tools Tools, call llm.ToolCall) string {
	if err := ctx.Err(); err != nil {
		return "Error: " + err.Error()
	}
	def, ok := r.tools.get(call.Function.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Function.Name)
	}

	start := time.Now()
	out, err := def.execute(ctx, tools, call.Function.Arguments)
	logger.Debug("tool call", "tool", def.name, "duration", time.Since(start), "error", err)
	if err != nil {
		return "Error: " + err.Error()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(data)
}

func retryable(err error) bool {
	if llm.IsRateLimit(err) {
		return true
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return strings.HasPrefix(err.Error(), "connection error")
}
