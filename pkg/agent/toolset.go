package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

const (
	ToolRunCommand   = "run-command"
	ToolGetLineGroup = "run-get-line-group"
)

// toolDef is a function advertised to the model and dispatched to Tools.
type toolDef struct {
	name        string
	description string
	parameters  map[string]any
	execute     func(ctx context.Context, tools Tools, args string) (any, error)
}

// toolRegistry looks up tool definitions by name.
type toolRegistry struct {
	order []string
	defs  map[string]toolDef
}

func newToolRegistry(defs ...toolDef) *toolRegistry {
	r := &toolRegistry{defs: make(map[string]toolDef)}
	for _, d := range defs {
		r.order = append(r.order, d.name)
		r.defs[d.name] = d
	}
	return r
}

func (r *toolRegistry) get(name string) (toolDef, bool) {
	d, ok := r.defs[normalizeToolName(name)]
	return d, ok
}

// toolAliases maps names models commonly use instead of the advertised ones.
var toolAliases = map[string]string{
	"run_command":        ToolRunCommand,
	"runcommand":         ToolRunCommand,
	"command":            ToolRunCommand,
	"shell":              ToolRunCommand,
	"bash":               ToolRunCommand,
	"get-line-group":     ToolGetLineGroup,
	"get_line_group":     ToolGetLineGroup,
	"getlinegroup":       ToolGetLineGroup,
	"run_get_line_group": ToolGetLineGroup,
}

func normalizeToolName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := toolAliases[n]; ok {
		return alias
	}
	return n
}

var toolCallSeq uint64

// ensureToolCallIDs gives every call an id so its result can be paired
// with it in the history.
func ensureToolCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			seq := atomic.AddUint64(&toolCallSeq, 1)
			calls[i].ID = fmt.Sprintf("tool_%d_%d", time.Now().UnixNano(), seq)
		}
	}
}

// toLLMTools converts the registry to the completion request format, in
// registration order.
func (r *toolRegistry) toLLMTools() []llm.LLMTool {
	out := make([]llm.LLMTool, 0, len(r.order))
	for _, name := range r.order {
		d := r.defs[name]
		out = append(out, llm.LLMTool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        d.name,
				Description: d.description,
				Parameters:  d.parameters,
			},
		})
	}
	return out
}

func defaultToolRegistry() *toolRegistry {
	return newToolRegistry(runCommandTool(), getLineGroupTool())
}

func runCommandTool() toolDef {
	return toolDef{
		name:        ToolRunCommand,
		description: "Run a command on the user's terminal",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type":        "string",
					"enum":        []string{string(protocol.ModeCommand), string(protocol.ModeScript)},
					"description": "COMMAND for a single command line, SCRIPT for a multi-line shell script",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "The command or script to run",
				},
			},
			"required": []string{"mode", "command"},
		},
		execute: func(ctx context.Context, tools Tools, args string) (any, error) {
			var input protocol.RunCommandInput
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.RunCommand(ctx, input)
		},
	}
}

func getLineGroupTool() toolDef {
	return toolDef{
		name:        ToolGetLineGroup,
		description: "Get a group of lines from the stdout or stderr of a command.",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The id returned by run-command",
				},
				"output": map[string]any{
					"type": "string",
					"enum": []string{string(protocol.StreamStdout), string(protocol.StreamStderr)},
				},
				"from": map[string]any{
					"type":        "integer",
					"description": "First line, zero-based",
				},
				"to": map[string]any{
					"type":        "integer",
					"description": "Last line, inclusive",
				},
			},
			"required": []string{"id", "output", "from", "to"},
		},
		execute: func(ctx context.Context, tools Tools, args string) (any, error) {
			var input protocol.GetLineGroupInput
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			return tools.GetLineGroup(ctx, input)
		},
	}
}
