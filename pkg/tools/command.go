package tools

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

const (
	// DefaultPreviewLines is how many lines of each stream a run-command
	// result carries inline.
	DefaultPreviewLines = 100

	// spawnFailureExitCode is reported when the shell could not be started.
	spawnFailureExitCode = 127
)

// OutputObserver receives raw output chunks while a command runs.
type OutputObserver func(stream protocol.OutputStream, chunk []byte)

// CommandTool executes commands on the local machine and keeps their full
// output for later line-group queries.
type CommandTool struct {
	shell        string
	dir          string
	previewLines int
	waitDelay    time.Duration
	store        *RecordStore
	observer     OutputObserver
	logger       *slog.Logger
}

// Option configures a CommandTool.
type Option func(*CommandTool)

// WithShell sets the shell used on Unix systems. Defaults to "sh".
func WithShell(shell string) Option {
	return func(t *CommandTool) {
		if shell != "" {
			t.shell = shell
		}
	}
}

// WithDir sets the working directory of executed commands.
func WithDir(dir string) Option {
	return func(t *CommandTool) { t.dir = dir }
}

// WithPreviewLines sets how many lines of each stream are returned inline.
func WithPreviewLines(n int) Option {
	return func(t *CommandTool) {
		if n > 0 {
			t.previewLines = n
		}
	}
}

// WithStore shares a record store between tools.
func WithStore(store *RecordStore) Option {
	return func(t *CommandTool) { t.store = store }
}

// WithOutputObserver echoes raw output while commands run.
func WithOutputObserver(fn OutputObserver) Option {
	return func(t *CommandTool) { t.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *CommandTool) { t.logger = logger }
}

// NewCommandTool creates a command tool.
func NewCommandTool(opts ...Option) *CommandTool {
	t := &CommandTool{
		shell:        "sh",
		previewLines: DefaultPreviewLines,
		waitDelay:    2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		t.store = NewRecordStore()
	}
	return t
}

// Store returns the record store backing the tool.
func (t *CommandTool) Store() *RecordStore {
	return t.store
}

// RunCommand executes input and stores its full output. When ctx is
// cancelled the process group is killed and a cancelled result is returned
// without storing anything.
func (t *CommandTool) RunCommand(ctx context.Context, input protocol.RunCommandInput) protocol.RunCommandOutput {
	id := uuid.NewString()
	stdout := NewLineSplitter(t.observe(protocol.StreamStdout))
	stderr := NewLineSplitter(t.observe(protocol.StreamStderr))

	cmd := t.command(ctx, input)
	cmd.Dir = t.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = t.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	exitCode := 0
	if err := cmd.Start(); err != nil {
		t.logger.Warn("command failed to start", "error", err)
		exitCode = spawnFailureExitCode
		stderr.Write([]byte(err.Error()))
	} else {
		if err := cmd.Wait(); err != nil && cmd.ProcessState == nil {
			t.logger.Warn("command wait failed", "id", id, "error", err)
		}
		if ctx.Err() != nil {
			t.logger.Debug("command cancelled", "id", id, "duration", time.Since(start))
			return protocol.CancelledOutput()
		}
		exitCode = exitCodeOf(cmd)
	}
	stdout.Flush()
	stderr.Flush()

	rec := &Record{
		ID:       id,
		Stdout:   stdout.Lines(),
		Stderr:   stderr.Lines(),
		ExitCode: exitCode,
	}
	t.store.Put(rec)
	t.logger.Debug("command finished",
		"id", id,
		"exit_code", exitCode,
		"stdout_lines", len(rec.Stdout),
		"stderr_lines", len(rec.Stderr),
		"duration", time.Since(start))

	return protocol.RunCommandOutput{
		ID:               id,
		Stdout:           []protocol.LineGroup{preview(rec.Stdout, t.previewLines)},
		StdoutTotalLines: len(rec.Stdout),
		Stderr:           []protocol.LineGroup{preview(rec.Stderr, t.previewLines)},
		StderrTotalLines: len(rec.Stderr),
		ExitCode:         exitCode,
	}
}

// GetLineGroup returns lines [from, to] of one stream of a stored record.
func (t *CommandTool) GetLineGroup(ctx context.Context, input protocol.GetLineGroupInput) (protocol.LineGroup, error) {
	if err := ctx.Err(); err != nil {
		return protocol.LineGroup{}, err
	}
	rec, ok := t.store.Get(input.ID)
	if !ok {
		return protocol.LineGroup{}, &RecordNotFoundError{ID: input.ID}
	}
	lines := rec.Stdout
	if input.Output == protocol.StreamStderr {
		lines = rec.Stderr
	}
	if input.From < 0 || input.To >= len(lines) || input.From > input.To {
		return protocol.LineGroup{}, &InvalidRangeError{From: input.From, To: input.To, Total: len(lines)}
	}
	out := make([]string, input.To-input.From+1)
	copy(out, lines[input.From:input.To+1])
	return protocol.LineGroup{From: input.From, To: input.To, Lines: out}, nil
}

func (t *CommandTool) command(ctx context.Context, input protocol.RunCommandInput) *exec.Cmd {
	if runtime.GOOS == "windows" {
		if input.Mode == protocol.ModeScript {
			cmd := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", "-")
			cmd.Stdin = strings.NewReader(input.Command)
			return cmd
		}
		return exec.CommandContext(ctx, "cmd", "/C", input.Command)
	}
	if input.Mode == protocol.ModeScript {
		cmd := exec.CommandContext(ctx, t.shell, "-s")
		cmd.Stdin = strings.NewReader(input.Command)
		return cmd
	}
	return exec.CommandContext(ctx, t.shell, "-c", input.Command)
}

func (t *CommandTool) observe(stream protocol.OutputStream) func([]byte) {
	if t.observer == nil {
		return nil
	}
	return func(chunk []byte) { t.observer(stream, chunk) }
}

// exitCodeOf reads the wait status. A process killed by a signal reports
// 128 plus the signal number, as shells do.
func exitCodeOf(cmd *exec.Cmd) int {
	state := cmd.ProcessState
	if state == nil {
		return 0
	}
	if code, ok := signalExitCode(state); ok {
		return code
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	return 0
}

func preview(lines []string, n int) protocol.LineGroup {
	head := lines[:min(n, len(lines))]
	out := make([]string, len(head))
	copy(out, head)
	return protocol.LineGroup{From: 0, To: len(out) - 1, Lines: out}
}
