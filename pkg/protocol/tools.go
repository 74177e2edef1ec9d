package protocol

import (
	"encoding/json"
	"fmt"
)

// ExecutionMode selects how the command text is handed to the shell.
type ExecutionMode string

const (
	// ModeScript runs a multi-line script through the shell.
	ModeScript ExecutionMode = "SCRIPT"
	// ModeCommand runs a single command line.
	ModeCommand ExecutionMode = "COMMAND"
)

// Valid reports whether m is one of the known modes.
func (m ExecutionMode) Valid() bool {
	return m == ModeScript || m == ModeCommand
}

// OutputStream selects stdout or stderr of a command record.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// Valid reports whether s is one of the known streams.
func (s OutputStream) Valid() bool {
	return s == StreamStdout || s == StreamStderr
}

// LineGroup is a contiguous, inclusive range of buffered output lines.
// An empty group is expressed as From=0, To=-1.
type LineGroup struct {
	From  int      `json:"from"`
	To    int      `json:"to"`
	Lines []string `json:"lines"`
}

func (g LineGroup) MarshalJSON() ([]byte, error) {
	type plain LineGroup
	p := plain(g)
	if p.Lines == nil {
		p.Lines = []string{}
	}
	return json.Marshal(p)
}

func (g *LineGroup) UnmarshalJSON(data []byte) error {
	type plain LineGroup
	var p plain
	if err := decodeStrict(data, &p, "from", "to", "lines"); err != nil {
		return err
	}
	*g = LineGroup(p)
	return nil
}

// RunCommandInput is what the agent asks the client to execute.
type RunCommandInput struct {
	Mode    ExecutionMode `json:"mode"`
	Command string        `json:"command"`
}

func (in *RunCommandInput) UnmarshalJSON(data []byte) error {
	type plain RunCommandInput
	var p plain
	if err := decodeStrict(data, &p, "mode", "command"); err != nil {
		return err
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", p.Mode)
	}
	*in = RunCommandInput(p)
	return nil
}

// RunCommandOutput is either a structured execution result or a
// cancellation marker. When Cancelled is set every other field is ignored
// and the value travels as {"cancelled":true}.
type RunCommandOutput struct {
	ID               string      `json:"id"`
	Stdout           []LineGroup `json:"stdout"`
	StdoutTotalLines int         `json:"stdoutTotalLines"`
	Stderr           []LineGroup `json:"stderr"`
	StderrTotalLines int         `json:"stderrTotalLines"`
	ExitCode         int         `json:"exitCode"`

	Cancelled bool `json:"-"`
}

// CancelledOutput is the result sent back when a command never ran to
// completion because the turn was cancelled.
func CancelledOutput() RunCommandOutput {
	return RunCommandOutput{Cancelled: true}
}

func (o RunCommandOutput) MarshalJSON() ([]byte, error) {
	if o.Cancelled {
		return []byte(`{"cancelled":true}`), nil
	}
	type plain RunCommandOutput
	p := plain(o)
	if p.Stdout == nil {
		p.Stdout = []LineGroup{}
	}
	if p.Stderr == nil {
		p.Stderr = []LineGroup{}
	}
	return json.Marshal(p)
}

func (o *RunCommandOutput) UnmarshalJSON(data []byte) error {
	var probe struct {
		Cancelled *bool `json:"cancelled"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Cancelled != nil && *probe.Cancelled {
		*o = CancelledOutput()
		return nil
	}

	type plain RunCommandOutput
	var p plain
	if err := decodeStrict(data, &p, "id", "stdout", "stdoutTotalLines", "stderr", "stderrTotalLines", "exitCode"); err != nil {
		return err
	}
	*o = RunCommandOutput(p)
	return nil
}

// GetLineGroupInput addresses a line range of a previously executed command.
type GetLineGroupInput struct {
	ID     string       `json:"id"`
	Output OutputStream `json:"output"`
	From   int          `json:"from"`
	To     int          `json:"to"`
}

func (in *GetLineGroupInput) UnmarshalJSON(data []byte) error {
	type plain GetLineGroupInput
	var p plain
	if err := decodeStrict(data, &p, "id", "output", "from", "to"); err != nil {
		return err
	}
	if !p.Output.Valid() {
		return fmt.Errorf("invalid output stream %q", p.Output)
	}
	*in = GetLineGroupInput(p)
	return nil
}

// LineGroupResult is the client's answer to a line-group request. Error is
// set instead of Lines when the range or record id was rejected.
type LineGroupResult struct {
	From  int      `json:"from"`
	To    int      `json:"to"`
	Lines []string `json:"lines"`
	Error string   `json:"error,omitempty"`
}

// Group returns the result as a LineGroup.
func (r LineGroupResult) Group() LineGroup {
	return LineGroup{From: r.From, To: r.To, Lines: r.Lines}
}

func (r LineGroupResult) MarshalJSON() ([]byte, error) {
	type plain LineGroupResult
	p := plain(r)
	if p.Lines == nil {
		p.Lines = []string{}
	}
	return json.Marshal(p)
}

func (r *LineGroupResult) UnmarshalJSON(data []byte) error {
	type plain LineGroupResult
	var p plain
	if err := decodeStrict(data, &p, "from", "to", "lines"); err != nil {
		return err
	}
	*r = LineGroupResult(p)
	return nil
}
