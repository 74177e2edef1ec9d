package transport

import (
	"sync"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

// EntryKind identifies what a transcript entry records.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryRunCommand EntryKind = "run-command"
	EntryLineGroup  EntryKind = "line-group"
)

// Entry is one item of the conversation as seen by the client.
type Entry struct {
	Index int
	Kind  EntryKind

	// Text is the user message or the assistant text so far. Delta is the
	// fragment appended by the change being reported.
	Text  string
	Delta string

	CallID        string
	Command       *protocol.RunCommandInput
	CommandOutput *protocol.RunCommandOutput
	LineQuery     *protocol.GetLineGroupInput
	LineResult    *protocol.LineGroupResult
	Done          bool
}

// Transcript is the ordered list of entries of one session.
type Transcript struct {
	mu        sync.Mutex
	entries   []Entry
	observers []func(Entry)
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Observe registers fn to receive every added or changed entry.
func (t *Transcript) Observe(fn func(Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Entries returns a snapshot.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// AddUser records a user message.
func (t *Transcript) AddUser(text string) Entry {
	return t.add(Entry{Kind: EntryUser, Text: text, Done: true})
}

// AppendToken extends the trailing assistant entry, or starts one.
func (t *Transcript) AppendToken(token string) Entry {
	t.mu.Lock()
	n := len(t.entries)
	if n > 0 && t.entries[n-1].Kind == EntryAssistant {
		e := &t.entries[n-1]
		e.Text += token
		e.Delta = token
		snapshot := *e
		t.mu.Unlock()
		t.notify(snapshot)
		return snapshot
	}
	t.mu.Unlock()
	return t.add(Entry{Kind: EntryAssistant, Text: token, Delta: token})
}

// AddRunCommand records a command the agent asked to run.
func (t *Transcript) AddRunCommand(call protocol.RunCommandToolCall) Entry {
	input := call.Input
	return t.add(Entry{Kind: EntryRunCommand, CallID: call.ID, Command: &input})
}

// CompleteRunCommand attaches the command result to entry index.
func (t *Transcript) CompleteRunCommand(index int, out protocol.RunCommandOutput) Entry {
	return t.update(index, func(e *Entry) {
		e.CommandOutput = &out
		e.Done = true
	})
}

// AddLineGroup records a line-group request.
func (t *Transcript) AddLineGroup(call protocol.GetLineGroupToolCall) Entry {
	input := call.Input
	return t.add(Entry{Kind: EntryLineGroup, CallID: call.ID, LineQuery: &input})
}

// CompleteLineGroup attaches the retrieval result to entry index.
func (t *Transcript) CompleteLineGroup(index int, res protocol.LineGroupResult) Entry {
	return t.update(index, func(e *Entry) {
		e.LineResult = &res
		e.Done = true
	})
}

func (t *Transcript) add(e Entry) Entry {
	t.mu.Lock()
	e.Index = len(t.entries)
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	t.notify(e)
	return e
}

func (t *Transcript) update(index int, fn func(*Entry)) Entry {
	t.mu.Lock()
	if index < 0 || index >= len(t.entries) {
		t.mu.Unlock()
		return Entry{}
	}
	e := &t.entries[index]
	fn(e)
	e.Delta = ""
	snapshot := *e
	t.mu.Unlock()
	t.notify(snapshot)
	return snapshot
}

func (t *Transcript) notify(e Entry) {
	t.mu.Lock()
	observers := append([]func(Entry){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(e)
	}
}
