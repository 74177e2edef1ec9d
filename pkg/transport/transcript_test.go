package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancaiamao/shellbuddy/pkg/protocol"
)

func TestTranscriptTokensJoinTrailingAssistantEntry(t *testing.T) {
	tr := NewTranscript()
	var deltas []string
	tr.Observe(func(e Entry) {
		if e.Kind == EntryAssistant {
			deltas = append(deltas, e.Delta)
		}
	})

	tr.AddUser("hi")
	tr.AppendToken("Hel")
	tr.AppendToken("lo")
	call := tr.AddRunCommand(protocol.RunCommandToolCall{ID: "c1", Input: protocol.RunCommandInput{Mode: protocol.ModeCommand, Command: "ls"}})
	tr.AppendToken("Done")
	tr.CompleteRunCommand(call.Index, protocol.CancelledOutput())

	entries := tr.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, EntryUser, entries[0].Kind)
	assert.Equal(t, "Hello", entries[1].Text)
	assert.Equal(t, EntryRunCommand, entries[2].Kind)
	assert.True(t, entries[2].Done)
	assert.True(t, entries[2].CommandOutput.Cancelled)
	assert.Equal(t, "Done", entries[3].Text)
	assert.Equal(t, []string{"Hel", "lo", "Done"}, deltas)
}
