package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
)

const CurrentSessionVersion = 1

const (
	EntryTypeSession = "session"
	EntryTypeMessage = "message"
)

// SessionHeader is the first line of a chat file.
type SessionHeader struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	ChatID    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
}

// SessionEntry is one message line of a chat file.
type SessionEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   *llm.LLMMessage `json:"message,omitempty"`
}

func newSessionHeader(chatID string) SessionHeader {
	return SessionHeader{
		Type:      EntryTypeSession,
		Version:   CurrentSessionVersion,
		ChatID:    chatID,
		Timestamp: now(),
	}
}

func newMessageEntry(msg llm.LLMMessage) SessionEntry {
	return SessionEntry{
		Type:      EntryTypeMessage,
		Timestamp: now(),
		Message:   &msg,
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// decodeSessionEntry returns nil, nil for the header and for entry types
// this version does not know.
func decodeSessionEntry(line []byte) (*SessionEntry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "":
		return nil, errors.New("missing type")
	case EntryTypeMessage:
	default:
		return nil, nil
	}
	var entry SessionEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, err
	}
	if entry.Message == nil {
		return nil, errors.New("message entry without message")
	}
	return &entry, nil
}

// splitLines splits data into lines.
func splitLines(data []byte) [][]byte {
	lines := make([][]byte, 0)
	start := 0

	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}

	if start < len(data) {
		lines = append(lines, data[start:])
	}

	return lines
}
