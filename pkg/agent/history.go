package agent

import (
	"sync"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
)

// HistoryStore keeps conversation messages per chat.
type HistoryStore interface {
	Load(chatID string) []llm.LLMMessage
	Append(chatID string, msgs ...llm.LLMMessage)
}

// MemoryHistory is an in-process HistoryStore. When a chat grows past
// maxMessages the oldest messages are dropped as described by Window.
type MemoryHistory struct {
	mu          sync.Mutex
	chats       map[string][]llm.LLMMessage
	maxMessages int
}

// NewMemoryHistory creates a store. maxMessages <= 0 means unbounded.
func NewMemoryHistory(maxMessages int) *MemoryHistory {
	return &MemoryHistory{
		chats:       make(map[string][]llm.LLMMessage),
		maxMessages: maxMessages,
	}
}

func (h *MemoryHistory) Load(chatID string) []llm.LLMMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.LLMMessage(nil), h.chats[chatID]...)
}

func (h *MemoryHistory) Append(chatID string, msgs ...llm.LLMMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats[chatID] = Window(append(h.chats[chatID], msgs...), h.maxMessages)
}

// Window returns the newest maxMessages messages of chat, or chat itself
// when it is short enough or maxMessages <= 0. The window never begins with
// tool results whose assistant call was cut off.
func Window(chat []llm.LLMMessage, maxMessages int) []llm.LLMMessage {
	if maxMessages <= 0 || len(chat) <= maxMessages {
		return chat
	}
	start := len(chat) - maxMessages
	for start < len(chat) && chat[start].Role == "tool" {
		start++
	}
	return append([]llm.LLMMessage(nil), chat[start:]...)
}

// Chats returns the number of chats with history.
func (h *MemoryHistory) Chats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats)
}
