// Package session persists chat history as one append-only JSONL file per
// chat: a header line followed by one line per message.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiancaiamao/shellbuddy/pkg/agent"
	"github.com/tiancaiamao/shellbuddy/pkg/llm"
)

var _ agent.HistoryStore = (*Store)(nil)

// Store is a file-backed agent.HistoryStore. Each chat keeps a window of
// its newest messages in memory; the file is rewritten down to that window
// once it holds compactFactor times as many entries.
type Store struct {
	dir         string
	maxMessages int
	logger      *slog.Logger

	mu    sync.Mutex
	chats map[string]*chat
}

type chat struct {
	messages []llm.LLMMessage
	// entries is the number of message lines in the file
	entries int
}

const compactFactor = 2

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore keeps chat files under dir. maxMessages <= 0 keeps everything.
func NewStore(dir string, maxMessages int, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		maxMessages: maxMessages,
		logger:      slog.Default(),
		chats:       make(map[string]*chat),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the chat's message window, reading its file on first use.
// A file that cannot be read yields an empty history.
func (s *Store) Load(chatID string) []llm.LLMMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chatLocked(chatID)
	return append([]llm.LLMMessage(nil), c.messages...)
}

// Append adds msgs to the chat and persists them.
func (s *Store) Append(chatID string, msgs ...llm.LLMMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chatLocked(chatID)
	c.messages = agent.Window(append(c.messages, msgs...), s.maxMessages)

	var err error
	if s.maxMessages > 0 && c.entries+len(msgs) > compactFactor*s.maxMessages {
		err = s.rewrite(chatID, c.messages)
		if err == nil {
			c.entries = len(c.messages)
		}
	} else {
		err = s.appendEntries(chatID, msgs)
		if err == nil {
			c.entries += len(msgs)
		}
	}
	if err != nil {
		s.logger.Warn("failed to persist chat history", "chat_id", chatID, "error", err)
	}
}

// Chats returns the number of chats loaded in memory.
func (s *Store) Chats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// Path returns the file holding chatID.
func (s *Store) Path(chatID string) string {
	return filepath.Join(s.dir, url.PathEscape(chatID)+".jsonl")
}

func (s *Store) chatLocked(chatID string) *chat {
	if c, ok := s.chats[chatID]; ok {
		return c
	}
	messages, entries, err := s.read(chatID)
	if err != nil {
		s.logger.Warn("failed to load chat history", "chat_id", chatID, "error", err)
	}
	c := &chat{messages: agent.Window(messages, s.maxMessages), entries: entries}
	s.chats[chatID] = c
	return c
}

// read parses a chat file. Malformed lines are skipped.
func (s *Store) read(chatID string) ([]llm.LLMMessage, int, error) {
	data, err := os.ReadFile(s.Path(chatID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var messages []llm.LLMMessage
	skipped := 0
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		entry, err := decodeSessionEntry(line)
		if err != nil {
			skipped++
			continue
		}
		if entry != nil {
			messages = append(messages, *entry.Message)
		}
	}
	if skipped > 0 {
		s.logger.Debug("skipped malformed history lines", "chat_id", chatID, "count", skipped)
	}
	return messages, len(messages), nil
}

func (s *Store) appendEntries(chatID string, msgs []llm.LLMMessage) error {
	path := s.Path(chatID)
	return s.withFileWriteLock(path, func() error {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return s.writeFile(path, chatID, msgs)
		}

		var data []byte
		for _, msg := range msgs {
			line, err := json.Marshal(newMessageEntry(msg))
			if err != nil {
				return err
			}
			data = append(append(data, line...), '\n')
		}

		file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := file.Write(data); err != nil {
			return err
		}
		return file.Sync()
	})
}

func (s *Store) rewrite(chatID string, msgs []llm.LLMMessage) error {
	path := s.Path(chatID)
	return s.withFileWriteLock(path, func() error {
		return s.writeFile(path, chatID, msgs)
	})
}

// writeFile replaces path atomically with a header and msgs.
func (s *Store) writeFile(path, chatID string, msgs []llm.LLMMessage) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
		_ = os.Remove(tmpPath)
	}()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(newSessionHeader(chatID)); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := encoder.Encode(newMessageEntry(msg)); err != nil {
			return err
		}
	}
	if err := file.Sync(); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// withFileWriteLock serializes writers of path across processes.
func (s *Store) withFileWriteLock(path string, run func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return err
	}

	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := lockFile(lock); err != nil {
		return err
	}
	defer unlockFile(lock)

	return run()
}
