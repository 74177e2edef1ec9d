package tools

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

const (
	// LineCharacterLimit is how many characters may pile up without a
	// newline before the pending text is cut into stored lines.
	LineCharacterLimit = 1000
	// LineSliceLength is the longest stored line, in characters.
	LineSliceLength = 500
)

// LineSplitter turns a stream of raw output chunks into stored lines. Lines
// longer than LineSliceLength characters are stored as consecutive slices.
// It is safe for concurrent use and implements io.Writer.
type LineSplitter struct {
	mu      sync.Mutex
	pending []byte
	lines   []string
	onChunk func([]byte)
}

// NewLineSplitter creates a splitter. onChunk, if non-nil, sees every raw
// chunk before it is split.
func NewLineSplitter(onChunk func([]byte)) *LineSplitter {
	return &LineSplitter{onChunk: onChunk}
}

func (s *LineSplitter) Write(p []byte) (int, error) {
	if s.onChunk != nil && len(p) > 0 {
		s.onChunk(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			s.push(s.pending[:i])
			s.pending = s.pending[i+1:]
			continue
		}
		n := completeRunes(s.pending)
		if utf8.RuneCount(s.pending[:n]) <= LineCharacterLimit {
			break
		}
		s.push(s.pending[:n])
		s.pending = s.pending[n:]
	}
	// drop the consumed prefix so the backing array does not grow forever
	s.pending = append([]byte(nil), s.pending...)
	return len(p), nil
}

// Flush stores any pending text as a final line.
func (s *LineSplitter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		s.push(s.pending)
		s.pending = nil
	}
}

// Lines returns a copy of the lines stored so far.
func (s *LineSplitter) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *LineSplitter) push(line []byte) {
	s.lines = append(s.lines, sliceLine(string(line))...)
}

// sliceLine cuts line into LineSliceLength-character pieces. An empty line
// is kept as one empty piece.
func sliceLine(line string) []string {
	if line == "" {
		return []string{""}
	}
	var out []string
	runes := []rune(line)
	for i := 0; i < len(runes); i += LineSliceLength {
		end := min(i+LineSliceLength, len(runes))
		out = append(out, string(runes[i:end]))
	}
	return out
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completeRunes(b []byte) int {
	for back := 1; back <= utf8.UTFMax-1 && back <= len(b); back++ {
		i := len(b) - back
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
