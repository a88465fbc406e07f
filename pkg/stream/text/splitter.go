// Package text implements the token-to-sentence pipeline feeding TTS.
package text

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinChunkRunes is the minimum sentence length, in code points, below
// which a terminated prefix keeps merging forward instead of being emitted.
// It prevents microscopic utterances like "Hi!" from reaching synthesis.
const DefaultMinChunkRunes = 10

// ChunkSplitter accumulates streamed text fragments and emits whole
// sentences. One instance serves one upstream text stream; it is not safe for
// concurrent use and must not be reused across distinct sources.
type ChunkSplitter struct {
	minRunes int
	buf      strings.Builder
}

func NewChunkSplitter(minRunes int) *ChunkSplitter {
	if minRunes <= 0 {
		minRunes = DefaultMinChunkRunes
	}
	return &ChunkSplitter{minRunes: minRunes}
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '\n':
		return true
	}
	return false
}

// Feed appends fragment to the buffer and scans for the latest terminator.
// If the prefix ending at that terminator is at least minRunes long it is
// emitted and the remainder retained; shorter prefixes keep accumulating so
// multi-sentence fragments collapse into single emissions where safe.
func (s *ChunkSplitter) Feed(fragment string) []string {
	if fragment != "" {
		s.buf.WriteString(fragment)
	}

	buf := s.buf.String()
	cut := lastTerminatorCut(buf)
	if cut <= 0 {
		return nil
	}
	prefix := buf[:cut]
	if utf8.RuneCountInString(prefix) < s.minRunes {
		return nil
	}

	s.buf.Reset()
	s.buf.WriteString(buf[cut:])
	return []string{prefix}
}

// Finalize returns any non-empty remaining buffer as a final chunk and
// clears all state.
func (s *ChunkSplitter) Finalize() []string {
	rest := s.buf.String()
	s.buf.Reset()
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return []string{rest}
}

// lastTerminatorCut returns the byte index just past the last terminator
// rune in s, or 0 when none is present.
func lastTerminatorCut(s string) int {
	cut := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		if isTerminator(r) {
			cut = i + size
		}
		i += size
	}
	return cut
}
