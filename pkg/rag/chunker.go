package rag

import (
	"fmt"
	"strings"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Window is a kept chunk together with its rune offsets in the normalized text.
// Start and End bound the untrimmed window.
type Window struct {
	Start int
	End   int
	Text  string
}

// Chunk splits text into overlapping windows of at most maxLen characters.
// Consecutive windows share overlap characters. Windows that are blank after
// trimming are dropped.
func Chunk(text string, maxLen, overlap int) ([]string, error) {
	windows, err := Windows(text, maxLen, overlap)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.Text)
	}
	return out, nil
}

// Windows performs the same scan as Chunk and reports offsets.
func Windows(text string, maxLen, overlap int) ([]Window, error) {
	if err := checkWindowParams(maxLen, overlap); err != nil {
		return nil, err
	}
	runes := []rune(NormalizeLineEndings(text))
	if len(runes) == 0 {
		return []Window{}, nil
	}
	step := maxLen - overlap
	windows := make([]Window, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		if trimmed := strings.TrimSpace(string(runes[start:end])); trimmed != "" {
			windows = append(windows, Window{Start: start, End: end, Text: trimmed})
		}
		if end == len(runes) {
			break
		}
	}
	return windows, nil
}

// NormalizeLineEndings rewrites CRLF and lone CR to LF.
func NormalizeLineEndings(text string) string {
	if !strings.ContainsRune(text, '\r') {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func checkWindowParams(maxLen, overlap int) error {
	if maxLen <= 0 {
		return NewError(ErrConfiguration, "chunk", fmt.Sprintf("maxLen must be positive, got %d", maxLen), nil)
	}
	if overlap <= 0 || overlap >= maxLen {
		return NewError(ErrConfiguration, "chunk",
			fmt.Sprintf("overlap must satisfy 0 < overlap < maxLen, got overlap=%d maxLen=%d", overlap, maxLen), nil)
	}
	return nil
}
