package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for memory budget accounting, backed by a
// real BPE tokenizer rather than a word-count approximation so the budget
// compliance invariant holds against the actual model's tokenization.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewCounter builds a Counter for the given encoding (e.g. "cl100k_base").
// If the encoding cannot be loaded, Count falls back to a conservative
// whitespace-based estimate so memory accounting still degrades gracefully.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, _ := tiktoken.GetEncoding(encoding)
	return &Counter{enc: enc}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return fallbackCount(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

func fallbackCount(text string) int {
	count, inWord := 0, false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if !isSpace && !inWord {
			count++
			inWord = true
		} else if isSpace {
			inWord = false
		}
	}
	return count
}
