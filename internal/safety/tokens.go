package safety

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens in a piece of text.
type Estimator interface {
	Count(text string) int
}

// Tokenizer counts with tiktoken when the encoding is available and falls
// back to four characters per token otherwise.
type Tokenizer struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer returns the shared cl100k_base tokenizer.
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer("cl100k_base")
	})
	return defaultTokenizer
}

func NewTokenizer(encoding string) *Tokenizer {
	t := &Tokenizer{}
	// Offline hosts may not have the BPE file.
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		t.enc = enc
	}
	return t
}

func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t.enc == nil {
		return heuristicCount(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

func heuristicCount(text string) int {
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
