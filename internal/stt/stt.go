// Package stt adapts streaming speech-to-text providers to one interface.
package stt

import (
	"context"
	"strings"

	"github.com/omi/listen-server/internal/audio"
	"github.com/omi/listen-server/internal/model"
)

// TargetRate is the sample rate every provider stream is opened at.
const TargetRate = audio.TargetSampleRate

// SegmentHandler receives finalized segments in provider emission order.
type SegmentHandler func(segments []model.TranscriptSegment)

type Options struct {
	Language   string
	SampleRate int
	Channels   int
	// PreSeconds of profile audio precede live audio; words inside it are
	// dropped and later timestamps are shifted back by it.
	PreSeconds float64
	Model      string
	Vocabulary []string
}

// Stream is one open provider connection.
type Stream interface {
	// Send forwards 16 kHz mono PCM16. It does not wait for results.
	Send(pcm []byte) error
	// Finalize flushes the pending hypothesis. Repeated calls are harmless.
	Finalize() error
	// Close is idempotent.
	Close() error
}

// Monitored is implemented by streams whose connection can drop on its own.
// Done closes when the connection ends; Err is nil after a deliberate Close.
type Monitored interface {
	Done() <-chan struct{}
	Err() error
}

// KeepAliver is implemented by streams that can be told audio is paused.
type KeepAliver interface {
	KeepAlive() error
}

// Provider opens streams against one STT vendor.
type Provider interface {
	Name() string
	SupportsLanguage(language string) bool
	SupportsSampleRate(rate int) bool
	SupportsSpeechProfile() bool
	Open(ctx context.Context, opts Options, onSegments SegmentHandler) (Stream, error)
}

const LanguageMulti = "multi"

// NormalizeLanguage maps client language hints onto provider codes.
func NormalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	switch language {
	case "", "auto", LanguageMulti:
		return LanguageMulti
	}
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return language[:i]
	}
	return language
}

func setOf(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func rateSet(values ...int) map[int]bool {
	m := make(map[int]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// appendWord joins tokens, attaching punctuation without a space.
func appendWord(text, word string) string {
	word = strings.TrimSpace(word)
	if word == "" {
		return text
	}
	if text == "" {
		return word
	}
	if isPunctuation(word) {
		return text + word
	}
	return text + " " + word
}

func isPunctuation(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(".,!?;:…。，、！？", r) {
			return false
		}
	}
	return true
}
