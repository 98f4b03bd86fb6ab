package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/omi/listen-server/internal/model"
)

const sonioxURL = "wss://stt-rt.soniox.com/transcribe-websocket"

var sonioxLanguages = setOf(
	"multi", "en", "es", "fr", "de", "it", "pt", "nl", "ru", "uk", "pl",
	"ja", "ko", "zh", "hi", "ar", "tr", "id", "vi", "th", "he",
)

type Soniox struct {
	apiKey  string
	baseURL string
}

func NewSoniox(apiKey string) *Soniox {
	return &Soniox{apiKey: apiKey, baseURL: sonioxURL}
}

func (s *Soniox) Name() string { return "soniox" }

func (s *Soniox) SupportsLanguage(language string) bool {
	return sonioxLanguages[language]
}

func (s *Soniox) SupportsSampleRate(rate int) bool {
	return rate == 8000 || rate == 16000 || rate == 24000 || rate == 48000
}

func (s *Soniox) SupportsSpeechProfile() bool { return false }

type sonioxConfig struct {
	APIKey           string   `json:"api_key"`
	Model            string   `json:"model"`
	AudioFormat      string   `json:"audio_format"`
	SampleRate       int      `json:"sample_rate"`
	NumChannels      int      `json:"num_channels"`
	LanguageHints    []string `json:"language_hints,omitempty"`
	Diarization      bool     `json:"enable_speaker_diarization"`
	EndpointDetected bool     `json:"enable_endpoint_detection"`
	Context          string   `json:"context,omitempty"`
}

func (s *Soniox) Open(ctx context.Context, opts Options, onSegments SegmentHandler) (Stream, error) {
	conn, err := dial(ctx, s.Name(), s.baseURL, nil)
	if err != nil {
		return nil, err
	}

	cfg := sonioxConfig{
		APIKey:           s.apiKey,
		Model:            opts.Model,
		AudioFormat:      "pcm_s16le",
		SampleRate:       TargetRate,
		NumChannels:      1,
		Diarization:      true,
		EndpointDetected: true,
	}
	if cfg.Model == "" {
		cfg.Model = "stt-rt-preview"
	}
	if opts.Language != LanguageMulti {
		cfg.LanguageHints = []string{opts.Language}
	}
	if len(opts.Vocabulary) > 0 {
		b, _ := json.Marshal(opts.Vocabulary)
		cfg.Context = string(b)
	}
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send soniox config: %w", err)
	}

	parser := &sonioxParser{}
	st := newWSStream(s.Name(), conn, parser.parse, onSegments)
	st.finalizeMsg = []byte(`{"type":"finalize"}`)
	st.keepAliveMsg = []byte(`{"type":"keepalive"}`)
	st.start()
	return st, nil
}

type sonioxWord struct {
	Text    string `json:"t"`
	StartMs int    `json:"s"`
	DurMs   int    `json:"d"`
	Speaker int    `json:"spk"`
}

type sonioxFrame struct {
	Final    []sonioxWord `json:"fw"`
	Speakers []int        `json:"spks"`
}

// sonioxParser remembers which speaker id belongs to the user once a frame
// has announced it.
type sonioxParser struct {
	mu          sync.Mutex
	userSpeaker int
	known       bool
}

func (p *sonioxParser) parse(data []byte) ([]model.TranscriptSegment, error) {
	var frame sonioxFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode soniox frame: %w", err)
	}

	p.mu.Lock()
	if len(frame.Speakers) > 0 {
		p.userSpeaker = frame.Speakers[0]
		p.known = true
	}
	userSpeaker, known := p.userSpeaker, p.known
	p.mu.Unlock()

	var segments []model.TranscriptSegment
	for _, w := range frame.Final {
		if w.Text == "<end>" || w.Text == "<fin>" {
			continue
		}
		label := model.SpeakerLabel(max(w.Speaker-1, 0))
		start := float64(w.StartMs) / 1000
		end := float64(w.StartMs+w.DurMs) / 1000

		if n := len(segments); n > 0 && segments[n-1].Speaker == label {
			segments[n-1].Text = appendWord(segments[n-1].Text, w.Text)
			segments[n-1].End = end
			continue
		}
		segments = append(segments, model.TranscriptSegment{
			Speaker: label,
			IsUser:  known && w.Speaker == userSpeaker,
			Start:   start,
			End:     end,
			Text:    appendWord("", w.Text),
		})
	}
	return segments, nil
}
