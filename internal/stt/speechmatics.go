package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/omi/listen-server/internal/model"
)

const (
	speechmaticsURL = "wss://eu2.rt.speechmatics.com/v2"

	// Tokens below this confidence are discarded.
	speechmaticsMinConfidence = 0.4
)

var speechmaticsLanguages = setOf(
	"en", "es", "fr", "de", "it", "pt", "nl", "ru", "ja", "ko", "cmn",
	"hi", "ar", "pl", "tr", "sv", "da", "no", "fi", "uk", "he", "el",
)

type Speechmatics struct {
	apiKey  string
	baseURL string
}

func NewSpeechmatics(apiKey string) *Speechmatics {
	return &Speechmatics{apiKey: apiKey, baseURL: speechmaticsURL}
}

func (s *Speechmatics) Name() string { return "speechmatics" }

func (s *Speechmatics) SupportsLanguage(language string) bool {
	return speechmaticsLanguages[language]
}

func (s *Speechmatics) SupportsSampleRate(rate int) bool {
	return rate == 8000 || rate == 16000 || rate == 44100 || rate == 48000
}

func (s *Speechmatics) SupportsSpeechProfile() bool { return false }

func (s *Speechmatics) Open(ctx context.Context, opts Options, onSegments SegmentHandler) (Stream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.apiKey)

	conn, err := dial(ctx, s.Name(), s.baseURL, headers)
	if err != nil {
		return nil, err
	}

	language := opts.Language
	if language == LanguageMulti {
		language = "en"
	}
	vocab := make([]map[string]string, 0, len(opts.Vocabulary))
	for _, term := range opts.Vocabulary {
		vocab = append(vocab, map[string]string{"content": term})
	}
	start := map[string]any{
		"message": "StartRecognition",
		"audio_format": map[string]any{
			"type":        "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": TargetRate,
		},
		"transcription_config": map[string]any{
			"language":         language,
			"diarization":      "speaker",
			"operating_point":  "enhanced",
			"max_delay":        1,
			"enable_partials":  false,
			"additional_vocab": vocab,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send speechmatics start: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	var ack struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := conn.ReadJSON(&ack); err != nil || ack.Message != "RecognitionStarted" {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected %s: %s", ack.Message, ack.Reason)
		}
		return nil, fmt.Errorf("speechmatics handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var seq atomic.Int64
	st := newWSStream(s.Name(), conn, parseSpeechmatics, onSegments)
	st.finalizeMsg = []byte(`{"message":"ForceEndOfUtterance"}`)
	st.onSend = func() { seq.Add(1) }
	st.closeMsg = func() []byte {
		return []byte(`{"message":"EndOfStream","last_seq_no":` + strconv.FormatInt(seq.Load(), 10) + `}`)
	}
	st.start()
	return st, nil
}

type speechmaticsFrame struct {
	Message string `json:"message"`
	Results []struct {
		Type         string  `json:"type"`
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		Alternatives []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
			Speaker    string  `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

// speechmaticsSpeaker maps S1, S2... to SPEAKER_00, SPEAKER_01... and the
// unknown speaker UU to SPEAKER_01.
func speechmaticsSpeaker(raw string) string {
	if raw == "UU" {
		return model.SpeakerLabel(1)
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(raw, "S")); err == nil && n > 0 {
		return model.SpeakerLabel(n - 1)
	}
	return model.SpeakerLabel(0)
}

func parseSpeechmatics(data []byte) ([]model.TranscriptSegment, error) {
	var frame speechmaticsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode speechmatics frame: %w", err)
	}
	if frame.Message != "AddTranscript" {
		return nil, nil
	}

	var segments []model.TranscriptSegment
	for _, r := range frame.Results {
		if r.Type != "word" && r.Type != "punctuation" {
			continue
		}
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Confidence < speechmaticsMinConfidence {
			continue
		}
		label := speechmaticsSpeaker(alt.Speaker)

		n := len(segments)
		if n > 0 && (segments[n-1].Speaker == label || r.Type == "punctuation") {
			segments[n-1].Text = appendWord(segments[n-1].Text, alt.Content)
			if r.Type == "word" {
				segments[n-1].End = r.EndTime
			}
			continue
		}
		if r.Type == "punctuation" {
			continue
		}
		segments = append(segments, model.TranscriptSegment{
			Speaker: label,
			Start:   r.StartTime,
			End:     r.EndTime,
			Text:    alt.Content,
		})
	}
	return segments, nil
}
