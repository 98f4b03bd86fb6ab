package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/omi/listen-server/internal/model"
)

const deepgramURL = "wss://api.deepgram.com/v1/listen"

var deepgramLanguages = setOf(
	"multi", "en", "es", "fr", "de", "hi", "ru", "pt", "ja", "it", "nl",
	"ko", "zh", "sv", "da", "no", "fi", "pl", "tr", "uk", "id", "vi",
)

type Deepgram struct {
	apiKey  string
	baseURL string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{apiKey: apiKey, baseURL: deepgramURL}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) SupportsLanguage(language string) bool {
	return deepgramLanguages[language]
}

func (d *Deepgram) SupportsSampleRate(rate int) bool {
	return rate >= 8000 && rate <= 48000
}

func (d *Deepgram) SupportsSpeechProfile() bool { return true }

func (d *Deepgram) Open(ctx context.Context, opts Options, onSegments SegmentHandler) (Stream, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = "nova-3"
	}

	q := url.Values{}
	q.Set("model", modelName)
	q.Set("language", opts.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(TargetRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("diarize", "true")
	q.Set("interim_results", "false")
	q.Set("endpointing", "300")
	for _, term := range opts.Vocabulary {
		q.Add("keyterm", term)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, err := dial(ctx, d.Name(), d.baseURL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, err
	}

	preSeconds := opts.PreSeconds
	s := newWSStream(d.Name(), conn, func(data []byte) ([]model.TranscriptSegment, error) {
		return parseDeepgram(data, preSeconds)
	}, onSegments)
	s.finalizeMsg = []byte(`{"type":"Finalize"}`)
	s.keepAliveMsg = []byte(`{"type":"KeepAlive"}`)
	s.closeMsg = func() []byte { return []byte(`{"type":"CloseStream"}`) }
	s.start()
	return s, nil
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Speaker        *int    `json:"speaker"`
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgram coalesces consecutive same-speaker words of a final result.
// Words inside the profile pre-roll are dropped and the rest shifted back.
func parseDeepgram(data []byte, preSeconds float64) ([]model.TranscriptSegment, error) {
	var res deepgramResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode deepgram frame: %w", err)
	}
	if res.Type != "Results" || !res.IsFinal || len(res.Channel.Alternatives) == 0 {
		return nil, nil
	}

	var segments []model.TranscriptSegment
	for _, w := range res.Channel.Alternatives[0].Words {
		if w.Start < preSeconds {
			continue
		}
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		speaker := 0
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		label := model.SpeakerLabel(speaker)
		start, end := w.Start-preSeconds, w.End-preSeconds

		if n := len(segments); n > 0 && segments[n-1].Speaker == label {
			segments[n-1].Text = appendWord(segments[n-1].Text, text)
			segments[n-1].End = end
			continue
		}
		segments = append(segments, model.TranscriptSegment{
			Speaker: label,
			IsUser:  false,
			Start:   start,
			End:     end,
			Text:    text,
		})
	}
	return segments, nil
}
