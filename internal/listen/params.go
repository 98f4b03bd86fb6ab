package listen

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/omi/listen-server/internal/audio"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
)

const (
	defaultMultiSampleRate  = 48000
	defaultSingleSampleRate = 16000
	defaultMultiChannels    = 2
	maxChannels             = 8
)

// Params are the query options of a listen socket.
type Params struct {
	UID        string
	Source     string
	Language   string
	SampleRate int
	Codec      string
	// Channels is the number of labelled channels on the multi-channel
	// endpoint and the number of interleaved audio channels otherwise.
	Channels int
	CallID   string
	// Multi is set for the endpoint whose frames carry a channel id byte.
	Multi bool
}

// ParseParams reads and validates listen socket query options. uid comes
// from the authenticated request, not the query.
func ParseParams(q url.Values, uid string, multi bool) (Params, error) {
	p := Params{
		UID:      uid,
		Source:   strings.TrimSpace(q.Get("source")),
		Language: strings.TrimSpace(q.Get("language")),
		Codec:    strings.ToLower(strings.TrimSpace(q.Get("codec"))),
		CallID:   strings.TrimSpace(q.Get("call_id")),
		Multi:    multi,
	}
	if p.UID == "" {
		return p, apperrors.InvalidInput("uid", "missing")
	}
	if p.Source == "" {
		p.Source = model.SourceOmi
	}
	if p.Codec == "" {
		p.Codec = audio.CodecPCM
	}
	if !audio.ValidCodec(p.Codec) {
		return p, apperrors.InvalidInput("codec", p.Codec)
	}

	p.SampleRate = defaultSingleSampleRate
	p.Channels = 1
	if multi {
		p.SampleRate = defaultMultiSampleRate
		p.Channels = defaultMultiChannels
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 48000 {
			return p, apperrors.InvalidInput("sample_rate", v)
		}
		p.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxChannels || (!multi && n > 2) {
			return p, apperrors.InvalidInput("channels", v)
		}
		p.Channels = n
	}
	return p, nil
}

// ChannelLayout returns the labelled channels of the session.
func (p Params) ChannelLayout() []model.ChannelConfig {
	if !p.Multi {
		return []model.ChannelConfig{{ID: 1, Label: "mic", IsUser: true, Speaker: model.SpeakerLabel(0)}}
	}
	return model.ChannelsForSource(p.Source, p.Channels)
}

// decodeChannels is the interleaved channel count of one payload.
func (p Params) decodeChannels() int {
	if p.Multi {
		return 1
	}
	return p.Channels
}
