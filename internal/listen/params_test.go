package listen

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		multi   bool
		want    Params
		wantErr string
	}{
		{
			name:  "single defaults",
			query: "",
			want:  Params{UID: "u1", Source: model.SourceOmi, SampleRate: 16000, Codec: "pcm", Channels: 1},
		},
		{
			name:  "multi defaults",
			query: "source=phone_call",
			multi: true,
			want:  Params{UID: "u1", Source: model.SourcePhoneCall, SampleRate: 48000, Codec: "pcm", Channels: 2, Multi: true},
		},
		{
			name:  "explicit options",
			query: "language=de&sample_rate=8000&codec=opus&channels=2&call_id=c-1",
			want:  Params{UID: "u1", Source: model.SourceOmi, Language: "de", SampleRate: 8000, Codec: "opus", Channels: 2, CallID: "c-1"},
		},
		{name: "unknown codec", query: "codec=mp3", wantErr: "codec"},
		{name: "sample rate out of range", query: "sample_rate=96000", wantErr: "sample_rate"},
		{name: "sample rate not a number", query: "sample_rate=fast", wantErr: "sample_rate"},
		{name: "too many interleaved channels", query: "channels=3", wantErr: "channels"},
		{name: "too many labelled channels", query: "channels=9", multi: true, wantErr: "channels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			got, err := ParseParams(q, "u1", tt.multi)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseParamsRequiresUID(t *testing.T) {
	_, err := ParseParams(url.Values{}, "", false)
	assert.Equal(t, apperrors.ClosePolicyViolation, apperrors.CloseCode(err))
}

func TestChannelLayout(t *testing.T) {
	single := Params{Source: model.SourcePhoneCall, Channels: 2}
	assert.Len(t, single.ChannelLayout(), 1, "interleaved audio is one labelled channel")
	assert.Equal(t, 2, single.decodeChannels())

	multi := Params{Source: model.SourcePhoneCall, Channels: 2, Multi: true}
	layout := multi.ChannelLayout()
	require.Len(t, layout, 2)
	assert.Equal(t, "remote", layout[1].Label)
	assert.Equal(t, 1, multi.decodeChannels())
}
