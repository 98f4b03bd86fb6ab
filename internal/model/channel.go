package model

import "fmt"

// ChannelConfig describes one labelled audio channel of a listen session.
// IDs are 1-indexed and match the first byte of each inbound frame.
type ChannelConfig struct {
	ID      byte   `json:"id"`
	Label   string `json:"label"`
	IsUser  bool   `json:"is_user"`
	Speaker string `json:"speaker"`
}

func SpeakerLabel(n int) string {
	return fmt.Sprintf("SPEAKER_%02d", n)
}

// ChannelsForSource derives the channel layout from the source tag.
func ChannelsForSource(source string, count int) []ChannelConfig {
	switch source {
	case SourcePhoneCall:
		return []ChannelConfig{
			{ID: 1, Label: "mic", IsUser: true, Speaker: SpeakerLabel(0)},
			{ID: 2, Label: "remote", IsUser: false, Speaker: SpeakerLabel(1)},
		}
	case SourceDesktop:
		return []ChannelConfig{
			{ID: 1, Label: "mic", IsUser: true, Speaker: SpeakerLabel(0)},
			{ID: 2, Label: "system_audio", IsUser: false, Speaker: SpeakerLabel(1)},
		}
	}

	if count < 1 {
		count = 1
	}
	channels := make([]ChannelConfig, count)
	for i := range channels {
		channels[i] = ChannelConfig{
			ID:      byte(i + 1),
			Label:   fmt.Sprintf("channel_%d", i),
			IsUser:  i == 0,
			Speaker: SpeakerLabel(i),
		}
	}
	return channels
}
