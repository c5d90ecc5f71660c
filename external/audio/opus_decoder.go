//go:build opus

package audio

import "github.com/hraban/opus"

// NewOpusDecoder decodes Discord voice packets. libopus resamples to sampleRate.
func NewOpusDecoder(sampleRate, channels int) (PacketDecoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}
