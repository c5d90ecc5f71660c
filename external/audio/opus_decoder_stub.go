//go:build !opus

package audio

import "errors"

var ErrOpusUnavailable = errors.New("opus decoding is not available; build with -tags opus")

func NewOpusDecoder(_, _ int) (PacketDecoder, error) {
	return nil, ErrOpusUnavailable
}
