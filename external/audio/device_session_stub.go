//go:build !portaudio

package audio

import (
	"context"
	"errors"

	"github.com/foxseedlab/jimaku/internal/audio"
)

var ErrDeviceCaptureUnavailable = errors.New("device capture is not available; build with -tags portaudio")

type DeviceOpener struct {
	Device  string
	ChunkMS int
}

func (o *DeviceOpener) OpenSession(_ context.Context, _ audio.Format) (audio.Session, error) {
	return nil, ErrDeviceCaptureUnavailable
}
