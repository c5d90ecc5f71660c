package audio

import (
	"fmt"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/session"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (audio.Opener, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.CaptureBackend {
		case config.CaptureBackendWAV:
			return &WAVOpener{Path: c.CaptureWAVPath, ChunkMS: c.CaptureChunkMS, Realtime: true}, nil
		case config.CaptureBackendDevice:
			return &DeviceOpener{Device: c.CaptureDevice, ChunkMS: c.CaptureChunkMS}, nil
		default:
			return nil, fmt.Errorf("capture backend %q has no local opener", c.CaptureBackend)
		}
	})
	do.ProvideValue(injector, session.VoiceOpenerFactory(func(voice discord.VoiceConnection) audio.Opener {
		return NewVoiceOpener(voice, NewOpusDecoder)
	}))
}
