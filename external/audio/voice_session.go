package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/discord"
)

const voiceFrameMS = 20

// VoiceOpener captures the mixed audio of a joined voice channel.
type VoiceOpener struct {
	voice      discord.VoiceConnection
	newDecoder DecoderFactory
}

func NewVoiceOpener(voice discord.VoiceConnection, newDecoder DecoderFactory) *VoiceOpener {
	return &VoiceOpener{voice: voice, newDecoder: newDecoder}
}

func (o *VoiceOpener) OpenSession(_ context.Context, format audio.Format) (audio.Session, error) {
	if format.Channels != 1 || format.BitsPerSample != 16 {
		return nil, fmt.Errorf("voice capture supports 16-bit mono only, got %d channels %d bits", format.Channels, format.BitsPerSample)
	}
	select {
	case <-o.voice.Done():
		return nil, fmt.Errorf("voice connection already closed")
	default:
	}
	return &voiceSession{
		voice:   o.voice,
		mixer:   NewVoiceMixer(format.SampleRate, voiceFrameMS, o.newDecoder),
		stopped: make(chan struct{}),
	}, nil
}

// voiceSession paces reads at the voice frame interval and fills gaps with
// silence so the recognizer hears pauses.
type voiceSession struct {
	voice  discord.VoiceConnection
	mixer  *VoiceMixer
	ticker *time.Ticker

	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *voiceSession) MinBufferSize(_ audio.Format) (int, error) {
	return s.mixer.FrameBytes(), nil
}

func (s *voiceSession) Start() error {
	s.ticker = time.NewTicker(voiceFrameMS * time.Millisecond)
	go s.voice.ReceiveAudio(s.mixer.WritePacket)
	return nil
}

func (s *voiceSession) Read(p []byte) (int, error) {
	select {
	case <-s.stopped:
		return 0, errSessionStopped
	default:
	}
	select {
	case <-s.ticker.C:
		return s.mixer.ReadFrame(p), nil
	case <-s.stopped:
		return 0, errSessionStopped
	}
}

func (s *voiceSession) Done() <-chan struct{} {
	return s.voice.Done()
}

func (s *voiceSession) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.ticker != nil {
			s.ticker.Stop()
		}
	})
	return nil
}

// Release drops decoder state. The voice connection belongs to the caller.
func (s *voiceSession) Release() error {
	s.mixer.Close()
	return nil
}
