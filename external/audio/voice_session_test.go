package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/jimaku/internal/audio"
)

type fakeVoice struct {
	packets  chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{packets: make(chan []byte, 16), done: make(chan struct{})}
}

func (v *fakeVoice) ReceiveAudio(callback func(userID string, opus []byte)) {
	for {
		select {
		case p := <-v.packets:
			callback("alice", p)
		case <-v.done:
			return
		}
	}
}

func (v *fakeVoice) Done() <-chan struct{} {
	return v.done
}

func (v *fakeVoice) Disconnect() error {
	v.doneOnce.Do(func() { close(v.done) })
	return nil
}

func TestVoiceSession_PacedFramesThenDisconnectEndsUpstream(t *testing.T) {
	voice := newFakeVoice()
	token := audio.NewToken("discord", NewVoiceOpener(voice, constDecoderFactory))
	src, err := audio.Open(context.Background(), token, audio.DefaultFormat())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer src.Close()

	if src.FrameSize() != 640 {
		t.Fatalf("expected 20ms frames of 640 bytes, got %d", src.FrameSize())
	}

	voice.packets <- []byte{4}
	deadline := time.Now().Add(2 * time.Second)
	heard := false
	for !heard {
		frame, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		heard = sampleAt(frame.PCM, 0) == 4000
		if time.Now().After(deadline) {
			t.Fatal("speech never reached a frame")
		}
	}

	_ = voice.Disconnect()
	for {
		_, err := src.Next(context.Background())
		if errors.Is(err, audio.ErrUpstreamStopped) {
			return
		}
		if err != nil {
			t.Fatalf("expected ErrUpstreamStopped, got %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("disconnect never ended the capture")
		}
	}
}

func TestVoiceOpener_RejectsClosedConnection(t *testing.T) {
	voice := newFakeVoice()
	_ = voice.Disconnect()
	token := audio.NewToken("discord", NewVoiceOpener(voice, constDecoderFactory))
	if _, err := audio.Open(context.Background(), token, audio.DefaultFormat()); !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
}
