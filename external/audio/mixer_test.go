package audio

import (
	"encoding/binary"
	"errors"
	"testing"
)

// constDecoder decodes every packet to samplesPerFrame copies of its first byte times 1000.
type constDecoder struct{}

func (constDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	if packet[0] == 0xff {
		return 0, errors.New("corrupt packet")
	}
	for i := range pcm {
		pcm[i] = int16(packet[0]) * 1000
	}
	return len(pcm), nil
}

func constDecoderFactory(_, _ int) (PacketDecoder, error) {
	return constDecoder{}, nil
}

func sampleAt(buf []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(buf[i*2:]))
}

func TestVoiceMixer_SumsSpeakersAndClamps(t *testing.T) {
	m := NewVoiceMixer(16000, 20, constDecoderFactory)
	m.WritePacket("alice", []byte{2})
	m.WritePacket("bob", []byte{3})

	buf := make([]byte, m.FrameBytes())
	if n := m.ReadFrame(buf); n != 640 {
		t.Fatalf("expected 640 bytes, got %d", n)
	}
	if got := sampleAt(buf, 0); got != 5000 {
		t.Fatalf("expected mixed sample 5000, got %d", got)
	}

	m.WritePacket("alice", []byte{30})
	m.WritePacket("bob", []byte{30})
	m.ReadFrame(buf)
	if got := sampleAt(buf, 10); got != 32767 {
		t.Fatalf("expected clamped sample, got %d", got)
	}
}

func TestVoiceMixer_SilenceWhenNobodySpeaks(t *testing.T) {
	m := NewVoiceMixer(16000, 20, constDecoderFactory)
	buf := make([]byte, m.FrameBytes())
	for i := range buf {
		buf[i] = 0x7f
	}
	m.ReadFrame(buf)
	for i := 0; i < 320; i++ {
		if sampleAt(buf, i) != 0 {
			t.Fatalf("expected silence at sample %d", i)
		}
	}
}

func TestVoiceMixer_BoundsBacklogPerSpeaker(t *testing.T) {
	m := NewVoiceMixer(16000, 20, constDecoderFactory)
	for i := 0; i < maxQueuedFrames+10; i++ {
		m.WritePacket("alice", []byte{byte(i%20 + 1)})
	}
	if m.Dropped() != 10 {
		t.Fatalf("expected 10 dropped frames, got %d", m.Dropped())
	}
	buf := make([]byte, m.FrameBytes())
	m.ReadFrame(buf)
	if got := sampleAt(buf, 0); got != int16(10%20+1)*1000 {
		t.Fatalf("expected oldest surviving frame, got %d", got)
	}
}

func TestVoiceMixer_IgnoresBadPacketsAndWritesAfterClose(t *testing.T) {
	m := NewVoiceMixer(16000, 20, constDecoderFactory)
	m.WritePacket("alice", []byte{0xff})
	m.WritePacket("alice", nil)
	m.Close()
	m.WritePacket("alice", []byte{1})

	buf := make([]byte, m.FrameBytes())
	m.ReadFrame(buf)
	if got := sampleAt(buf, 0); got != 0 {
		t.Fatalf("expected silence, got %d", got)
	}
}

func TestVoiceMixer_DecoderFactoryErrorDropsPacket(t *testing.T) {
	m := NewVoiceMixer(16000, 20, func(_, _ int) (PacketDecoder, error) {
		return nil, errors.New("no codec")
	})
	m.WritePacket("alice", []byte{1})
	buf := make([]byte, m.FrameBytes())
	m.ReadFrame(buf)
	if got := sampleAt(buf, 0); got != 0 {
		t.Fatalf("expected silence, got %d", got)
	}
}
