package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// PacketDecoder decodes one compressed voice packet into interleaved PCM samples.
// *opus.Decoder satisfies it.
type PacketDecoder interface {
	Decode(packet []byte, pcm []int16) (int, error)
}

type DecoderFactory func(sampleRate, channels int) (PacketDecoder, error)

// maxQueuedFrames bounds each speaker's backlog; older frames are dropped first.
const maxQueuedFrames = 50

// VoiceMixer decodes packets per speaker and sums one frame from every
// speaker per read, clamping to 16-bit range.
type VoiceMixer struct {
	sampleRate      int
	samplesPerFrame int
	newDecoder      DecoderFactory

	mu       sync.Mutex
	decoders map[string]PacketDecoder
	queues   map[string][][]int16
	closed   bool
	dropped  int
}

func NewVoiceMixer(sampleRate, frameMS int, newDecoder DecoderFactory) *VoiceMixer {
	return &VoiceMixer{
		sampleRate:      sampleRate,
		samplesPerFrame: sampleRate * frameMS / 1000,
		newDecoder:      newDecoder,
		decoders:        make(map[string]PacketDecoder),
		queues:          make(map[string][][]int16),
	}
}

func (m *VoiceMixer) FrameBytes() int {
	return m.samplesPerFrame * 2
}

func (m *VoiceMixer) WritePacket(userID string, packet []byte) {
	if len(packet) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	dec, ok := m.decoders[userID]
	if !ok {
		var err error
		dec, err = m.newDecoder(m.sampleRate, 1)
		if err != nil {
			slog.Error("failed to create voice decoder", "user_id", userID, "error", err)
			return
		}
		m.decoders[userID] = dec
	}
	pcm := make([]int16, m.samplesPerFrame)
	n, err := dec.Decode(packet, pcm)
	if err != nil {
		slog.Debug("failed to decode voice packet", "user_id", userID, "error", err)
		return
	}
	if n <= 0 {
		return
	}
	q := append(m.queues[userID], pcm[:min(n, m.samplesPerFrame)])
	if len(q) > maxQueuedFrames {
		m.dropped += len(q) - maxQueuedFrames
		q = q[len(q)-maxQueuedFrames:]
	}
	m.queues[userID] = q
}

// ReadFrame fills buf with one mixed frame, or silence when nobody is
// speaking, and returns the bytes written.
func (m *VoiceMixer) ReadFrame(buf []byte) int {
	mixed := make([]int32, m.samplesPerFrame)
	m.mu.Lock()
	for userID, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		for i, s := range q[0] {
			mixed[i] += int32(s)
		}
		m.queues[userID] = q[1:]
	}
	m.mu.Unlock()

	n := min(len(buf)/2, m.samplesPerFrame)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(clampPCM(mixed[i])))
	}
	return n * 2
}

func (m *VoiceMixer) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *VoiceMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.decoders = nil
	m.queues = nil
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
