package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/foxseedlab/jimaku/internal/audio"
)

// WAVOpener replays a WAV file as if it were live capture. Reaching the end of
// the file ends the session upstream.
type WAVOpener struct {
	Path    string
	ChunkMS int
	// Realtime paces reads at the file's playback rate.
	Realtime bool
}

func (o *WAVOpener) OpenSession(_ context.Context, format audio.Format) (audio.Session, error) {
	f, err := os.Open(o.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav file: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", o.Path)
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.BitDepth) != format.BitsPerSample {
		_ = f.Close()
		return nil, fmt.Errorf("wav file is %d Hz %d-bit, capture needs %d Hz %d-bit", dec.SampleRate, dec.BitDepth, format.SampleRate, format.BitsPerSample)
	}
	if err := dec.FwdToPCM(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek wav pcm data: %w", err)
	}
	chunkMS := o.ChunkMS
	if chunkMS <= 0 {
		chunkMS = 100
	}
	return &wavSession{
		file:     f,
		decoder:  dec,
		channels: int(dec.NumChans),
		format:   format,
		chunkMS:  chunkMS,
		realtime: o.Realtime,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

type wavSession struct {
	file     *os.File
	decoder  *wav.Decoder
	channels int
	format   audio.Format
	chunkMS  int
	realtime bool

	started   time.Time
	delivered int64
	samples   *goaudio.IntBuffer

	done     chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}
	stopOnce sync.Once
}

func (s *wavSession) MinBufferSize(format audio.Format) (int, error) {
	return format.FrameBytes(s.chunkMS), nil
}

func (s *wavSession) Start() error {
	s.started = time.Now()
	return nil
}

func (s *wavSession) Read(p []byte) (int, error) {
	if err := s.pace(); err != nil {
		return 0, err
	}

	frames := len(p) / 2
	if s.samples == nil || len(s.samples.Data) != frames*s.channels {
		s.samples = &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: s.channels, SampleRate: s.format.SampleRate},
			Data:   make([]int, frames*s.channels),
		}
	}
	n, err := s.decoder.PCMBuffer(s.samples)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("decode wav: %w", err)
		}
		s.doneOnce.Do(func() { close(s.done) })
		return 0, io.EOF
	}

	got := n / s.channels
	for i := 0; i < got; i++ {
		var sum int
		for c := 0; c < s.channels; c++ {
			sum += s.samples.Data[i*s.channels+c]
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(sum/s.channels)))
	}
	// Pad the final partial chunk with silence.
	clear(p[got*2 : frames*2])
	s.delivered += int64(frames * 2)
	return frames * 2, nil
}

// pace blocks until the wall clock catches up with the audio already delivered.
func (s *wavSession) pace() error {
	select {
	case <-s.stopped:
		return errSessionStopped
	default:
	}
	if !s.realtime {
		return nil
	}
	due := s.started.Add(time.Duration(s.delivered) * time.Second / time.Duration(s.format.BytesPerSecond()))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.stopped:
		return errSessionStopped
	}
}

func (s *wavSession) Done() <-chan struct{} {
	return s.done
}

func (s *wavSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *wavSession) Release() error {
	return s.file.Close()
}
