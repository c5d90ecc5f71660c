//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/foxseedlab/jimaku/internal/audio"
)

// DeviceOpener captures from a PortAudio input device. Pointing it at a
// loopback or monitor device captures what the machine is playing.
type DeviceOpener struct {
	// Device is matched as a case-insensitive substring of the device name.
	// Empty selects the default input device.
	Device  string
	ChunkMS int
}

func (o *DeviceOpener) OpenSession(_ context.Context, format audio.Format) (audio.Session, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	device, err := findInputDevice(o.Device)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	chunkMS := o.ChunkMS
	if chunkMS <= 0 {
		chunkMS = 100
	}
	in := make([]int16, format.SampleRate*chunkMS/1000*format.Channels)
	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = len(in) / format.Channels
	stream, err := portaudio.OpenStream(params, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open input stream on %q: %w", device.Name, err)
	}
	slog.Info("capture device opened", "device", device.Name, "sample_rate", format.SampleRate, "chunk_ms", chunkMS)
	return &deviceSession{stream: stream, in: in, stopped: make(chan struct{}), done: make(chan struct{})}, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return device, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matches %q", name)
}

type deviceSession struct {
	stream  *portaudio.Stream
	in      []int16
	pending []byte

	mu       sync.Mutex
	stopped  chan struct{}
	stopOnce sync.Once
	// done is never closed: a local device has no external owner that can end it.
	done chan struct{}
}

func (s *deviceSession) MinBufferSize(_ audio.Format) (int, error) {
	return len(s.in) * 2, nil
}

func (s *deviceSession) Start() error {
	return s.stream.Start()
}

func (s *deviceSession) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case <-s.stopped:
			return 0, errSessionStopped
		default:
		}
		s.mu.Lock()
		err := s.stream.Read()
		s.mu.Unlock()
		if err != nil {
			select {
			case <-s.stopped:
				return 0, errSessionStopped
			default:
			}
			return 0, fmt.Errorf("read input stream: %w", err)
		}
		buf := make([]byte, len(s.in)*2)
		for i, v := range s.in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
		}
		s.pending = buf
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *deviceSession) Done() <-chan struct{} {
	return s.done
}

// Stop takes effect once the in-flight buffer read returns.
func (s *deviceSession) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		err = s.stream.Stop()
		s.mu.Unlock()
	})
	return err
}

func (s *deviceSession) Release() error {
	err := s.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
