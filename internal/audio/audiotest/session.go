// Package audiotest provides an in-memory capture session for tests.
package audiotest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/jimaku/internal/audio"
)

// Session is a scripted audio.Session. Chunks pushed with Push are returned by
// Read in order; Read blocks while nothing is queued.
type Session struct {
	BufferSize int
	OpenErr    error
	StartErr   error

	// ReadDelayAfterStop delays the EOF a stopped Read returns, like a native
	// read that drains its buffer before noticing the stop.
	ReadDelayAfterStop time.Duration

	chunks  chan []byte
	pending []byte

	done     chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}
	stopOnce sync.Once

	opens    atomic.Int32
	stops    atomic.Int32
	releases atomic.Int32

	reads              atomic.Int32
	releasedDuringRead atomic.Bool
}

func NewSession(bufferSize int) *Session {
	return &Session{
		BufferSize: bufferSize,
		chunks:     make(chan []byte, 4096),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Token returns a single-use token opening this session.
func (s *Session) Token() *audio.Token {
	return audio.NewToken("audiotest", s.Opener())
}

// Opener hands out this session on every open.
func (s *Session) Opener() audio.Opener {
	return audio.OpenerFunc(func(_ context.Context, _ audio.Format) (audio.Session, error) {
		s.opens.Add(1)
		if s.OpenErr != nil {
			return nil, s.OpenErr
		}
		return s, nil
	})
}

// Push queues one chunk for Read.
func (s *Session) Push(pcm []byte) {
	s.chunks <- append([]byte(nil), pcm...)
}

// PushFrame queues one frame of BufferSize bytes filled with index.
func (s *Session) PushFrame(index int) {
	buf := make([]byte, s.BufferSize)
	for j := range buf {
		buf[j] = byte(index)
	}
	s.Push(buf)
}

// PushFrames queues n frames, each filled with its 1-based index.
func (s *Session) PushFrames(n int) {
	for i := 1; i <= n; i++ {
		s.PushFrame(i)
	}
}

// EndUpstream simulates the capture session being stopped by an external actor.
func (s *Session) EndUpstream() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) MinBufferSize(_ audio.Format) (int, error) {
	return s.BufferSize, nil
}

func (s *Session) Start() error {
	return s.StartErr
}

func (s *Session) Read(p []byte) (int, error) {
	s.reads.Add(1)
	defer s.reads.Add(-1)
	if len(s.pending) == 0 {
		select {
		case <-s.stopped:
			return s.stoppedRead()
		default:
		}
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.stopped:
			return s.stoppedRead()
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Session) stoppedRead() (int, error) {
	if s.ReadDelayAfterStop > 0 {
		time.Sleep(s.ReadDelayAfterStop)
	}
	return 0, io.EOF
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Stop() error {
	s.stops.Add(1)
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *Session) Release() error {
	if s.reads.Load() > 0 {
		s.releasedDuringRead.Store(true)
	}
	s.releases.Add(1)
	return nil
}

func (s *Session) Opens() int    { return int(s.opens.Load()) }
func (s *Session) Stops() int    { return int(s.stops.Load()) }
func (s *Session) Releases() int { return int(s.releases.Load()) }

// ReleasedDuringRead reports whether Release ran while a Read was in progress.
func (s *Session) ReleasedDuringRead() bool {
	return s.releasedDuringRead.Load()
}

// Stopped reports whether Stop has been called at least once.
func (s *Session) Stopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}
