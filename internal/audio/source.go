package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrSourceClosed is returned by Next after Close.
var ErrSourceClosed = errors.New("capture source closed")

// Source turns a capture session into a non-restartable sequence of fixed-size frames.
// Next must be called from a single goroutine; Close may be called from any.
// The session is stopped exactly once and released only after no read is in flight.
type Source struct {
	session   Session
	format    Format
	frameSize int
	seq       uint64

	// readMu is held by Next for the duration of a read.
	readMu sync.Mutex

	stopOnce sync.Once
	stopErr  error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open redeems token and starts capturing. The frame length is taken from the
// session's minimum buffer size once, here, and reused for every read.
func Open(ctx context.Context, token *Token, format Format) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	session, err := token.redeem(ctx, format)
	if err != nil {
		return nil, err
	}
	size, err := session.MinBufferSize(format)
	if err != nil {
		_ = session.Release()
		return nil, fmt.Errorf("%w: query buffer size: %w", ErrCaptureUnavailable, err)
	}
	align := format.Channels * format.BitsPerSample / 8
	size -= size % align
	if size <= 0 {
		_ = session.Release()
		return nil, fmt.Errorf("%w: capture buffer size is not positive", ErrCaptureUnavailable)
	}
	if err := session.Start(); err != nil {
		_ = session.Stop()
		_ = session.Release()
		return nil, fmt.Errorf("%w: start capture: %w", ErrCaptureUnavailable, err)
	}

	s := &Source{
		session:   session,
		format:    format,
		frameSize: size,
		closed:    make(chan struct{}),
	}
	go s.watchUpstream()
	slog.Debug("capture source opened", "token", token.String(), "frame_bytes", size, "sample_rate", format.SampleRate)
	return s, nil
}

func (s *Source) watchUpstream() {
	select {
	case <-s.session.Done():
		slog.Info("capture session ended upstream")
		if err := s.stopSession(); err != nil {
			slog.Warn("failed to stop capture session after upstream end", "error", err)
		}
	case <-s.closed:
	}
}

func (s *Source) FrameSize() int {
	return s.frameSize
}

func (s *Source) Format() Format {
	return s.format
}

// Done is closed when the capture session ends upstream.
func (s *Source) Done() <-chan struct{} {
	return s.session.Done()
}

// Next blocks until a full frame is captured. It returns ErrUpstreamStopped
// once the session has ended externally, and ctx.Err() when ctx is canceled;
// cancellation stops the session so a blocked read returns.
func (s *Source) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.isClosed() {
		return Frame{}, ErrSourceClosed
	}
	if s.upstreamEnded() {
		return Frame{}, ErrUpstreamStopped
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.stopSession()
	})
	defer stop()

	buf := make([]byte, s.frameSize)
	if _, err := io.ReadFull(s.session, buf); err != nil {
		switch {
		case ctx.Err() != nil:
			return Frame{}, ctx.Err()
		case s.isClosed():
			return Frame{}, ErrSourceClosed
		case s.upstreamEnded(), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return Frame{}, ErrUpstreamStopped
		default:
			return Frame{}, fmt.Errorf("read capture session: %w", err)
		}
	}
	s.seq++
	return Frame{Seq: s.seq, PCM: buf}, nil
}

// Close stops the session, waits for a pending Next to return and then
// releases the capture handle. Only the first call does any work; later calls
// return the first result.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		var errs []error
		if err := s.stopSession(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture session: %w", err))
		}
		s.readMu.Lock()
		if err := s.session.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release capture session: %w", err))
		}
		s.readMu.Unlock()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Source) stopSession() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.session.Stop()
	})
	return s.stopErr
}

func (s *Source) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Source) upstreamEnded() bool {
	select {
	case <-s.session.Done():
		return true
	default:
		return false
	}
}
