// Package recognizertest provides scripted recognizer engines for tests.
package recognizertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

// Engine hands out a single scripted Decoder.
type Engine struct {
	LoadErr error
	Decoder *Decoder

	loads atomic.Int32
}

func NewEngine(script ...recognizer.Hypothesis) *Engine {
	return &Engine{Decoder: NewDecoder(script...)}
}

func (e *Engine) Name() string { return "scripted" }

func (e *Engine) Load(ctx context.Context, _ string, _ audio.Format) (recognizer.Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	e.loads.Add(1)
	return e.Decoder, nil
}

// Loads counts successful loads.
func (e *Engine) Loads() int { return int(e.loads.Load()) }

// Decoder returns script entries in order, then blank hypotheses.
// When Gate is set, each Decode signals Entered and waits for a value on Gate.
type Decoder struct {
	Gate     chan struct{}
	Entered  chan uint64
	DecodeFn func(pcm []byte) (recognizer.Hypothesis, error)

	mu       sync.Mutex
	script   []recognizer.Hypothesis
	accepted [][]byte
	closed   bool

	inflight   atomic.Int32
	overlapped atomic.Bool
	closes     atomic.Int32
	afterClose atomic.Bool
}

func NewDecoder(script ...recognizer.Hypothesis) *Decoder {
	return &Decoder{script: script}
}

var errClosed = errors.New("decoder used after close")

func (d *Decoder) Decode(pcm []byte) (recognizer.Hypothesis, error) {
	if d.inflight.Add(1) > 1 {
		d.overlapped.Store(true)
	}
	defer d.inflight.Add(-1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.afterClose.Store(true)
		return recognizer.Hypothesis{}, errClosed
	}
	d.accepted = append(d.accepted, append([]byte(nil), pcm...))
	d.mu.Unlock()

	if d.Gate != nil {
		if d.Entered != nil {
			var first uint64
			if len(pcm) > 0 {
				first = uint64(pcm[0])
			}
			d.Entered <- first
		}
		<-d.Gate
	}
	if d.DecodeFn != nil {
		return d.DecodeFn(pcm)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) == 0 {
		return recognizer.Hypothesis{}, nil
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next, nil
}

func (d *Decoder) Close() error {
	d.closes.Add(1)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Accepted returns the first byte of every frame passed to Decode, which
// audiotest.Session.PushFrames sets to the frame's index.
func (d *Decoder) Accepted() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.accepted))
	for _, pcm := range d.accepted {
		if len(pcm) == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, int(pcm[0]))
	}
	return out
}

func (d *Decoder) Closes() int          { return int(d.closes.Load()) }
func (d *Decoder) Overlapped() bool     { return d.overlapped.Load() }
func (d *Decoder) UsedAfterClose() bool { return d.afterClose.Load() }
