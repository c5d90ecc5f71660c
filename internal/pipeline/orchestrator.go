package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/metrics"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

type State int32

const (
	Idle State = iota
	Preparing
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason records which trigger moved a handle to Stopping.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonStopRequested
	ReasonUpstreamStopped
	ReasonRecognitionFailure
	ReasonCaptureFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonStopRequested:
		return "stop_requested"
	case ReasonUpstreamStopped:
		return "upstream_stopped"
	case ReasonRecognitionFailure:
		return "recognition_failure"
	case ReasonCaptureFailure:
		return "capture_failure"
	default:
		return "none"
	}
}

// Sink receives every caption state produced by a fold. Publish runs on the
// recognition lane and must return quickly.
type Sink interface {
	Publish(state caption.State)
}

type SinkFunc func(state caption.State)

func (f SinkFunc) Publish(state caption.State) {
	f(state)
}

// Sinks fans a state out to each sink in order.
type Sinks []Sink

func (s Sinks) Publish(state caption.State) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(state)
		}
	}
}

type Config struct {
	Format     audio.Format
	MaxHistory int
}

type Orchestrator struct {
	engine     recognizer.Engine
	format     audio.Format
	aggregator caption.Aggregator
	metrics    *metrics.Metrics
}

func NewOrchestrator(engine recognizer.Engine, cfg Config, m *metrics.Metrics) *Orchestrator {
	format := cfg.Format
	if format == (audio.Format{}) {
		format = audio.DefaultFormat()
	}
	return &Orchestrator{
		engine:     engine,
		format:     format,
		aggregator: caption.NewAggregator(cfg.MaxHistory),
		metrics:    m,
	}
}

func (o *Orchestrator) Format() audio.Format {
	return o.format
}

type StartRequest struct {
	// SessionID only labels log lines.
	SessionID string
	Token     *audio.Token
	ModelID   string
	Sink      Sink
}

// Start prepares the recognizer and opens the capture source concurrently, then
// starts both lanes. ctx bounds Preparing only; the running pipeline ends via
// Stop, an upstream stop, or a fatal error. A Preparing failure releases
// whatever was acquired and is returned here.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	logger := slog.With("session_id", req.SessionID, "model_id", req.ModelID)
	engineName := "none"
	if o.engine != nil {
		engineName = o.engine.Name()
	}
	logger.Info("pipeline preparing", "engine", engineName, "token", req.Token.String())

	var (
		rec *recognizer.Recognizer
		src *audio.Source
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		started := time.Now()
		r, err := recognizer.Prepare(gctx, o.engine, req.ModelID, o.format)
		if err != nil {
			return err
		}
		o.metrics.Prepared("recognizer", time.Since(started))
		rec = r
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		s, err := audio.Open(gctx, req.Token, o.format)
		if err != nil {
			return err
		}
		o.metrics.Prepared("source", time.Since(started))
		src = s
		return nil
	})
	if err := g.Wait(); err != nil {
		if rec != nil {
			if cerr := rec.Close(); cerr != nil {
				logger.Warn("failed to close recognizer after prepare failure", "error", cerr)
			}
		}
		if src != nil {
			if cerr := src.Close(); cerr != nil {
				logger.Warn("failed to close capture source after prepare failure", "error", cerr)
			}
		}
		logger.Error("pipeline prepare failed", "error", err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		sessionID:   req.SessionID,
		logger:      logger,
		source:      src,
		rec:         rec,
		slot:        NewSlot[audio.Frame](),
		sink:        req.Sink,
		aggregator:  o.aggregator,
		metrics:     o.metrics,
		ctx:         runCtx,
		cancel:      cancel,
		captureDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
	empty := caption.Empty()
	h.snapshot.Store(&empty)
	h.state.Store(int32(Running))
	o.metrics.PipelineStarted()

	go h.captureLoop()
	go h.run()
	logger.Info("pipeline running", "frame_bytes", src.FrameSize())
	return h, nil
}

// Handle is one running pipeline. It owns exactly one source and one
// recognizer and is never reused after Terminated.
type Handle struct {
	sessionID  string
	logger     *slog.Logger
	source     *audio.Source
	rec        *recognizer.Recognizer
	slot       *Slot[audio.Frame]
	sink       Sink
	aggregator caption.Aggregator
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	snapshot atomic.Pointer[caption.State]
	dropped  atomic.Uint64
	accepted atomic.Uint64

	triggerOnce sync.Once
	reason      atomic.Int32
	err         error

	captureDone chan struct{}
	done        chan struct{}
}

func (h *Handle) SessionID() string {
	return h.sessionID
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) Reason() Reason {
	return Reason(h.reason.Load())
}

// Snapshot returns the latest caption state. It stays readable after termination.
func (h *Handle) Snapshot() caption.State {
	return *h.snapshot.Load()
}

// Dropped is the number of frames overwritten in the hand-off slot.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}

// Accepted is the number of frames passed to the recognizer.
func (h *Handle) Accepted() uint64 {
	return h.accepted.Load()
}

// Stop requests teardown. It does not wait; use Wait or Done.
func (h *Handle) Stop() {
	h.trigger(ReasonStopRequested, nil)
}

// Done is closed once the handle is Terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Terminated. It returns nil after a stop request or an
// upstream stop, and the fatal error otherwise.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// trigger moves the handle to Stopping. Only the first trigger is recorded.
func (h *Handle) trigger(reason Reason, err error) {
	h.triggerOnce.Do(func() {
		h.reason.Store(int32(reason))
		h.err = err
		h.state.CompareAndSwap(int32(Running), int32(Stopping))
		h.cancel()
		h.slot.Close()
		if err != nil {
			h.logger.Error("pipeline stopping", "reason", reason.String(), "error", err)
			return
		}
		h.logger.Info("pipeline stopping", "reason", reason.String())
	})
}

func (h *Handle) captureLoop() {
	defer close(h.captureDone)
	for {
		if h.ctx.Err() != nil {
			return
		}
		frame, err := h.source.Next(h.ctx)
		if err != nil {
			switch {
			case h.ctx.Err() != nil, errors.Is(err, audio.ErrSourceClosed):
			case errors.Is(err, audio.ErrUpstreamStopped):
				h.trigger(ReasonUpstreamStopped, nil)
			default:
				h.trigger(ReasonCaptureFailure, fmt.Errorf("%w: %w", audio.ErrCaptureUnavailable, err))
			}
			return
		}
		h.metrics.FrameCaptured()
		dropped, ok := h.slot.Put(frame)
		if !ok {
			return
		}
		if dropped {
			h.dropped.Add(1)
			h.metrics.FrameDropped()
		}
	}
}

func (h *Handle) recognizeLoop() {
	for {
		frame, ok := h.slot.Take(h.ctx)
		if !ok {
			return
		}
		if h.ctx.Err() != nil {
			return
		}

		started := time.Now()
		ev, err := h.rec.Accept(frame)
		h.accepted.Add(1)
		h.metrics.FrameAccepted(time.Since(started))
		if err != nil {
			h.trigger(ReasonRecognitionFailure, err)
			return
		}
		if ev == nil {
			continue
		}
		h.fold(*ev)
	}
}

func (h *Handle) fold(ev recognizer.Event) {
	next := h.aggregator.Apply(h.Snapshot(), ev)
	h.snapshot.Store(&next)
	h.metrics.Event(ev.Kind.String())
	if ev.Kind == recognizer.Final {
		h.logger.Debug("caption finalized", "text", ev.Text, "total", next.Total)
	}
	if h.sink != nil {
		h.sink.Publish(next)
	}
}

// run owns the recognition lane and, after it exits, the single teardown.
func (h *Handle) run() {
	h.recognizeLoop()
	// The lane only exits after a trigger; this covers a lane that returns on its own.
	h.trigger(ReasonStopRequested, nil)

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := h.rec.Close(); err != nil {
			h.logger.Warn("failed to close recognizer", "error", err)
		}
	})
	wg.Go(func() {
		// The canceled context has stopped the session; release only once the
		// capture lane is out of its read.
		<-h.captureDone
		if err := h.source.Close(); err != nil {
			h.logger.Warn("failed to close capture source", "error", err)
		}
	})
	wg.Wait()

	h.state.Store(int32(Terminated))
	h.metrics.PipelineTerminated(h.Reason().String())
	h.logger.Info("pipeline terminated",
		"reason", h.Reason().String(),
		"accepted_frames", h.accepted.Load(),
		"dropped_frames", h.dropped.Load(),
		"finalized", h.Snapshot().Total,
	)
	close(h.done)
}
