package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/audio/audiotest"
	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/metrics"
	"github.com/foxseedlab/jimaku/internal/recognizer"
	"github.com/foxseedlab/jimaku/internal/recognizer/recognizertest"
)

const testFrameBytes = 640

type recordingSink struct {
	mu     sync.Mutex
	states []caption.State
}

func (s *recordingSink) Publish(state caption.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) States() []caption.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states)
}

func gatedEngine(script ...recognizer.Hypothesis) *recognizertest.Engine {
	engine := recognizertest.NewEngine(script...)
	engine.Decoder.Gate = make(chan struct{})
	engine.Decoder.Entered = make(chan uint64)
	return engine
}

func expectEntered(t *testing.T, dec *recognizertest.Decoder, want uint64) {
	t.Helper()
	select {
	case got := <-dec.Entered:
		if got != want {
			t.Fatalf("expected frame %d to enter accept, got %d", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame %d never reached accept", want)
	}
}

func waitDone(t *testing.T, h *Handle) error {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not terminate, state=%s", h.State())
		return nil
	}
}

func startPipeline(t *testing.T, engine recognizer.Engine, session *audiotest.Session, sink Sink, m *metrics.Metrics) *Handle {
	t.Helper()
	o := NewOrchestrator(engine, Config{MaxHistory: caption.DefaultMaxHistory}, m)
	h, err := o.Start(context.Background(), StartRequest{
		SessionID: t.Name(),
		Token:     session.Token(),
		ModelID:   "vosk-model-small-ja",
		Sink:      sink,
	})
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	return h
}

func TestStart_PartialsThenFinal(t *testing.T) {
	engine := gatedEngine(
		recognizer.Hypothesis{Text: "こん"},
		recognizer.Hypothesis{Text: "こんにちは"},
		recognizer.Hypothesis{Text: "こんにちは", Final: true},
	)
	dec := engine.Decoder
	session := audiotest.NewSession(testFrameBytes)
	sink := &recordingSink{}
	h := startPipeline(t, engine, session, sink, nil)

	if h.State() != Running {
		t.Fatalf("expected running, got %s", h.State())
	}

	for i := 1; i <= 3; i++ {
		session.PushFrame(i)
		expectEntered(t, dec, uint64(i))
		dec.Gate <- struct{}{}
	}
	session.EndUpstream()

	if err := waitDone(t, h); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	if h.Reason() != ReasonUpstreamStopped {
		t.Fatalf("expected upstream stop, got %s", h.Reason())
	}

	final := h.Snapshot()
	if !slices.Equal(final.Finalized, []string{"こんにちは"}) || final.HasPartial {
		t.Fatalf("unexpected final state: %+v", final)
	}

	states := sink.States()
	if len(states) != 3 {
		t.Fatalf("expected 3 published states, got %d", len(states))
	}
	if states[0].Partial != "こん" || states[1].Partial != "こんにちは" {
		t.Fatalf("unexpected partial progression: %+v", states)
	}
}

func TestStop_InFlightAcceptIsFoldedBeforeTeardown(t *testing.T) {
	engine := gatedEngine(recognizer.Hypothesis{Text: "こん"})
	dec := engine.Decoder
	session := audiotest.NewSession(testFrameBytes)
	sink := &recordingSink{}
	h := startPipeline(t, engine, session, sink, nil)

	session.PushFrame(1)
	expectEntered(t, dec, 1)

	h.Stop()
	if h.State() != Stopping {
		t.Fatalf("expected stopping while accept is in flight, got %s", h.State())
	}
	session.PushFrame(2)
	session.PushFrame(3)

	dec.Gate <- struct{}{}
	if err := waitDone(t, h); err != nil {
		t.Fatalf("expected nil error after stop, got %v", err)
	}

	if got := dec.Accepted(); !slices.Equal(got, []int{1}) {
		t.Fatalf("expected only the in-flight frame to be accepted, got %v", got)
	}
	if s := h.Snapshot(); !s.HasPartial || s.Partial != "こん" {
		t.Fatalf("expected in-flight event to be folded, got %+v", s)
	}
	if dec.UsedAfterClose() {
		t.Fatal("decoder was used after close")
	}
	if dec.Closes() != 1 || session.Releases() != 1 {
		t.Fatalf("expected one close and one release, got %d and %d", dec.Closes(), session.Releases())
	}
	if h.State() != Terminated {
		t.Fatalf("expected terminated, got %s", h.State())
	}
}

func TestUpstreamStop_WithNoPendingFrameIsNotAnError(t *testing.T) {
	engine := recognizertest.NewEngine()
	session := audiotest.NewSession(testFrameBytes)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := startPipeline(t, engine, session, nil, m)

	session.EndUpstream()
	if err := waitDone(t, h); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if h.State() != Terminated || h.Reason() != ReasonUpstreamStopped {
		t.Fatalf("unexpected end state %s / %s", h.State(), h.Reason())
	}
	if engine.Decoder.Closes() != 1 || session.Releases() != 1 {
		t.Fatalf("expected resources released once, got %d and %d", engine.Decoder.Closes(), session.Releases())
	}
	if got := testutil.ToFloat64(m.Terminations.WithLabelValues("upstream_stopped")); got != 1 {
		t.Fatalf("expected termination to be counted, got %v", got)
	}
}

func TestStart_ModelLoadFailureReleasesSource(t *testing.T) {
	engine := recognizertest.NewEngine()
	engine.LoadErr = errors.New("graph directory missing")
	session := audiotest.NewSession(testFrameBytes)

	o := NewOrchestrator(engine, Config{}, nil)
	h, err := o.Start(context.Background(), StartRequest{Token: session.Token(), ModelID: "broken"})
	if !errors.Is(err, recognizer.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if h != nil {
		t.Fatal("expected no handle on prepare failure")
	}
	if session.Opens() != session.Releases() {
		t.Fatalf("source leaked: %d opens, %d releases", session.Opens(), session.Releases())
	}
}

func TestStart_CaptureFailureClosesRecognizer(t *testing.T) {
	engine := recognizertest.NewEngine()
	session := audiotest.NewSession(testFrameBytes)
	session.OpenErr = errors.New("consent revoked")

	o := NewOrchestrator(engine, Config{}, nil)
	_, err := o.Start(context.Background(), StartRequest{Token: session.Token(), ModelID: "m"})
	if !errors.Is(err, audio.ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
	if engine.Loads() != engine.Decoder.Closes() {
		t.Fatalf("recognizer leaked: %d loads, %d closes", engine.Loads(), engine.Decoder.Closes())
	}
}

func TestRecognitionFailure_SurfacedByWaitAndCaptionsKept(t *testing.T) {
	engine := recognizertest.NewEngine()
	var calls int
	engine.Decoder.DecodeFn = func(_ []byte) (recognizer.Hypothesis, error) {
		calls++
		if calls == 1 {
			return recognizer.Hypothesis{Text: "はい", Final: true}, nil
		}
		return recognizer.Hypothesis{}, errors.New("decoder state corrupt")
	}
	session := audiotest.NewSession(testFrameBytes)
	h := startPipeline(t, engine, session, nil, nil)

	session.PushFrame(1)
	deadline := time.Now().Add(2 * time.Second)
	for h.Snapshot().Total == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first caption never folded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	session.PushFrame(2)

	err := waitDone(t, h)
	if !errors.Is(err, recognizer.ErrRecognitionFailure) {
		t.Fatalf("expected ErrRecognitionFailure, got %v", err)
	}
	if h.Reason() != ReasonRecognitionFailure {
		t.Fatalf("expected recognition failure reason, got %s", h.Reason())
	}
	if got := h.Snapshot().Finalized; !slices.Equal(got, []string{"はい"}) {
		t.Fatalf("expected captions before failure to remain, got %v", got)
	}
	if session.Releases() != 1 {
		t.Fatalf("expected source released once, got %d", session.Releases())
	}
}

func TestTeardown_RacingTriggersRunOnce(t *testing.T) {
	engine := recognizertest.NewEngine(recognizer.Hypothesis{Text: "おはよう", Final: true})
	session := audiotest.NewSession(testFrameBytes)
	h := startPipeline(t, engine, session, nil, nil)

	session.PushFrame(1)
	deadline := time.Now().Add(2 * time.Second)
	for h.Snapshot().Total == 0 {
		if time.Now().After(deadline) {
			t.Fatal("caption never folded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	before := h.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(h.Stop)
	}
	wg.Go(session.EndUpstream)
	wg.Wait()

	if err := waitDone(t, h); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	h.Stop()
	if h.State() != Terminated {
		t.Fatalf("terminated must be absorbing, got %s", h.State())
	}
	if engine.Decoder.Closes() != 1 || session.Releases() != 1 || session.Stops() != 1 {
		t.Fatalf("expected single teardown, got %d closes, %d releases and %d stops", engine.Decoder.Closes(), session.Releases(), session.Stops())
	}
	after := h.Snapshot()
	if !slices.Equal(before.Finalized, after.Finalized) || after.Total != before.Total {
		t.Fatalf("teardown changed captions: %+v -> %+v", before, after)
	}
}

func TestStop_ReleasesCaptureAfterPendingReadReturns(t *testing.T) {
	engine := recognizertest.NewEngine()
	session := audiotest.NewSession(testFrameBytes)
	session.ReadDelayAfterStop = 50 * time.Millisecond
	h := startPipeline(t, engine, session, nil, nil)

	time.Sleep(20 * time.Millisecond)
	h.Stop()
	if err := waitDone(t, h); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if session.ReleasedDuringRead() {
		t.Fatal("capture handle released while a read was still in flight")
	}
	if session.Stops() != 1 {
		t.Fatalf("capture session stopped %d times, want exactly once", session.Stops())
	}
	if session.Releases() != 1 || engine.Decoder.Closes() != 1 {
		t.Fatalf("expected one release and one close, got %d and %d", session.Releases(), engine.Decoder.Closes())
	}
}

func TestConflation_RecognizerSeesNewestPendingFrame(t *testing.T) {
	engine := gatedEngine()
	dec := engine.Decoder
	session := audiotest.NewSession(testFrameBytes)
	h := startPipeline(t, engine, session, nil, nil)

	session.PushFrame(1)
	expectEntered(t, dec, 1)

	for i := 2; i <= 10; i++ {
		session.PushFrame(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Dropped() < 8 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 8 dropped frames, got %d", h.Dropped())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.slot.Len() > 1 {
		t.Fatalf("slot occupancy exceeded one: %d", h.slot.Len())
	}

	dec.Gate <- struct{}{}
	expectEntered(t, dec, 10)
	h.Stop()
	dec.Gate <- struct{}{}

	if err := waitDone(t, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Overlapped() {
		t.Fatal("accept ran concurrently")
	}
	if got := dec.Accepted(); !slices.Equal(got, []int{1, 10}) {
		t.Fatalf("expected accepted subsequence [1 10], got %v", got)
	}
}

func TestBlankHypothesis_DoesNotPublish(t *testing.T) {
	engine := gatedEngine(recognizer.Hypothesis{Text: "   "})
	dec := engine.Decoder
	session := audiotest.NewSession(testFrameBytes)
	sink := &recordingSink{}
	h := startPipeline(t, engine, session, sink, nil)

	session.PushFrame(1)
	expectEntered(t, dec, 1)
	h.Stop()
	dec.Gate <- struct{}{}

	if err := waitDone(t, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(sink.States()); n != 0 {
		t.Fatalf("expected no published states, got %d", n)
	}
	if s := h.Snapshot(); s.HasPartial || len(s.Finalized) != 0 {
		t.Fatalf("expected empty state, got %+v", s)
	}
}

func TestSinks_FanOutInOrder(t *testing.T) {
	var order []string
	sinks := Sinks{
		SinkFunc(func(caption.State) { order = append(order, "first") }),
		nil,
		SinkFunc(func(caption.State) { order = append(order, "second") }),
	}
	sinks.Publish(caption.Empty())
	if !slices.Equal(order, []string{"first", "second"}) {
		t.Fatalf("unexpected fan-out order: %v", order)
	}
}
