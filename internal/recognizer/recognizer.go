package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/foxseedlab/jimaku/internal/audio"
)

var (
	// ErrModelLoad means the model assets are missing or corrupt.
	ErrModelLoad = errors.New("model load failed")
	// ErrRecognitionFailure is a decoder-internal failure while accepting audio.
	ErrRecognitionFailure = errors.New("recognition failed")
)

type Kind int

const (
	Partial Kind = iota + 1
	Final
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return "unknown"
	}
}

// Event is one recognition result. A Final closes the utterance the preceding
// Partials were revising.
type Event struct {
	Kind Kind
	Text string
}

func PartialEvent(text string) Event { return Event{Kind: Partial, Text: text} }
func FinalEvent(text string) Event   { return Event{Kind: Final, Text: text} }

// Hypothesis is the raw output of a decoder for one chunk of audio.
type Hypothesis struct {
	Text  string
	Final bool
}

// Decoder is a loaded, stateful recognition backend. Decode is never called concurrently.
type Decoder interface {
	Decode(pcm []byte) (Hypothesis, error)
	Close() error
}

// Engine loads decoders for a model identifier.
type Engine interface {
	Name() string
	Load(ctx context.Context, modelID string, format audio.Format) (Decoder, error)
}

// Recognizer wraps a Decoder with the accept/close lifecycle used by the pipeline.
// Accept must be called from one goroutine at a time.
type Recognizer struct {
	modelID string
	format  audio.Format
	decoder Decoder

	closeOnce sync.Once
	closeErr  error
}

// Prepare loads modelID through engine. It is expensive and must not run on a
// latency-sensitive path.
func Prepare(ctx context.Context, engine Engine, modelID string, format audio.Format) (*Recognizer, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no recognizer engine configured", ErrModelLoad)
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("%w: model identifier is empty", ErrModelLoad)
	}
	dec, err := engine.Load(ctx, modelID, format)
	if err != nil {
		if errors.Is(err, ErrModelLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s model %q: %w", ErrModelLoad, engine.Name(), modelID, err)
	}
	return &Recognizer{modelID: modelID, format: format, decoder: dec}, nil
}

func (r *Recognizer) ModelID() string {
	return r.modelID
}

// Accept feeds one frame. It returns nil when the decoded text is blank.
func (r *Recognizer) Accept(frame audio.Frame) (*Event, error) {
	hyp, err := r.decoder.Decode(frame.PCM)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %w", ErrRecognitionFailure, frame.Seq, err)
	}
	text := strings.TrimSpace(hyp.Text)
	if text == "" {
		return nil, nil
	}
	kind := Partial
	if hyp.Final {
		kind = Final
	}
	return &Event{Kind: kind, Text: text}, nil
}

// Close releases the decoder. Later calls return the first result.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.decoder.Close()
	})
	return r.closeErr
}
