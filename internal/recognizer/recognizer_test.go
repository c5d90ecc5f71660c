package recognizer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/recognizer"
	"github.com/foxseedlab/jimaku/internal/recognizer/recognizertest"
)

func TestPrepare_WrapsLoadErrorAsModelLoad(t *testing.T) {
	engine := recognizertest.NewEngine()
	engine.LoadErr = errors.New("missing am directory")

	_, err := recognizer.Prepare(context.Background(), engine, "vosk-model-ja", audio.DefaultFormat())
	if !errors.Is(err, recognizer.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
}

func TestPrepare_RejectsEmptyModelID(t *testing.T) {
	engine := recognizertest.NewEngine()

	_, err := recognizer.Prepare(context.Background(), engine, "  ", audio.DefaultFormat())
	if !errors.Is(err, recognizer.ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
	if engine.Loads() != 0 {
		t.Fatalf("expected engine not to be called, got %d loads", engine.Loads())
	}
}

func TestAccept_TagsPartialAndFinal(t *testing.T) {
	engine := recognizertest.NewEngine(
		recognizer.Hypothesis{Text: "こん"},
		recognizer.Hypothesis{Text: "こんにちは", Final: true},
	)
	rec, err := recognizer.Prepare(context.Background(), engine, "m", audio.DefaultFormat())
	if err != nil {
		t.Fatalf("unexpected prepare error: %v", err)
	}
	defer rec.Close()

	ev, err := rec.Accept(audio.Frame{Seq: 1, PCM: make([]byte, 640)})
	if err != nil || ev == nil {
		t.Fatalf("expected partial event, got %v, %v", ev, err)
	}
	if ev.Kind != recognizer.Partial || ev.Text != "こん" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, err = rec.Accept(audio.Frame{Seq: 2, PCM: make([]byte, 640)})
	if err != nil || ev == nil {
		t.Fatalf("expected final event, got %v, %v", ev, err)
	}
	if ev.Kind != recognizer.Final || ev.Text != "こんにちは" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAccept_BlankHypothesisYieldsNoEvent(t *testing.T) {
	engine := recognizertest.NewEngine(
		recognizer.Hypothesis{Text: ""},
		recognizer.Hypothesis{Text: " \t\n", Final: true},
		recognizer.Hypothesis{Text: "　"},
	)
	rec, err := recognizer.Prepare(context.Background(), engine, "m", audio.DefaultFormat())
	if err != nil {
		t.Fatalf("unexpected prepare error: %v", err)
	}
	defer rec.Close()

	for i := 0; i < 3; i++ {
		ev, err := rec.Accept(audio.Frame{Seq: uint64(i + 1), PCM: make([]byte, 640)})
		if err != nil {
			t.Fatalf("unexpected accept error: %v", err)
		}
		if ev != nil {
			t.Fatalf("expected no event for blank hypothesis %d, got %+v", i, ev)
		}
	}
}

func TestAccept_DecoderErrorIsRecognitionFailure(t *testing.T) {
	engine := recognizertest.NewEngine()
	engine.Decoder.DecodeFn = func(_ []byte) (recognizer.Hypothesis, error) {
		return recognizer.Hypothesis{}, errors.New("decoder crashed")
	}
	rec, err := recognizer.Prepare(context.Background(), engine, "m", audio.DefaultFormat())
	if err != nil {
		t.Fatalf("unexpected prepare error: %v", err)
	}
	defer rec.Close()

	if _, err := rec.Accept(audio.Frame{Seq: 1, PCM: make([]byte, 640)}); !errors.Is(err, recognizer.ErrRecognitionFailure) {
		t.Fatalf("expected ErrRecognitionFailure, got %v", err)
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	engine := recognizertest.NewEngine()
	rec, err := recognizer.Prepare(context.Background(), engine, "m", audio.DefaultFormat())
	if err != nil {
		t.Fatalf("unexpected prepare error: %v", err)
	}
	_ = rec.Close()
	_ = rec.Close()
	if engine.Decoder.Closes() != 1 {
		t.Fatalf("expected decoder to close once, got %d", engine.Decoder.Closes())
	}
}
