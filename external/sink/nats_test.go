package sink

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

type published struct {
	subject string
	msg     CaptionMessage
}

type fakePublisher struct {
	messages []published
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	var msg CaptionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.messages = append(f.messages, published{subject: subject, msg: msg})
	return nil
}

func newTestNATSSink(pub Publisher) *NATSSink {
	s := NewNATSSink(pub, "jimaku.caption", "session-1")
	s.clock = func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestNATSSink_PublishesPartialsAndFinalsOnce(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestNATSSink(pub)
	agg := caption.NewAggregator(0)
	state := caption.Empty()

	for _, ev := range []recognizer.Event{
		{Kind: recognizer.Partial, Text: "こん"},
		{Kind: recognizer.Partial, Text: "こん"},
		{Kind: recognizer.Final, Text: "こんにちは"},
		{Kind: recognizer.Partial, Text: "げん"},
	} {
		state = agg.Apply(state, ev)
		s.Publish(state)
	}

	want := []published{
		{subject: "jimaku.caption.partial", msg: CaptionMessage{Text: "こん"}},
		{subject: "jimaku.caption.final", msg: CaptionMessage{Text: "こんにちは", Final: true}},
		{subject: "jimaku.caption.partial", msg: CaptionMessage{Text: "げん"}},
	}
	if len(pub.messages) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), pub.messages)
	}
	for i, w := range want {
		got := pub.messages[i]
		if got.subject != w.subject || got.msg.Text != w.msg.Text || got.msg.Final != w.msg.Final {
			t.Fatalf("message %d: expected %+v, got %+v", i, w, got)
		}
		if got.msg.SessionID != "session-1" {
			t.Fatalf("unexpected session id: %s", got.msg.SessionID)
		}
	}
}

func TestNATSSink_PublishesEveryFinalAfterTruncation(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestNATSSink(pub)

	s.Publish(caption.State{Finalized: []string{"b", "c"}, Total: 3})

	if len(pub.messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", pub.messages)
	}
	if pub.messages[0].msg.Text != "b" || pub.messages[0].msg.Index != 1 {
		t.Fatalf("unexpected first message: %+v", pub.messages[0])
	}
	if pub.messages[1].msg.Text != "c" || pub.messages[1].msg.Index != 2 {
		t.Fatalf("unexpected second message: %+v", pub.messages[1])
	}
}

func TestNATSSink_PublishErrorDoesNotPanic(t *testing.T) {
	s := newTestNATSSink(&fakePublisher{err: errors.New("nats: connection closed")})
	s.Publish(caption.State{Finalized: []string{"a"}, Total: 1})
}
