package session

import (
	"testing"
	"time"

	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/recognizer"
)

func TestRecorder_StampsFinalsWhenPublished(t *testing.T) {
	repo := &mockRepository{}
	dc := &mockDiscordClient{}
	r := newRecorder(repo, dc, "session-1", "text-1")

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	r.clock = func() time.Time { return now }

	var agg caption.Aggregator
	first := agg.Apply(caption.Empty(), recognizer.FinalEvent("おはよう"))
	r.Publish(first)
	now = base.Add(3 * time.Second)
	partial := agg.Apply(first, recognizer.PartialEvent("こん"))
	r.Publish(partial)
	second := agg.Apply(partial, recognizer.FinalEvent("こんにちは"))
	r.Publish(second)

	// The worker only starts now, so it sees a conflated snapshot well after both finals.
	now = base.Add(time.Minute)
	go r.run()
	r.flush(second)

	inserts := repo.inserts()
	if len(inserts) != 2 {
		t.Fatalf("expected two segments, got %+v", inserts)
	}
	if !inserts[0].SpokenAt.Equal(base) {
		t.Fatalf("expected first segment spoken at %v, got %v", base, inserts[0].SpokenAt)
	}
	if want := base.Add(3 * time.Second); !inserts[1].SpokenAt.Equal(want) {
		t.Fatalf("expected second segment spoken at %v, got %v", want, inserts[1].SpokenAt)
	}
	if inserts[0].SegmentIndex != 0 || inserts[1].SegmentIndex != 1 {
		t.Fatalf("unexpected segment indexes: %d, %d", inserts[0].SegmentIndex, inserts[1].SegmentIndex)
	}
	if len(r.spokenAt) != 0 {
		t.Fatalf("expected recorded stamps to be forgotten, %d left", len(r.spokenAt))
	}
}
