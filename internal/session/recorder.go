package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/pipeline"
	"github.com/foxseedlab/jimaku/internal/repository"
)

const recordTimeout = 10 * time.Second

// recorder is the session's caption sink. Publish only stamps new finals and
// parks the newest state in a slot so the recognition lane never waits on
// Discord or the database; a worker persists and posts every finalized caption
// not seen yet.
type recorder struct {
	repo      repository.CaptionRepository
	discord   discord.Client
	sessionID string
	channelID string
	clock     func() time.Time

	slot      *pipeline.Slot[caption.State]
	lastTotal int
	done      chan struct{}

	// spokenAt holds the publish time of each final by segment index until
	// the worker records it.
	mu             sync.Mutex
	spokenAt       map[int]time.Time
	publishedTotal int
}

func newRecorder(repo repository.CaptionRepository, dc discord.Client, sessionID, channelID string) *recorder {
	return &recorder{
		repo:      repo,
		discord:   dc,
		sessionID: sessionID,
		channelID: channelID,
		clock:     time.Now,
		slot:      pipeline.NewSlot[caption.State](),
		done:      make(chan struct{}),
		spokenAt:  make(map[int]time.Time),
	}
}

func (r *recorder) Publish(state caption.State) {
	r.mu.Lock()
	if state.Total > r.publishedTotal {
		now := r.clock()
		for i := r.publishedTotal; i < state.Total; i++ {
			r.spokenAt[i] = now
		}
		r.publishedTotal = state.Total
	}
	r.mu.Unlock()
	r.slot.Put(state)
}

// takeSpokenAt returns when the final at index was published and forgets every
// stamp up to it. Finals never published fall back to the current time.
func (r *recorder) takeSpokenAt(index int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.spokenAt[index]
	for i := range r.spokenAt {
		if i <= index {
			delete(r.spokenAt, i)
		}
	}
	if !ok {
		return r.clock()
	}
	return at
}

func (r *recorder) run() {
	defer close(r.done)
	for {
		state, ok := r.slot.Take(context.Background())
		if !ok {
			return
		}
		r.record(state)
	}
}

// flush stops the worker and records whatever final state it had not reached.
func (r *recorder) flush(final caption.State) {
	r.slot.Close()
	<-r.done
	r.record(final)
}

func (r *recorder) record(state caption.State) {
	fresh := state.Since(r.lastTotal)
	first := state.Total - len(fresh)
	if state.Total > r.lastTotal {
		r.lastTotal = state.Total
	}
	for i, text := range fresh {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := r.repo.InsertSegment(ctx, repository.InsertSegmentInput{
			SessionID:    r.sessionID,
			Content:      text,
			SegmentIndex: first + i,
			SpokenAt:     r.takeSpokenAt(first + i),
		})
		cancel()
		if err != nil {
			slog.Error("failed to insert caption segment", "error", err, "session_id", r.sessionID)
			continue
		}
		if err := r.discord.SendChannelMessage(r.channelID, text); err != nil {
			slog.Error("failed to post caption message", "error", err, "session_id", r.sessionID)
		}
	}
}
