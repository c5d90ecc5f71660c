package caption

import (
	"sync/atomic"

	"github.com/foxseedlab/jimaku/internal/recognizer"
)

// DefaultMaxHistory is the number of finalized entries kept when no limit is configured.
const DefaultMaxHistory = 100

// State is an immutable caption snapshot: finalized transcripts in order plus at
// most one live partial. Total counts every Final ever folded, including ones
// truncated away, so consumers can tell which entries are new.
type State struct {
	Finalized  []string
	Partial    string
	HasPartial bool
	Total      int

	// tip marks the newest entry written to Finalized's backing array.
	tip *tipMarker
}

type tipMarker struct {
	last atomic.Pointer[string]
}

// Empty is the initial state.
func Empty() State {
	return State{}
}

// Latest returns the newest finalized entry.
func (s State) Latest() (string, bool) {
	if len(s.Finalized) == 0 {
		return "", false
	}
	return s.Finalized[len(s.Finalized)-1], true
}

// Since returns the finalized entries folded after a state whose Total was prev.
// Entries already truncated away are not returned.
func (s State) Since(prev int) []string {
	n := s.Total - prev
	if n <= 0 {
		return nil
	}
	if n > len(s.Finalized) {
		n = len(s.Finalized)
	}
	return s.Finalized[len(s.Finalized)-n:]
}

// Reduce folds ev into s. The history is never truncated here; see Aggregator.
// Folding never writes to entries visible through s or any earlier state. A
// Final appends in place when s is the newest state built on its storage, so a
// linear run of folds costs amortized constant time per entry.
func Reduce(s State, ev recognizer.Event) State {
	switch ev.Kind {
	case recognizer.Partial:
		s.Partial = ev.Text
		s.HasPartial = true
		return s
	case recognizer.Final:
		s = appendFinal(s, ev.Text)
		s.Partial = ""
		s.HasPartial = false
		s.Total++
		return s
	default:
		return s
	}
}

func appendFinal(s State, text string) State {
	n := len(s.Finalized)
	if s.tip != nil && n > 0 && n < cap(s.Finalized) {
		next := s.Finalized[:n+1]
		if s.tip.last.CompareAndSwap(&s.Finalized[n-1], &next[n]) {
			next[n] = text
			s.Finalized = next
			return s
		}
	}
	// Another state already extended this storage, or it is full.
	grown := make([]string, n+1, 2*n+1)
	copy(grown, s.Finalized)
	grown[n] = text
	s.tip = &tipMarker{}
	s.tip.last.Store(&grown[n])
	s.Finalized = grown
	return s
}

// Aggregator applies Reduce with a history cap. The zero value keeps every entry.
// A capped history reslices the newest entries, so storage stays within a small
// multiple of MaxHistory.
type Aggregator struct {
	MaxHistory int
}

func NewAggregator(maxHistory int) Aggregator {
	return Aggregator{MaxHistory: maxHistory}
}

func (a Aggregator) Apply(s State, ev recognizer.Event) State {
	next := Reduce(s, ev)
	if a.MaxHistory > 0 && len(next.Finalized) > a.MaxHistory {
		next.Finalized = next.Finalized[len(next.Finalized)-a.MaxHistory:]
	}
	return next
}
