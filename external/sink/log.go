package sink

import (
	"log/slog"
	"sync"

	"github.com/foxseedlab/jimaku/internal/caption"
)

// LogSink writes each new finalized caption at info level and partials at debug.
type LogSink struct {
	logger *slog.Logger

	mu        sync.Mutex
	lastTotal int
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(state caption.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, text := range state.Since(s.lastTotal) {
		s.logger.Info("caption", "text", text, "total", state.Total)
	}
	s.lastTotal = state.Total
	if state.HasPartial {
		s.logger.Debug("caption partial", "text", state.Partial)
	}
}
