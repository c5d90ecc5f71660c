package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/nats-io/nats.go"
)

const natsConnectTimeout = 5 * time.Second

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type CaptionMessage struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSSink publishes caption updates on <prefix>.partial and <prefix>.final.
// Each finalized entry is published once, in order; a partial is published
// whenever its text changes.
type NATSSink struct {
	conn      Publisher
	prefix    string
	sessionID string
	clock     func() time.Time

	mu          sync.Mutex
	lastTotal   int
	lastPartial string
}

func NewNATSSink(conn Publisher, prefix, sessionID string) *NATSSink {
	return &NATSSink{
		conn:      conn,
		prefix:    prefix,
		sessionID: sessionID,
		clock:     time.Now,
	}
}

func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("jimaku"),
		nats.Timeout(natsConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "url", url)
	return conn, nil
}

func (s *NATSSink) Publish(state caption.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	fresh := state.Since(s.lastTotal)
	first := state.Total - len(fresh)
	for i, text := range fresh {
		s.send(s.prefix+".final", CaptionMessage{
			SessionID: s.sessionID,
			Text:      text,
			Final:     true,
			Index:     first + i,
			Timestamp: now,
		})
	}
	if state.Total > s.lastTotal {
		s.lastTotal = state.Total
		s.lastPartial = ""
	}

	if state.HasPartial && state.Partial != s.lastPartial {
		s.lastPartial = state.Partial
		s.send(s.prefix+".partial", CaptionMessage{
			SessionID: s.sessionID,
			Text:      state.Partial,
			Timestamp: now,
		})
	}
}

func (s *NATSSink) send(subject string, msg CaptionMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal caption message", "error", err)
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		slog.Warn("failed to publish caption message", "subject", subject, "error", err)
	}
}
