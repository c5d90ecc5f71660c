package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository stores sessions in a single local database file. Timestamps
// are kept as RFC 3339 text in UTC.
type SQLiteRepository struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and runs the
// migration. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := RunSQLiteMigration(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return &SQLiteRepository{db: db, clock: time.Now}, nil
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	s := &repository.Session{
		ID:        uuid.NewString(),
		GuildID:   input.GuildID,
		ChannelID: input.ChannelID,
		ModelID:   input.ModelID,
		StartedAt: input.StartedAt,
		Status:    repository.SessionStatusRunning,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, guild_id, channel_id, model_id, started_at, status)
		 VALUES (?, ?, ?, ?, ?, 'running')`,
		s.ID, s.GuildID, s.ChannelID, s.ModelID, formatSQLiteTime(s.StartedAt))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SQLiteRepository) CompleteSession(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = ?, stop_reason = ? WHERE id = ?`,
		formatSQLiteTime(input.EndedAt), input.StopReason, input.SessionID)
	return err
}

func (r *SQLiteRepository) GetRunningSessionByChannel(ctx context.Context, guildID, channelID string) (*repository.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, guild_id, channel_id, model_id, started_at, ended_at, status, stop_reason
		 FROM sessions WHERE guild_id = ? AND channel_id = ? AND status = 'running'
		 LIMIT 1`,
		guildID, channelID)
	var (
		s         repository.Session
		startedAt string
		endedAt   sql.NullString
		status    string
	)
	err := row.Scan(&s.ID, &s.GuildID, &s.ChannelID, &s.ModelID, &startedAt, &endedAt, &status, &s.StopReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.StartedAt, err = parseSQLiteTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseSQLiteTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	s.Status = repository.SessionStatus(status)
	return &s, nil
}

func (r *SQLiteRepository) InsertSegment(ctx context.Context, input repository.InsertSegmentInput) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO caption_segments (id, session_id, content, segment_index, spoken_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), input.SessionID, input.Content, input.SegmentIndex,
		formatSQLiteTime(input.SpokenAt), formatSQLiteTime(r.clock()))
	return err
}

func (r *SQLiteRepository) ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]repository.CaptionSegment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, content, segment_index, spoken_at, created_at
		 FROM caption_segments WHERE session_id = ? ORDER BY segment_index ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []repository.CaptionSegment
	for rows.Next() {
		var (
			seg       repository.CaptionSegment
			spokenAt  string
			createdAt string
		)
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Content, &seg.SegmentIndex, &spokenAt, &createdAt); err != nil {
			return nil, err
		}
		if seg.SpokenAt, err = parseSQLiteTime(spokenAt); err != nil {
			return nil, err
		}
		if seg.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
