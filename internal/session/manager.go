package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/jimaku/internal/audio"
	"github.com/foxseedlab/jimaku/internal/caption"
	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/pipeline"
	"github.com/foxseedlab/jimaku/internal/recognizer"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/foxseedlab/jimaku/internal/webhook"
)

const (
	sessionStartTimeout = 30 * time.Second
	finalizeTimeout     = 30 * time.Second
)

var errAlreadyRunning = errors.New("captioning is already running in this voice channel")

// VoiceOpenerFactory builds the capture opener for a joined voice channel.
type VoiceOpenerFactory func(voice discord.VoiceConnection) audio.Opener

// PipelineStarter starts one caption pipeline.
type PipelineStarter interface {
	Start(ctx context.Context, req pipeline.StartRequest) (*pipeline.Handle, error)
}

type participantState struct {
	isBot bool
}

type runningSession struct {
	repoSession        *repository.Session
	voice              discord.VoiceConnection
	handle             *pipeline.Handle
	recorder           *recorder
	maxTimer           *time.Timer
	activeParticipants map[string]participantState
}

// Manager hosts caption pipelines for Discord voice channels. A session starts
// with the start slash command and ends on the stop command, the maximum
// duration, the last participant leaving, the bot being removed, or a pipeline
// failure. Every ended session is finalized exactly once.
type Manager struct {
	cfg       *config.Config
	repo      repository.Repository
	discord   discord.Client
	pipelines PipelineStarter
	webhook   webhook.Sender
	newOpener VoiceOpenerFactory

	location    *time.Location
	maxDuration time.Duration
	clock       func() time.Time

	mu         sync.Mutex
	sessions   map[string]*runningSession
	starting   map[string]struct{}
	botUserID  string
	finalizing sync.WaitGroup
}

func NewManager(cfg *config.Config, repo repository.Repository, dc discord.Client, pipelines PipelineStarter, wh webhook.Sender, newOpener VoiceOpenerFactory) *Manager {
	loc, err := time.LoadLocation(cfg.TranscriptTimezone)
	if err != nil {
		slog.Warn("invalid transcript timezone; falling back to UTC", "timezone", cfg.TranscriptTimezone, "error", err)
		loc = time.UTC
	}
	return &Manager{
		cfg:         cfg,
		repo:        repo,
		discord:     dc,
		pipelines:   pipelines,
		webhook:     wh,
		newOpener:   newOpener,
		location:    loc,
		maxDuration: cfg.MaxCaptionDuration(),
		clock:       time.Now,
		sessions:    make(map[string]*runningSession),
		starting:    make(map[string]struct{}),
	}
}

func SlashCommandDefinitions() []discord.SlashCommandDefinition {
	return []discord.SlashCommandDefinition{
		{Name: commandJimaku, Description: slashCommandStartDescription},
		{Name: commandJimakuStop, Description: slashCommandStopDescription},
	}
}

func (m *Manager) SetBotUserID(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = userID
}

func (m *Manager) botID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

func (m *Manager) sessionKey(guildID, channelID string) string {
	return guildID + ":" + channelID
}

// IsRunning reports whether a session is captioning the channel.
func (m *Manager) IsRunning(guildID, channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[m.sessionKey(guildID, channelID)]
	return ok
}

func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) HandleSlashCommand(event discord.SlashCommandEvent) {
	respond := func(content string) {
		if event.RespondEphemeral == nil {
			return
		}
		if err := event.RespondEphemeral(content); err != nil {
			slog.Error("failed to respond to slash command", "error", err, "command", event.CommandName)
		}
	}
	if event.GuildID != m.cfg.DiscordGuildID {
		respond(messageEphemeralWrongGuild)
		return
	}
	if event.CommandName != commandJimaku && event.CommandName != commandJimakuStop {
		respond(messageEphemeralUnknownCommand)
		return
	}

	channelID, err := m.discord.GetUserVoiceChannelID(event.GuildID, event.UserID)
	if err != nil {
		slog.Error("failed to resolve user voice channel", "error", err, "guild_id", event.GuildID, "user_id", event.UserID)
		respond(messageEphemeralVoiceLookupFailed)
		return
	}
	if channelID == "" {
		respond(messageEphemeralJoinVCFirst)
		return
	}

	switch event.CommandName {
	case commandJimaku:
		if err := m.startSession(event.GuildID, channelID, event.UserID); err != nil {
			if errors.Is(err, errAlreadyRunning) {
				respond(messageEphemeralAlreadyRunning)
				return
			}
			slog.Error("failed to start session", "error", err, "guild_id", event.GuildID, "channel_id", channelID)
			respond(messageEphemeralStartFailed)
			return
		}
		respond(m.startEphemeralMessage(channelID))
	case commandJimakuStop:
		if !m.stopSession(event.GuildID, channelID, stopReasonManualSlash) {
			respond(messageEphemeralNotRunning)
			return
		}
		respond(m.stopEphemeralMessage(channelID))
	}
}

func (m *Manager) HandleVoiceStateUpdate(event discord.VoiceStateEvent) {
	if event.GuildID != m.cfg.DiscordGuildID {
		slog.Debug("ignoring voice event for different guild", "event_guild_id", event.GuildID)
		return
	}
	if event.BeforeChannelID == event.AfterChannelID {
		return
	}
	slog.Debug("voice state update received", "guild_id", event.GuildID, "user_id", event.UserID, "before_channel_id", event.BeforeChannelID, "after_channel_id", event.AfterChannelID)

	if botID := m.botID(); botID != "" && event.UserID == botID {
		// The bot is in at most one channel per guild; any session elsewhere lost its connection.
		for _, channelID := range m.runningChannels(event.GuildID) {
			if channelID != event.AfterChannelID {
				m.stopSession(event.GuildID, channelID, stopReasonBotRemoved)
			}
		}
		return
	}

	if event.AfterChannelID != "" {
		m.addParticipant(event.GuildID, event.AfterChannelID, event.UserID, event.UserIsBot)
	}
	// BeforeChannelID may be empty when the cache was cold, so check every session.
	for _, channelID := range m.runningChannels(event.GuildID) {
		if channelID != event.AfterChannelID {
			m.removeParticipantAndMaybeStop(event.GuildID, channelID, event.UserID)
		}
	}
}

func (m *Manager) runningChannels(guildID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var channels []string
	for _, rs := range m.sessions {
		if rs.repoSession.GuildID == guildID {
			channels = append(channels, rs.repoSession.ChannelID)
		}
	}
	return channels
}

func (m *Manager) shouldCountLifecycleParticipant(userID string, isBot bool) bool {
	if userID == "" || userID == m.botID() {
		return false
	}
	if isBot {
		return m.cfg.DiscordCountOtherBots
	}
	return true
}

func (m *Manager) addParticipant(guildID, channelID, userID string, isBot bool) {
	if !m.shouldCountLifecycleParticipant(userID, isBot) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.sessions[m.sessionKey(guildID, channelID)]
	if !ok {
		return
	}
	rs.activeParticipants[userID] = participantState{isBot: isBot}
}

// removeParticipantAndMaybeStop stops the session once no counted participant remains.
func (m *Manager) removeParticipantAndMaybeStop(guildID, channelID, userID string) bool {
	m.mu.Lock()
	rs, ok := m.sessions[m.sessionKey(guildID, channelID)]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, active := rs.activeParticipants[userID]; !active {
		m.mu.Unlock()
		return false
	}
	delete(rs.activeParticipants, userID)
	remaining := len(rs.activeParticipants)
	m.mu.Unlock()

	slog.Info("participant left captioned channel", "session_id", rs.repoSession.ID, "user_id", userID, "remaining", remaining)
	if remaining > 0 {
		return false
	}
	return m.stopSession(guildID, channelID, stopReasonParticipantsLeft)
}

func (m *Manager) initialParticipants(guildID, channelID, invokerID string) map[string]participantState {
	participants := map[string]participantState{}
	if m.shouldCountLifecycleParticipant(invokerID, false) {
		participants[invokerID] = participantState{}
	}
	list, err := m.discord.ListVoiceChannelParticipants(guildID, channelID)
	if err != nil {
		slog.Warn("failed to list voice channel participants", "error", err, "channel_id", channelID)
		return participants
	}
	for _, p := range list {
		if m.shouldCountLifecycleParticipant(p.UserID, p.IsBot) {
			participants[p.UserID] = participantState{isBot: p.IsBot}
		}
	}
	return participants
}

func (m *Manager) startSession(guildID, channelID, userID string) error {
	key := m.sessionKey(guildID, channelID)
	m.mu.Lock()
	_, running := m.sessions[key]
	_, starting := m.starting[key]
	if running || starting {
		m.mu.Unlock()
		return errAlreadyRunning
	}
	m.starting[key] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, key)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sessionStartTimeout)
	defer cancel()
	logger := slog.With("guild_id", guildID, "channel_id", channelID)

	orphan, err := m.repo.GetRunningSessionByChannel(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("query running session: %w", err)
	}
	if orphan != nil {
		logger.Warn("found orphan running session in repository; closing and continuing", "session_id", orphan.ID)
		if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
			SessionID:  orphan.ID,
			EndedAt:    m.clock(),
			StopReason: stopReasonUnknownError,
		}); err != nil {
			return fmt.Errorf("complete orphan session: %w", err)
		}
	}

	voice, err := m.discord.JoinVoiceChannel(guildID, channelID)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	created, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
		GuildID:   guildID,
		ChannelID: channelID,
		ModelID:   m.cfg.ModelID,
		StartedAt: m.clock(),
	})
	if err != nil {
		m.disconnect(voice, "")
		return fmt.Errorf("create session: %w", err)
	}
	logger = logger.With("session_id", created.ID)

	rec := newRecorder(m.repo, m.discord, created.ID, channelID)
	handle, err := m.pipelines.Start(ctx, pipeline.StartRequest{
		SessionID: created.ID,
		Token:     audio.NewToken("discord:"+channelID, m.newOpener(voice)),
		ModelID:   m.cfg.ModelID,
		Sink:      rec,
	})
	if err != nil {
		m.disconnect(voice, created.ID)
		reason := stopReasonUnknownError
		switch {
		case errors.Is(err, recognizer.ErrModelLoad):
			reason = stopReasonRecognitionFailure
		case errors.Is(err, audio.ErrCaptureUnavailable):
			reason = stopReasonCaptureFailure
		}
		if cerr := m.repo.CompleteSession(context.WithoutCancel(ctx), repository.CompleteSessionInput{
			SessionID:  created.ID,
			EndedAt:    m.clock(),
			StopReason: reason,
		}); cerr != nil {
			logger.Error("failed to complete session after start failure", "error", cerr)
		}
		return fmt.Errorf("start caption pipeline: %w", err)
	}

	rs := &runningSession{
		repoSession:        created,
		voice:              voice,
		handle:             handle,
		recorder:           rec,
		activeParticipants: m.initialParticipants(guildID, channelID, userID),
	}
	m.mu.Lock()
	if m.maxDuration > 0 {
		rs.maxTimer = time.AfterFunc(m.maxDuration, func() {
			m.stopSessionIf(guildID, channelID, created.ID, stopReasonMaxDuration)
		})
	}
	m.sessions[key] = rs
	m.mu.Unlock()
	logger.Info("session activated", "participants", len(rs.activeParticipants), "max_duration", m.maxDuration.String())

	go m.runSessionWorker(guildID, channelID, created.ID, "caption_recorder", rec.run)
	go m.runSessionWorker(guildID, channelID, created.ID, "pipeline_watch", func() {
		<-handle.Done()
		m.stopSessionIf(guildID, channelID, created.ID, pipelineStopReason(handle.Reason()))
	})

	if err := m.discord.SendChannelMessage(channelID, m.startChannelMessage()); err != nil {
		logger.Error("failed to post start message", "error", err)
	}
	return nil
}

// pipelineStopReason maps a pipeline that ended on its own to a stop reason.
// A lost voice connection surfaces as an upstream stop.
func pipelineStopReason(reason pipeline.Reason) string {
	switch reason {
	case pipeline.ReasonUpstreamStopped:
		return stopReasonBotRemoved
	case pipeline.ReasonRecognitionFailure:
		return stopReasonRecognitionFailure
	case pipeline.ReasonCaptureFailure:
		return stopReasonCaptureFailure
	default:
		return stopReasonUnknownError
	}
}

// runSessionWorker runs fn and stops the session with an unknown error if fn panics.
func (m *Manager) runSessionWorker(guildID, channelID, sessionID, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session worker panicked", "worker", name, "session_id", sessionID, "panic", fmt.Sprint(r))
			m.stopSessionIf(guildID, channelID, sessionID, stopReasonUnknownError)
		}
	}()
	fn()
}

func (m *Manager) stopSession(guildID, channelID, reason string) bool {
	return m.stopSessionIf(guildID, channelID, "", reason)
}

// stopSessionIf detaches the running session of the channel, when its ID
// matches sessionID or sessionID is empty, and finalizes it in the background.
// Only the first stop of a session has any effect.
func (m *Manager) stopSessionIf(guildID, channelID, sessionID, reason string) bool {
	key := m.sessionKey(guildID, channelID)
	m.mu.Lock()
	rs, ok := m.sessions[key]
	if !ok || (sessionID != "" && rs.repoSession.ID != sessionID) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, key)
	m.finalizing.Add(1)
	m.mu.Unlock()

	slog.Info("stopping session", "session_id", rs.repoSession.ID, "channel_id", channelID, "reason", reason)
	if rs.maxTimer != nil {
		rs.maxTimer.Stop()
	}
	if rs.handle != nil {
		rs.handle.Stop()
	}
	go func() {
		defer m.finalizing.Done()
		m.finalizeSession(rs, reason)
	}()
	return true
}

// StopAllSessions stops every running session and returns how many were stopped.
func (m *Manager) StopAllSessions(reason string) int {
	m.mu.Lock()
	sessions := make([]*repository.Session, 0, len(m.sessions))
	for _, rs := range m.sessions {
		sessions = append(sessions, rs.repoSession)
	}
	m.mu.Unlock()

	count := 0
	for _, s := range sessions {
		if m.stopSessionIf(s.GuildID, s.ChannelID, s.ID, reason) {
			count++
		}
	}
	return count
}

// Shutdown stops all sessions and waits until they are finalized or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	n := m.StopAllSessions(stopReasonServerClosed)
	slog.Info("stopping all sessions", "count", n)
	done := make(chan struct{})
	go func() {
		m.finalizing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) finalizeSession(rs *runningSession, reason string) {
	s := rs.repoSession
	logger := slog.With("session_id", s.ID, "channel_id", s.ChannelID)

	final := caption.Empty()
	if rs.handle != nil {
		if err := rs.handle.Wait(); err != nil {
			logger.Warn("caption pipeline ended with error", "error", err)
		}
		final = rs.handle.Snapshot()
	}
	if rs.recorder != nil {
		rs.recorder.flush(final)
	}
	m.disconnect(rs.voice, s.ID)
	endedAt := m.clock()

	if err := m.discord.SendChannelMessage(s.ChannelID, m.stopChannelMessage(reason)); err != nil {
		logger.Error("failed to post stop message", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	segments, err := m.repo.ListSegmentsBySessionID(ctx, s.ID)
	if err != nil {
		logger.Error("failed to list caption segments", "error", err)
	}
	tr := transcript{
		SessionID:  s.ID,
		ModelID:    s.ModelID,
		Channel:    m.discord.ResolveChannelInfo(ctx, s.GuildID, s.ChannelID),
		StartedAt:  s.StartedAt,
		EndedAt:    endedAt,
		StopReason: reason,
		Timezone:   m.cfg.TranscriptTimezone,
		Location:   m.location,
		Segments:   segments,
	}
	if err := m.discord.SendChannelMessageWithFile(discord.FileMessage{
		ChannelID: s.ChannelID,
		Content:   m.transcriptAttachmentMessage(),
		Filename:  tr.filename(),
		FileBody:  tr.text(),
	}); err != nil {
		logger.Error("failed to attach transcript", "error", err)
	}
	if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:  s.ID,
		EndedAt:    endedAt,
		StopReason: reason,
	}); err != nil {
		logger.Error("failed to complete session", "error", err)
	}
	if err := m.webhook.SendTranscript(ctx, tr.webhookPayload()); err != nil {
		logger.Error("failed to send webhook transcript", "error", err)
	}
	logger.Info("session finalized", "reason", reason, "segments", len(segments))
}

func (m *Manager) disconnect(voice discord.VoiceConnection, sessionID string) {
	if voice == nil {
		return
	}
	if err := voice.Disconnect(); err != nil {
		slog.Warn("failed to disconnect voice channel", "error", err, "session_id", sessionID)
	}
}

func (m *Manager) startChannelMessage() string {
	return strings.Join([]string{messageStartChannelTitle, messageStartChannelHint, messagePoweredByLine}, "\n")
}

func (m *Manager) stopChannelMessage(reason string) string {
	restart := messageStopRestart
	if stopReasonNeedsRestartAgain(reason) {
		restart = messageStopRestartAgain
	}
	return strings.Join([]string{messageStopChannelTitle, "-# " + stopReasonDetail(reason) + restart}, "\n")
}

func (m *Manager) transcriptAttachmentMessage() string {
	return strings.Join([]string{messageAttachmentTitle, messagePoweredByLine}, "\n")
}

func (m *Manager) startEphemeralMessage(channelID string) string {
	return strings.Join([]string{startEphemeralTitle(channelID), messageStartEphemeralSecondLine, messageStartEphemeralHint}, "\n")
}

func (m *Manager) stopEphemeralMessage(channelID string) string {
	return strings.Join([]string{stopEphemeralTitle(channelID), messageStopEphemeralHint}, "\n")
}
