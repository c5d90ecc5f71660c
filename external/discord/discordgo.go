package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/foxseedlab/jimaku/internal/discord"
)

// Client is the discordgo implementation of discord.Client. Lookups try the
// gateway state cache first and fall back to REST, since the cache is cold
// right after startup.
type Client struct {
	session   *discordgo.Session
	token     string
	botUserID string
}

func NewClient(token string) *Client {
	return &Client{token: token}
}

func (c *Client) Connect(_ context.Context) error {
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates)
	s.State.TrackVoice = true
	c.session = s
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	if _, err := c.GetBotUserID(); err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

func (c *Client) JoinVoiceChannel(guildID, channelID string) (discordpkg.VoiceConnection, error) {
	// Unmuted and undeafened: the bot only listens.
	vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}
	return newVoiceConnection(vc), nil
}

func (c *Client) SendChannelMessage(channelID, content string) error {
	_, err := c.session.ChannelMessageSend(channelID, content)
	return err
}

func (c *Client) SendChannelMessageWithFile(msg discordpkg.FileMessage) error {
	_, err := c.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content: msg.Content,
		Files: []*discordgo.File{{
			Name:        msg.Filename,
			ContentType: "text/plain",
			Reader:      bytes.NewReader(msg.FileBody),
		}},
	})
	return err
}

func (c *Client) RegisterVoiceStateUpdateHandler(handler func(discordpkg.VoiceStateEvent)) {
	c.session.AddHandler(func(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		event, ok := voiceStateEvent(vs)
		if !ok {
			return
		}
		event.UserIsBot = c.resolveUserIsBot(vs.GuildID, vs.UserID, vs.VoiceState)
		handler(event)
	})
}

// voiceStateEvent converts a gateway update; ok is false for updates that do
// not move a known user between channels.
func voiceStateEvent(vs *discordgo.VoiceStateUpdate) (discordpkg.VoiceStateEvent, bool) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID == "" || vs.UserID == "" {
		return discordpkg.VoiceStateEvent{}, false
	}
	before := ""
	if vs.BeforeUpdate != nil {
		before = vs.BeforeUpdate.ChannelID
	}
	if before == vs.ChannelID && before != "" {
		return discordpkg.VoiceStateEvent{}, false
	}
	return discordpkg.VoiceStateEvent{
		GuildID:         vs.GuildID,
		UserID:          vs.UserID,
		BeforeChannelID: before,
		AfterChannelID:  vs.ChannelID,
	}, true
}

func (c *Client) RegisterSlashCommandHandler(handler func(discordpkg.SlashCommandEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		event, ok := slashCommandEvent(ic)
		if !ok {
			return
		}
		logger := slog.With("guild_id", event.GuildID, "channel_id", event.ChannelID, "command", event.CommandName, "user_id", event.UserID)
		logger.Info("slash command interaction received")
		event.RespondEphemeral = func(content string) error {
			logger.Debug("responding to slash command")
			return s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: content,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			})
		}
		handler(event)
	})
}

func slashCommandEvent(ic *discordgo.InteractionCreate) (discordpkg.SlashCommandEvent, bool) {
	if ic == nil || ic.Interaction == nil || ic.Type != discordgo.InteractionApplicationCommand {
		return discordpkg.SlashCommandEvent{}, false
	}
	name := ic.ApplicationCommandData().Name
	var userID string
	switch {
	case ic.Member != nil && ic.Member.User != nil:
		userID = ic.Member.User.ID
	case ic.User != nil:
		userID = ic.User.ID
	}
	if name == "" || userID == "" {
		return discordpkg.SlashCommandEvent{}, false
	}
	return discordpkg.SlashCommandEvent{
		GuildID:     ic.GuildID,
		ChannelID:   ic.ChannelID,
		CommandName: name,
		UserID:      userID,
	}, true
}

func (c *Client) UpsertGuildSlashCommands(guildID string, defs []discordpkg.SlashCommandDefinition) error {
	appID := c.applicationID()
	if appID == "" {
		return errors.New("discord application id is not available")
	}
	existing, err := c.session.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("list guild commands: %w", err)
	}
	for _, change := range planSlashCommands(existing, defs) {
		cmd := &discordgo.ApplicationCommand{Name: change.def.Name, Description: change.def.Description}
		if change.existingID == "" {
			_, err = c.session.ApplicationCommandCreate(appID, guildID, cmd)
		} else {
			_, err = c.session.ApplicationCommandEdit(appID, guildID, change.existingID, cmd)
		}
		if err != nil {
			return fmt.Errorf("upsert command %s: %w", change.def.Name, err)
		}
	}
	return nil
}

// commandChange is a create when existingID is empty and an edit otherwise.
type commandChange struct {
	def        discordpkg.SlashCommandDefinition
	existingID string
}

// planSlashCommands returns the creates and edits that bring the registered
// guild commands in line with defs. Commands already up to date are skipped.
func planSlashCommands(existing []*discordgo.ApplicationCommand, defs []discordpkg.SlashCommandDefinition) []commandChange {
	byName := make(map[string]*discordgo.ApplicationCommand, len(existing))
	for _, cmd := range existing {
		if cmd != nil && cmd.Name != "" {
			byName[cmd.Name] = cmd
		}
	}
	var changes []commandChange
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		cmd, ok := byName[def.Name]
		switch {
		case !ok:
			changes = append(changes, commandChange{def: def})
		case cmd.Description != def.Description:
			changes = append(changes, commandChange{def: def, existingID: cmd.ID})
		}
	}
	return changes
}

func (c *Client) GetUserVoiceChannelID(guildID, userID string) (string, error) {
	if c.session == nil {
		return "", nil
	}
	if channelID, ok := c.cachedVoiceChannel(guildID, userID); ok {
		return channelID, nil
	}
	vs, err := c.session.UserVoiceState(guildID, userID)
	switch {
	case isRESTNotFound(err):
		return "", nil
	case err != nil:
		return "", err
	case vs == nil:
		return "", nil
	}
	return vs.ChannelID, nil
}

func (c *Client) cachedVoiceChannel(guildID, userID string) (string, bool) {
	if c.session.State == nil {
		return "", false
	}
	if vs, err := c.session.State.VoiceState(guildID, userID); err == nil && vs != nil {
		return vs.ChannelID, true
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return "", false
	}
	for _, state := range guild.VoiceStates {
		if state != nil && state.UserID == userID {
			return state.ChannelID, true
		}
	}
	return "", false
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func (c *Client) ListVoiceChannelParticipants(guildID, channelID string) ([]discordpkg.VoiceParticipant, error) {
	if c.session == nil || c.session.State == nil {
		return nil, nil
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return nil, nil
	}
	seen := make(map[string]struct{})
	participants := make([]discordpkg.VoiceParticipant, 0, len(guild.VoiceStates))
	for _, state := range guild.VoiceStates {
		if state == nil || state.ChannelID != channelID || state.UserID == "" {
			continue
		}
		if _, dup := seen[state.UserID]; dup {
			continue
		}
		seen[state.UserID] = struct{}{}
		participants = append(participants, discordpkg.VoiceParticipant{
			UserID: state.UserID,
			IsBot:  c.resolveUserIsBot(guildID, state.UserID, state),
		})
	}
	return participants, nil
}

func (c *Client) GetBotUserID() (string, error) {
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	if c.session == nil {
		return "", errors.New("discord session is not initialized")
	}
	if c.session.State != nil && c.session.State.User != nil && c.session.State.User.ID != "" {
		c.botUserID = c.session.State.User.ID
		return c.botUserID, nil
	}
	u, err := c.session.User("@me")
	if err != nil {
		return "", err
	}
	c.botUserID = u.ID
	return c.botUserID, nil
}

// ResolveChannelInfo looks up guild and channel names, falling back to the IDs
// when Discord cannot resolve them.
func (c *Client) ResolveChannelInfo(_ context.Context, guildID, channelID string) discordpkg.ChannelInfo {
	info := discordpkg.ChannelInfo{
		GuildID:     guildID,
		GuildName:   guildID,
		ChannelID:   channelID,
		ChannelName: channelID,
	}
	if c.session == nil {
		return info
	}

	guild := lookupNamed(
		func() (*discordgo.Guild, error) { return c.stateGuild(guildID) },
		func() (*discordgo.Guild, error) { return c.session.Guild(guildID) },
		func(g *discordgo.Guild) string { return g.Name },
	)
	if guild != nil {
		info.GuildName = guild.Name
	} else {
		slog.Warn("discord guild name could not be resolved; using guild id fallback", "guild_id", guildID)
	}

	channel := lookupNamed(
		func() (*discordgo.Channel, error) { return c.stateChannel(channelID) },
		func() (*discordgo.Channel, error) { return c.session.Channel(channelID) },
		func(ch *discordgo.Channel) string { return ch.Name },
	)
	if channel != nil {
		info.ChannelName = channel.Name
	} else {
		slog.Warn("discord channel name could not be resolved; using channel id fallback", "channel_id", channelID)
	}
	return info
}

// lookupNamed returns the first of cached or fetched that has a non-empty name.
func lookupNamed[T any](cached, fetch func() (*T, error), name func(*T) string) *T {
	for _, get := range []func() (*T, error){cached, fetch} {
		v, err := get()
		if err == nil && v != nil && name(v) != "" {
			return v
		}
	}
	return nil
}

func (c *Client) stateGuild(guildID string) (*discordgo.Guild, error) {
	if c.session.State == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return c.session.State.Guild(guildID)
}

func (c *Client) stateChannel(channelID string) (*discordgo.Channel, error) {
	if c.session.State == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return c.session.State.Channel(channelID)
}

// resolveUserIsBot checks the voice state member, then the state cache, then REST.
func (c *Client) resolveUserIsBot(guildID, userID string, state *discordgo.VoiceState) bool {
	if state != nil && state.Member != nil && state.Member.User != nil {
		return state.Member.User.Bot
	}
	if c.session == nil {
		return false
	}
	if st := c.session.State; st != nil {
		if st.User != nil && st.User.ID == userID {
			return true
		}
		if member, err := st.Member(guildID, userID); err == nil && member != nil && member.User != nil {
			return member.User.Bot
		}
	}
	u, err := c.session.User(userID)
	if err != nil {
		return false
	}
	return u.Bot
}

func (c *Client) applicationID() string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	st := c.session.State
	switch {
	case st.Application != nil && st.Application.ID != "":
		return st.Application.ID
	case st.User != nil:
		return st.User.ID
	default:
		return ""
	}
}

// voiceConnection adapts a discordgo voice connection. done closes once the
// connection is disconnected or its receive channel ends.
type voiceConnection struct {
	vc       *discordgo.VoiceConnection
	done     chan struct{}
	doneOnce sync.Once
}

func newVoiceConnection(vc *discordgo.VoiceConnection) *voiceConnection {
	return &voiceConnection{vc: vc, done: make(chan struct{})}
}

func (v *voiceConnection) Done() <-chan struct{} {
	return v.done
}

func (v *voiceConnection) markDone() {
	v.doneOnce.Do(func() { close(v.done) })
}

func (v *voiceConnection) Disconnect() error {
	defer v.markDone()
	return v.vc.Disconnect()
}

// ReceiveAudio delivers Opus packets tagged with the speaking user, or with the
// SSRC when no speaking update has named the user yet.
func (v *voiceConnection) ReceiveAudio(callback func(userID string, opus []byte)) {
	defer v.markDone()
	if v.vc.OpusRecv == nil {
		return
	}
	var (
		mu         sync.RWMutex
		ssrcToUser = make(map[uint32]string)
	)
	v.vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		if !vs.Speaking {
			return
		}
		mu.Lock()
		ssrcToUser[uint32(vs.SSRC)] = vs.UserID
		mu.Unlock()
	})
	for {
		select {
		case <-v.done:
			return
		case p, ok := <-v.vc.OpusRecv:
			if !ok {
				return
			}
			if p == nil || len(p.Opus) == 0 {
				continue
			}
			mu.RLock()
			userID := ssrcToUser[p.SSRC]
			mu.RUnlock()
			if userID == "" {
				userID = strconv.FormatUint(uint64(p.SSRC), 10)
			}
			callback(userID, p.Opus)
		}
	}
}
