// Package discord connects the bot to Discord: incoming messages, voice
// connections and replies.
package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/app/command"
	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
)

const voicePermissions = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

// Handler handles incoming chat messages. Accept is called in the order
// messages arrive; the func it returns runs on its own goroutine.
type Handler interface {
	Accept(msg command.Message, reply sink.TextSink) func(ctx context.Context)
}

// Bot wraps a Discord gateway session.
type Bot struct {
	dg      *discordgo.Session
	handler Handler

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bot for the given token. The gateway is not opened yet.
func New(token string) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent
	// Handlers run in gateway order.
	dg.SyncEvents = true

	installLogger()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{dg: dg, ctx: ctx, cancel: cancel}
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)
	return b, nil
}

// SetHandler sets the message handler. It must be called before Open.
func (b *Bot) SetHandler(h Handler) {
	b.handler = h
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	if err := b.dg.Open(); err != nil {
		return errors.Wrap(err, "failed to open discord session")
	}
	return nil
}

// Close stops handling messages and disconnects from the gateway.
func (b *Bot) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	if err := b.dg.Close(); err != nil {
		return errors.Wrap(err, "failed to close discord session")
	}
	return nil
}

// Voice returns the voice sink backed by this session.
func (b *Bot) Voice() *VoiceSink {
	return &VoiceSink{dg: b.dg}
}

// TextSink returns a sink that posts to a text channel.
func (b *Bot) TextSink(channelID string) sink.TextSink {
	return sink.TextSinkFunc(func(msg string) error {
		if _, err := b.dg.ChannelMessageSend(channelID, msg); err != nil {
			return errors.Wrapf(err, "failed to send message to channel %s", channelID)
		}
		return nil
	})
}

// VoiceChannelOf returns the voice channel the user is in, or "".
func (b *Bot) VoiceChannelOf(guildID, userID string) (string, error) {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to look up voice state")
	}
	return vs.ChannelID, nil
}

// CanJoin reports whether the bot may connect and speak in the channel.
func (b *Bot) CanJoin(guildID, channelID string) (bool, error) {
	userID := b.dg.State.User.ID
	perms, err := b.dg.State.UserChannelPermissions(userID, channelID)
	if err != nil {
		perms, err = b.dg.UserChannelPermissions(userID, channelID)
		if err != nil {
			return false, errors.Wrapf(err, "failed to get permissions for channel %s", channelID)
		}
	}
	return hasVoicePermissions(perms), nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	zlog.Info().Msgf("discord: connected: user=%s guilds=%d", r.User.Username, len(r.Guilds))
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if b.handler == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	msg := toMessage(m.Message, b.channelName(m.ChannelID))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	run := b.handler.Accept(msg, b.TextSink(m.ChannelID))
	if run == nil {
		return
	}
	// Play blocks on resolution and the voice join; keep the gateway loop free.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(b.ctx)
	}()
}

func (b *Bot) channelName(channelID string) string {
	ch, err := b.dg.State.Channel(channelID)
	if err != nil {
		ch, err = b.dg.Channel(channelID)
		if err != nil {
			zlog.Warn().Msgf("discord: failed to fetch channel: channel=%s err=%v", channelID, err)
			return ""
		}
	}
	return ch.Name
}

func toMessage(m *discordgo.Message, channelName string) command.Message {
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	return command.Message{
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		Author:      track.Requester{ID: m.Author.ID, Name: name},
		AuthorIsBot: m.Author.Bot,
		Content:     m.Content,
	}
}

func hasVoicePermissions(perms int64) bool {
	if perms&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return perms&voicePermissions == voicePermissions
}
