package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/patchouli/internal/app/session"
	"github.com/osa030/patchouli/internal/app/session/lane"
	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
	"github.com/osa030/patchouli/internal/infra/config"
)

const version = "1.0"

// limiterIdle is how long a user's rate limiter is kept after their last
// command.
const limiterIdle = 10 * time.Minute

// Message is an incoming chat message.
type Message struct {
	GuildID     string
	ChannelID   string
	ChannelName string
	Author      track.Requester
	AuthorIsBot bool
	Content     string
}

// Player runs playback commands. It is implemented by *session.Manager.
// Commands act in the order their turns were reserved.
type Player interface {
	Reserve(guildID string) *lane.Turn
	Play(ctx context.Context, req session.PlayRequest) (session.PlayResult, error)
	Skip(ctx context.Context, turn *lane.Turn) (track.QueuedTrack, error)
	Stop(ctx context.Context, turn *lane.Turn) error
	SetVolume(ctx context.Context, turn *lane.Turn, percent float64) (float64, error)
}

// Platform answers questions about the chat platform.
type Platform interface {
	// VoiceChannelOf returns the voice channel the user is in, or "".
	VoiceChannelOf(guildID, userID string) (string, error)
	// CanJoin reports whether the bot may connect and speak in the channel.
	CanJoin(guildID, channelID string) (bool, error)
}

// Dispatcher turns chat messages into player calls and replies.
type Dispatcher struct {
	config   *config.Config
	player   Player
	platform Platform

	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
	now       func() time.Time
}

type userLimiter struct {
	*rate.Limiter
	seen time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg *config.Config, player Player, platform Platform) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		player:   player,
		platform: platform,
		limiters: make(map[string]*userLimiter),
		now:      time.Now,
	}
}

// Handle processes one message to completion and sends any reply to reply.
func (d *Dispatcher) Handle(ctx context.Context, msg Message, reply sink.TextSink) {
	if run := d.Accept(msg, reply); run != nil {
		run(ctx)
	}
}

// Accept does the part of handling msg that must follow receipt order and
// returns the rest, or nil when there is nothing left to do. Call Accept once
// per message in the order messages arrive; the returned func may run on any
// goroutine.
func (d *Dispatcher) Accept(msg Message, reply sink.TextSink) func(ctx context.Context) {
	if msg.AuthorIsBot || !d.config.AcceptsChannel(msg.ChannelName) {
		return nil
	}

	msgs := d.config.Messages
	prefix := d.config.Discord.Prefix

	cmd, err := Parse(msg.Content, prefix, d.config.Discord.WrongPrefix)
	switch {
	case errors.Is(err, ErrNotCommand):
		return nil
	case errors.Is(err, ErrWrongPrefix):
		return d.reply(msg, reply, config.Render(msgs.WrongPrefix, "prefix", prefix))
	case err != nil:
		return d.reply(msg, reply, msgs.InvalidCommand)
	}

	if !d.allow(msg.Author.ID) {
		zlog.Debug().Str("guild", msg.GuildID).Msgf("rate limited: user=%s command=%s", msg.Author.ID, cmd.Name)
		return d.reply(msg, reply, msgs.RateLimited)
	}

	zlog.Debug().Str("guild", msg.GuildID).Msgf("command: name=%s user=%s args=%q", cmd.Name, msg.Author.Name, cmd.Args)

	var percent float64
	switch cmd.Name {
	case Help:
		return d.reply(msg, reply, d.help())
	case Play:
		if cmd.Args == "" {
			return d.reply(msg, reply, msgs.InvalidQuery)
		}
	case Volume:
		if percent, err = ParseVolume(cmd.Args); err != nil {
			return d.reply(msg, reply, config.Render(msgs.InvalidVolume, "prefix", prefix))
		}
	}

	turn := d.player.Reserve(msg.GuildID)
	return func(ctx context.Context) {
		defer turn.Release()

		var text string
		var err error
		switch cmd.Name {
		case Play:
			text, err = d.play(ctx, msg, cmd.Args, turn, reply)
		case Skip:
			text, err = d.skip(ctx, msg, turn)
		case Stop:
			text, err = d.stop(ctx, msg, turn)
		case Volume:
			text, err = d.volume(ctx, msg, turn, percent)
		}
		if err != nil {
			text = d.errorText(msg, cmd, err)
		}
		d.send(msg, reply, text)
	}
}

func (d *Dispatcher) reply(msg Message, reply sink.TextSink, text string) func(ctx context.Context) {
	return func(context.Context) {
		d.send(msg, reply, text)
	}
}

func (d *Dispatcher) play(ctx context.Context, msg Message, query string, turn *lane.Turn, reply sink.TextSink) (string, error) {
	msgs := d.config.Messages

	channelID, err := d.voiceChannel(msg)
	if err != nil {
		return "", err
	}
	ok, err := d.platform.CanJoin(msg.GuildID, channelID)
	if err != nil {
		return "", errors.Wrap(err, "failed to check voice permissions")
	}
	if !ok {
		return msgs.NoPermission, nil
	}

	res, err := d.player.Play(ctx, session.PlayRequest{
		GuildID:        msg.GuildID,
		VoiceChannelID: channelID,
		Requester:      msg.Author,
		Query:          query,
		Text:           reply,
		Turn:           turn,
	})
	if err != nil {
		return "", err
	}
	return config.Render(msgs.Queued, "title", res.Track.Track.Title), nil
}

func (d *Dispatcher) skip(ctx context.Context, msg Message, turn *lane.Turn) (string, error) {
	if _, err := d.voiceChannel(msg); err != nil {
		return "", err
	}
	if _, err := d.player.Skip(ctx, turn); err != nil {
		return "", err
	}
	return d.config.Messages.Skipping, nil
}

func (d *Dispatcher) stop(ctx context.Context, msg Message, turn *lane.Turn) (string, error) {
	if _, err := d.voiceChannel(msg); err != nil {
		return "", err
	}
	if err := d.player.Stop(ctx, turn); err != nil {
		return "", err
	}
	return d.config.Messages.Stopping, nil
}

func (d *Dispatcher) volume(ctx context.Context, msg Message, turn *lane.Turn, percent float64) (string, error) {
	v, err := d.player.SetVolume(ctx, turn, percent)
	if err != nil {
		return "", err
	}
	return config.Render(d.config.Messages.VolumeSet, "volume", humanize.FtoaWithDigits(v*100, 1)), nil
}

// voiceChannel returns the author's voice channel or a user input error.
func (d *Dispatcher) voiceChannel(msg Message) (string, error) {
	channelID, err := d.platform.VoiceChannelOf(msg.GuildID, msg.Author.ID)
	if err != nil {
		return "", errors.Wrap(err, "failed to look up voice state")
	}
	if channelID == "" {
		return "", errors.WithHint(errors.Mark(errors.New("user is not in a voice channel"), session.ErrUserInput), d.config.Messages.NotInVoice)
	}
	return channelID, nil
}

func (d *Dispatcher) help() string {
	prefix := d.config.Discord.Prefix
	return strings.Join([]string{
		strings.TrimSpace(prefix) + " " + version,
		"commands: play <song url or name> | skip | stop | volume <volume>",
		"example: " + prefix + "play despacito",
	}, "\n")
}

// errorText logs err and returns the text to reply with.
func (d *Dispatcher) errorText(msg Message, cmd Command, err error) string {
	log := zlog.With().Str("guild", msg.GuildID).Logger()
	switch {
	case errors.Is(err, session.ErrUserInput), errors.Is(err, session.ErrResolution):
		log.Info().Msgf("command rejected: name=%s user=%s err=%v", cmd.Name, msg.Author.Name, err)
	default:
		log.Error().Err(err).Msgf("command failed: name=%s user=%s", cmd.Name, msg.Author.Name)
	}

	if hint := errors.FlattenHints(err); hint != "" {
		return hint
	}
	return d.config.Messages.DefaultError
}

func (d *Dispatcher) allow(userID string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) >= limiterIdle {
		d.sweepLocked(now)
		d.lastSweep = now
	}

	l, ok := d.limiters[userID]
	if !ok {
		l = &userLimiter{Limiter: rate.NewLimiter(rate.Limit(d.config.Commands.RatePerSecond), d.config.Commands.Burst)}
		d.limiters[userID] = l
	}
	l.seen = now
	return l.AllowN(now, 1)
}

// sweepLocked drops limiters that have been idle for limiterIdle and have
// refilled to their burst. Must be called with mu held.
func (d *Dispatcher) sweepLocked(now time.Time) {
	for id, l := range d.limiters {
		if now.Sub(l.seen) >= limiterIdle && l.TokensAt(now) >= float64(l.Burst()) {
			delete(d.limiters, id)
		}
	}
}

func (d *Dispatcher) send(msg Message, reply sink.TextSink, text string) {
	if text == "" || reply == nil {
		return
	}
	if err := reply.Send(text); err != nil {
		zlog.Error().Str("guild", msg.GuildID).Err(err).Msg("failed to send reply")
	}
}
