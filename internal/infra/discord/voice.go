package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/domain/sink"
)

// ErrConnectionClosed is returned when writing to a connection that has left.
var ErrConnectionClosed = errors.New("voice connection closed")

// VoiceSink joins voice channels through the gateway session.
type VoiceSink struct {
	dg *discordgo.Session
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Join joins a voice channel. discordgo has no cancellable join, so when ctx
// ends first the join is abandoned and disconnected once it completes.
func (s *VoiceSink) Join(ctx context.Context, guildID, channelID string) (sink.Connection, error) {
	resCh := make(chan joinResult, 1)
	go func() {
		vc, err := s.dg.ChannelVoiceJoin(guildID, channelID, false, true)
		resCh <- joinResult{vc, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, errors.Wrap(res.err, "voice join failed")
		}
		return newConnection(res.vc, channelID), nil
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.err == nil {
				if err := res.vc.Disconnect(); err != nil {
					zlog.Warn().Str("guild", guildID).Msgf("discord: failed to disconnect abandoned join: %v", err)
				}
			}
		}()
		return nil, errors.Wrap(ctx.Err(), "voice join timed out")
	}
}

// connection adapts a discordgo voice connection to sink.Connection.
type connection struct {
	vc        *discordgo.VoiceConnection
	channelID string
	closed    chan struct{}
}

func newConnection(vc *discordgo.VoiceConnection, channelID string) *connection {
	return &connection{vc: vc, channelID: channelID, closed: make(chan struct{})}
}

// WriteFrame queues an Opus frame on the voice connection.
func (c *connection) WriteFrame(ctx context.Context, opus []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.vc.OpusSend <- opus:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) SetSpeaking(speaking bool) error {
	if err := c.vc.Speaking(speaking); err != nil {
		return errors.Wrap(err, "failed to set speaking state")
	}
	return nil
}

func (c *connection) ChannelID() string {
	return c.channelID
}

// Leave disconnects from the voice channel.
func (c *connection) Leave(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.vc.Disconnect()
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "failed to leave voice channel")
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "leaving voice channel timed out")
	}
}
