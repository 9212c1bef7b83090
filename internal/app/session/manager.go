// Package session provides the session manager: the entry point for every
// playback command, keeping one playback session per guild.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/app/filter"
	"github.com/osa030/patchouli/internal/app/notification"
	"github.com/osa030/patchouli/internal/app/playback"
	"github.com/osa030/patchouli/internal/app/resolver"
	"github.com/osa030/patchouli/internal/app/session/lane"
	"github.com/osa030/patchouli/internal/app/session/registry"
	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
	"github.com/osa030/patchouli/internal/infra/config"
)

// Resolver turns a query or URL into a track.
type Resolver interface {
	Resolve(ctx context.Context, query string) (track.Track, error)
}

// PlayRequest is a play command for one guild.
type PlayRequest struct {
	GuildID        string
	VoiceChannelID string // Channel of the requesting user; empty if not in voice
	Requester      track.Requester
	Query          string
	Text           sink.TextSink // Where session messages go if this request starts one
	Turn           *lane.Turn    // Place in the guild's line; reserved by Play when nil
}

// PlayResult describes an accepted play request.
type PlayResult struct {
	Track    track.QueuedTrack
	Position int  // Zero-based queue position at the time of enqueue
	Started  bool // The request started a new session
}

// Manager manages playback sessions for all guilds.
type Manager struct {
	// Configuration
	config *config.Config

	// Components
	registry     *registry.SessionRegistry
	resolver     Resolver
	voice        sink.VoiceSink
	streamer     sink.Streamer
	filterChain  *filter.Chain
	notification *notification.Manager

	// Commands of one guild act in the order their turns were reserved.
	lanes *lane.Lanes

	// closed guards session creation against Close.
	mu     sync.Mutex
	closed bool
	relays sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new session manager. notifier may be nil.
func NewManager(
	cfg *config.Config,
	reg *registry.SessionRegistry,
	res Resolver,
	voice sink.VoiceSink,
	streamer sink.Streamer,
	notifier *notification.Manager,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if notifier == nil {
		notifier = notification.NewManager()
	}

	m := &Manager{
		config:       cfg,
		registry:     reg,
		resolver:     res,
		voice:        voice,
		streamer:     streamer,
		filterChain:  filter.NewChain(),
		notification: notifier,
		lanes:        lane.New(),
		ctx:          ctx,
		cancel:       cancel,
	}

	// Setup filters
	m.setupFilters()

	return m
}

// setupFilters builds the filter chain from the enabled filters.
func (m *Manager) setupFilters() {
	for _, name := range filter.Names() {
		if !m.config.IsFilterEnabled(name) {
			continue
		}
		f, err := filter.New(name, m.config.Filters[name].Settings)
		if err != nil {
			zlog.Error().Msgf("failed to set up filter, skipping: filter=%s err=%v", name, err)
			continue
		}
		m.filterChain.Add(f)
		zlog.Info().Msgf("filter enabled: filter=%s", name)
	}
}

// Filters returns the active filter chain.
func (m *Manager) Filters() *filter.Chain {
	return m.filterChain
}

// Notifications returns the notification manager playback events go to.
func (m *Manager) Notifications() *notification.Manager {
	return m.notification
}

// Reserve takes the guild's next turn. Play, Skip, Stop and SetVolume act in
// the order their turns were reserved, so callers reserve when a command is
// received.
func (m *Manager) Reserve(guildID string) *lane.Turn {
	return m.lanes.Reserve(guildID)
}

// Play resolves the query and appends the track to the guild's queue,
// starting a session if the guild has none. Resolution runs before the turn
// comes up; the enqueue does not.
func (m *Manager) Play(ctx context.Context, req PlayRequest) (PlayResult, error) {
	msgs := m.config.Messages

	turn := req.Turn
	if turn == nil {
		turn = m.Reserve(req.GuildID)
	}
	defer turn.Release()

	if m.isClosed() {
		return PlayResult{}, m.closedError()
	}
	if req.VoiceChannelID == "" {
		return PlayResult{}, markWithHint(errors.New("requester is not in a voice channel"), ErrUserInput, msgs.NotInVoice)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return PlayResult{}, markWithHint(errors.New("empty query"), ErrUserInput, msgs.InvalidQuery)
	}

	zlog.Debug().Msgf("play request: %s", req)

	t, err := m.resolver.Resolve(ctx, query)
	if err != nil {
		return PlayResult{}, m.resolutionError(err, query)
	}
	zlog.Info().Str("guild", req.GuildID).Msgf("resolved: query=%q track=%s", query, t)

	// Earlier commands for this guild act first.
	if err := turn.Wait(ctx); err != nil {
		return PlayResult{}, errors.Wrap(err, "play request cancelled")
	}

	for {
		ctrl, err := m.registry.Get(req.GuildID)
		if err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
			return PlayResult{}, err
		}

		var view filter.QueueView
		if ctrl != nil {
			view = ctrl
		}
		freq := filter.TrackRequest{GuildID: req.GuildID, Requester: req.Requester, Query: query}
		if result := m.filterChain.Execute(ctx, freq, t, view); !result.Accepted {
			zlog.Info().Str("guild", req.GuildID).Msgf("play request rejected: track=%s code=%s", t, result.Code)
			return PlayResult{}, markWithHint(errors.Newf("rejected by filter: %s", result.Code), ErrResolution, m.config.GetMessage(result.Code))
		}

		qt := track.QueuedTrack{Track: t, Requester: req.Requester, AddedAt: time.Now()}

		if ctrl != nil {
			qt, err = ctrl.Enqueue(qt)
			if errors.Is(err, playback.ErrSessionClosed) {
				// The session is draining; play again once it is gone.
				select {
				case <-ctrl.Done():
					continue
				case <-ctx.Done():
					return PlayResult{}, errors.Wrap(ctx.Err(), "play request cancelled")
				}
			}
			if err != nil {
				return PlayResult{}, err
			}
			zlog.Info().Str("guild", req.GuildID).Msgf("track queued: track=%s requester=%s", t, req.Requester.Name)
			return PlayResult{Track: qt, Position: position(ctrl, qt.ID)}, nil
		}

		ctrl, err = m.createSession(req)
		if errors.Is(err, registry.ErrSessionExists) {
			continue
		}
		if err != nil {
			return PlayResult{}, err
		}

		qt, err = ctrl.Enqueue(qt)
		if err != nil {
			return PlayResult{}, err
		}

		zlog.Info().Str("guild", req.GuildID).Msgf("session created: session=%s track=%s requester=%s", ctrl.ID(), t, req.Requester.Name)

		// The turn is held until the join settles, so nothing else is queued
		// into a session that may still fail.
		if err := ctrl.Start(m.ctx); err != nil {
			return PlayResult{}, markWithHint(err, ErrConnection, config.Render(msgs.JoinFailed, "error", errors.UnwrapAll(err).Error()))
		}
		return PlayResult{Track: qt, Position: 0, Started: true}, nil
	}
}

// Skip ends the current track of the turn's guild.
func (m *Manager) Skip(ctx context.Context, turn *lane.Turn) (track.QueuedTrack, error) {
	defer turn.Release()
	hint := m.config.Messages.NothingToSkip
	guildID := turn.Key()

	if err := turn.Wait(ctx); err != nil {
		return track.QueuedTrack{}, errors.Wrap(err, "skip cancelled")
	}
	ctrl, err := m.registry.Get(guildID)
	if err != nil {
		return track.QueuedTrack{}, markWithHint(ErrNoSession, ErrUserInput, hint)
	}
	qt, err := ctrl.Skip()
	if err != nil {
		return track.QueuedTrack{}, markWithHint(err, ErrUserInput, hint)
	}
	zlog.Info().Str("guild", guildID).Msgf("skip: track=%s", qt.Track)
	return qt, nil
}

// Stop clears the queue of the turn's guild and ends its session.
func (m *Manager) Stop(ctx context.Context, turn *lane.Turn) error {
	defer turn.Release()
	hint := m.config.Messages.NothingToStop
	guildID := turn.Key()

	if err := turn.Wait(ctx); err != nil {
		return errors.Wrap(err, "stop cancelled")
	}
	ctrl, err := m.registry.Get(guildID)
	if err != nil {
		return markWithHint(ErrNoSession, ErrUserInput, hint)
	}
	if err := ctrl.Stop(); err != nil {
		return markWithHint(err, ErrUserInput, hint)
	}
	zlog.Info().Str("guild", guildID).Msg("stop")
	return nil
}

// SetVolume sets the volume of the turn's guild from a percentage and
// returns the stored value in [0,1].
func (m *Manager) SetVolume(ctx context.Context, turn *lane.Turn, percent float64) (float64, error) {
	defer turn.Release()
	hint := m.config.Messages.NothingPlaying
	guildID := turn.Key()

	if err := turn.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "volume change cancelled")
	}
	ctrl, err := m.registry.Get(guildID)
	if err != nil {
		return 0, markWithHint(ErrNoSession, ErrUserInput, hint)
	}
	v, err := ctrl.SetVolume(percent / 100)
	if err != nil {
		return 0, markWithHint(err, ErrUserInput, hint)
	}
	zlog.Info().Str("guild", guildID).Msgf("volume set: volume=%.2f", v)
	return v, nil
}

// Status returns the status of a guild's session.
func (m *Manager) Status(guildID string) (playback.Status, error) {
	ctrl, err := m.registry.Get(guildID)
	if err != nil {
		return playback.Status{}, ErrNoSession
	}
	return ctrl.Snapshot(), nil
}

// Sessions returns the status of every live session, ordered by guild.
func (m *Manager) Sessions() []playback.Status {
	ctrls := m.registry.All()
	result := make([]playback.Status, 0, len(ctrls))
	for _, ctrl := range ctrls {
		result = append(result, ctrl.Snapshot())
	}
	return result
}

// Close ends every session and waits for them to leave voice.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, m.registry.Count()+1)
	for _, ctrl := range m.registry.All() {
		wg.Add(1)
		go func(c *playback.Controller) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				errCh <- errors.Wrapf(err, "failed to close session %s", c.ID())
			}
		}(ctrl)
	}
	wg.Wait()
	close(errCh)

	var errs error
	for err := range errCh {
		errs = errors.CombineErrors(errs, err)
	}

	relaysDone := make(chan struct{})
	go func() {
		m.relays.Wait()
		close(relaysDone)
	}()
	select {
	case <-relaysDone:
	case <-ctx.Done():
		errs = errors.CombineErrors(errs, errors.Wrap(ctx.Err(), "event relays did not finish"))
	}

	m.notification.Close()
	return errs
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) closedError() error {
	return markWithHint(ErrClosed, ErrConnection, m.config.Messages.DefaultError)
}

// createSession inserts a new session for the guild and starts relaying its
// events. It fails once Close has begun.
func (m *Manager) createSession(req PlayRequest) (*playback.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, m.closedError()
	}
	ctrl, err := m.registry.CreateAndInsert(req.GuildID, func() *playback.Controller {
		return m.newController(req)
	})
	if err != nil {
		return ctrl, err
	}
	m.startRelay(ctrl)
	return ctrl, nil
}

func (m *Manager) newController(req PlayRequest) *playback.Controller {
	q := playback.NewGuildQueue(req.GuildID, req.VoiceChannelID, req.Text, m.config.Playback.DefaultVolume)

	var ctrl *playback.Controller
	ctrl = playback.NewController(q, m.voice, m.streamer, playback.Config{
		JoinTimeout:  m.config.JoinTimeout(),
		LeaveTimeout: m.config.LeaveTimeout(),
	}, func() {
		m.registry.Remove(req.GuildID, ctrl)
	})
	return ctrl
}

func (m *Manager) resolutionError(err error, query string) error {
	msgs := m.config.Messages
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		return markWithHint(err, ErrResolution, config.Render(msgs.NoResults, "query", query))
	case errors.Is(err, resolver.ErrUnplayable):
		return markWithHint(err, ErrResolution, config.Render(msgs.Unplayable, "query", query))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, "play request cancelled")
	default:
		zlog.Error().Err(err).Msgf("resolution failed: query=%q", query)
		return markWithHint(err, ErrResolution, msgs.DefaultError)
	}
}

// startRelay forwards a session's events to its text sink and to watchers
// until the session ends.
func (m *Manager) startRelay(ctrl *playback.Controller) {
	m.relays.Add(1)
	go func() {
		defer m.relays.Done()
		for ev := range ctrl.Events() {
			m.handlePlaybackEvent(ctrl, ev)
		}
	}()
}

func (m *Manager) handlePlaybackEvent(ctrl *playback.Controller, ev playback.Event) {
	msgs := m.config.Messages
	log := zlog.With().Str("guild", ev.GuildID).Str("session", ctrl.ID()).Logger()
	log.Debug().Msgf("playback event: type=%s state=%s", ev.Type, ev.State)

	var text string
	switch ev.Type {
	case playback.EventTrackStarted:
		text = config.Render(msgs.NowPlaying, "title", ev.Track.Track.Title)
	case playback.EventTrackFailed:
		err := errors.Mark(ev.Err, ErrStream)
		log.Warn().Err(err).Msgf("track failed, advancing: track=%s", ev.Track.Track)
		text = config.Render(msgs.TrackFailed, "title", ev.Track.Track.Title)
	case playback.EventSessionEnded:
		text = msgs.QueueFinished
	case playback.EventSessionFailed:
		// Reported by the play request that started the session.
		log.Warn().Err(ev.Err).Msg("session failed")
	}

	if text != "" {
		if ts := ctrl.TextSink(); ts != nil {
			if err := ts.Send(text); err != nil {
				log.Error().Err(err).Msgf("failed to send message: type=%s", ev.Type)
			}
		}
	}

	n := notification.Notification{
		Type:      ev.Type.String(),
		GuildID:   ev.GuildID,
		SessionID: ctrl.ID(),
		State:     ev.State.String(),
	}
	if ev.Track != nil {
		n.Track = ev.Track.Track.Title
	}
	if ev.Err != nil {
		n.Error = ev.Err.Error()
	}
	m.notification.Broadcast(n)
}

func position(ctrl *playback.Controller, id string) int {
	for i, qt := range ctrl.Tracks() {
		if qt.ID == id {
			return i
		}
	}
	return -1
}

// String implements fmt.Stringer for log lines.
func (r PlayRequest) String() string {
	return fmt.Sprintf("guild=%s requester=%s query=%q", r.GuildID, r.Requester.Name, r.Query)
}
