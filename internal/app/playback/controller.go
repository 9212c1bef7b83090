package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
)

// Errors
var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrNotStreaming   = errors.New("nothing is streaming")
	ErrAlreadyStarted = errors.New("session already started")
)

const (
	defaultJoinTimeout  = 10 * time.Second
	defaultLeaveTimeout = 5 * time.Second
	eventBufferSize     = 16
)

// Config holds controller configuration.
type Config struct {
	JoinTimeout  time.Duration // Upper bound for the voice join
	LeaveTimeout time.Duration // Upper bound for leaving voice while draining
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID      string
	GuildID        string
	VoiceChannelID string
	State          State
	Volume         float64
	Playing        bool
	Tracks         []track.QueuedTrack
	StartedAt      time.Time
}

// Controller drives playback for one guild.
//
// All queue mutations happen under mu, so enqueue, skip, stop and the
// end-of-stream advance never interleave. The streaming loop runs in its own
// goroutine and is the only place that pops the queue.
type Controller struct {
	mu sync.Mutex

	id        string
	queue     *GuildQueue
	state     State
	closed    bool
	started   bool
	startedAt time.Time

	// Current track
	trackCancel context.CancelFunc
	endReason   string

	voice    sink.VoiceSink
	streamer sink.Streamer
	config   Config
	onIdle   func()

	// Events
	eventCh      chan Event
	eventsClosed bool

	// Context
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller for the given queue. onIdle is called
// once when the session ends, after the connection has been released.
func NewController(q *GuildQueue, voice sink.VoiceSink, streamer sink.Streamer, config Config, onIdle func()) *Controller {
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = defaultJoinTimeout
	}
	if config.LeaveTimeout <= 0 {
		config.LeaveTimeout = defaultLeaveTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:       uuid.New().String(),
		queue:    q,
		state:    StateIdle,
		voice:    voice,
		streamer: streamer,
		config:   config,
		onIdle:   onIdle,
		eventCh:  make(chan Event, eventBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID returns the session ID.
func (c *Controller) ID() string {
	return c.id
}

// Events returns the event channel. It is closed when the session ends.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// Done is closed once the session has fully ended and left the registry.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// TextSink returns where replies for this session go.
func (c *Controller) TextSink() sink.TextSink {
	return c.queue.TextSink()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start joins the voice channel and starts streaming the head of the queue.
// It returns once the join has succeeded or failed; on failure the session
// is torn down before Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.state = StateConnecting
	c.startedAt = time.Now()
	guildID, channelID := c.queue.GuildID(), c.queue.VoiceChannelID()
	c.mu.Unlock()

	log := c.logger()
	log.Info().Msgf("playback: joining voice channel: channel=%s", channelID)

	joinCtx, cancel := context.WithTimeout(ctx, c.config.JoinTimeout)
	defer cancel()

	conn, err := c.voice.Join(joinCtx, guildID, channelID)
	if err == nil && conn == nil {
		err = errors.New("voice sink returned no connection")
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to join voice channel %s", channelID)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.queue.setConnection(conn)
	c.mu.Unlock()

	log.Info().Msgf("playback: joined voice channel: channel=%s", conn.ChannelID())

	go c.run()
	return nil
}

// Enqueue appends a track to the queue. It fails once the session is closing.
func (c *Controller) Enqueue(qt track.QueuedTrack) (track.QueuedTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return track.QueuedTrack{}, ErrSessionClosed
	}
	if qt.ID == "" {
		qt.ID = uuid.New().String()
	}
	if qt.AddedAt.IsZero() {
		qt.AddedAt = time.Now()
	}
	c.queue.Enqueue(qt)
	return qt, nil
}

// Skip ends the current track early. The queue advances through the same
// end-of-stream path as natural completion.
func (c *Controller) Skip() (track.QueuedTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return track.QueuedTrack{}, ErrSessionClosed
	}
	if c.trackCancel == nil {
		return track.QueuedTrack{}, ErrNotStreaming
	}

	head, _ := c.queue.Head()
	c.endReason = "skipped"
	c.trackCancel()
	return head, nil
}

// Stop clears the queue and ends the current stream. The session then drains.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}

	c.queue.Clear()
	if c.trackCancel != nil {
		c.endReason = "stopped"
		c.trackCancel()
	}
	return nil
}

// SetVolume stores the clamped volume and applies it to the active stream.
func (c *Controller) SetVolume(v float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrSessionClosed
	}
	return c.queue.SetVolume(v), nil
}

// Snapshot returns the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		SessionID:      c.id,
		GuildID:        c.queue.GuildID(),
		VoiceChannelID: c.queue.VoiceChannelID(),
		State:          c.state,
		Volume:         c.queue.Volume(),
		Playing:        c.queue.IsPlaying(),
		Tracks:         c.queue.Tracks(),
		StartedAt:      c.startedAt,
	}
}

// Tracks returns a copy of the queue, head first.
func (c *Controller) Tracks() []track.QueuedTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Tracks()
}

// Close ends the session and waits until it has left voice.
func (c *Controller) Close(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	started := c.started
	if !started {
		c.closed = true
		c.started = true
	}
	c.mu.Unlock()
	if !started {
		c.finish(Event{Type: EventSessionEnded})
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run streams the head of the queue until the queue is empty.
func (c *Controller) run() {
	for {
		c.mu.Lock()
		head, ok := c.queue.Head()
		if !ok || c.ctx.Err() != nil {
			// Deciding "no next track" and refusing further enqueues happen
			// in one critical section.
			c.state = StateDraining
			c.closed = true
			c.queue.Clear()
			c.mu.Unlock()
			c.drain()
			return
		}

		trackCtx, cancel := context.WithCancel(c.ctx)
		c.state = StateStreaming
		c.trackCancel = cancel
		c.endReason = ""
		opts := sink.StreamOptions{Gain: Gain(c.queue.Volume())}
		conn := c.queue.Connection()
		c.mu.Unlock()

		c.stream(trackCtx, head, opts, conn)
		cancel()

		c.mu.Lock()
		c.trackCancel = nil
		c.queue.setDispatcher(nil)
		// After a stop the head may already be gone, or be a track enqueued
		// since; only the entry that just streamed is popped.
		if cur, ok := c.queue.Head(); ok && cur.ID == head.ID {
			c.queue.PopHead()
		}
		c.mu.Unlock()
	}
}

// stream plays one track and returns when it has ended for any reason.
func (c *Controller) stream(ctx context.Context, qt track.QueuedTrack, opts sink.StreamOptions, conn sink.Connection) {
	log := c.logger()

	d, err := c.streamer.Open(ctx, qt.Track, opts, conn)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Msgf("playback: stream open cancelled: track=%s", qt.Track)
			c.emit(Event{Type: EventTrackEnded, Track: &qt})
			return
		}
		log.Error().Err(err).Msgf("playback: failed to open stream: track=%s", qt.Track)
		c.emit(Event{Type: EventTrackFailed, Track: &qt, Err: err})
		return
	}

	c.mu.Lock()
	c.queue.setDispatcher(d)
	c.mu.Unlock()

	log.Info().Msgf("playback: streaming: track=%s", qt.Track)
	c.emit(Event{Type: EventTrackStarted, Track: &qt})

	var res sink.StreamResult
	select {
	case res = <-d.Done():
	case <-ctx.Done():
		d.Stop()
		res = <-d.Done()
	}

	if res.Err != nil && !res.Stopped {
		log.Error().Err(res.Err).Msgf("playback: stream failed: track=%s frames=%d", qt.Track, res.Frames)
		c.emit(Event{Type: EventTrackFailed, Track: &qt, Err: res.Err})
		return
	}

	c.mu.Lock()
	reason := c.endReason
	c.mu.Unlock()
	if reason == "" {
		reason = "finished"
	}
	log.Info().Msgf("playback: track ended: track=%s reason=%s frames=%d", qt.Track, reason, res.Frames)
	c.emit(Event{Type: EventTrackEnded, Track: &qt})
}

// drain releases the connection and ends the session.
func (c *Controller) drain() {
	c.mu.Lock()
	conn := c.queue.Connection()
	c.queue.setConnection(nil)
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.LeaveTimeout)
		if err := conn.Leave(ctx); err != nil {
			c.logger().Error().Err(err).Msg("playback: failed to leave voice channel")
		}
		cancel()
	}

	c.logger().Info().Msg("playback: queue drained, session ended")
	c.finish(Event{Type: EventSessionEnded})
}

// fail tears down a session whose setup failed.
func (c *Controller) fail(err error) {
	c.logger().Error().Err(err).Msg("playback: session failed")

	c.mu.Lock()
	c.state = StateFailed
	c.closed = true
	c.queue.Clear()
	c.mu.Unlock()

	c.finish(Event{Type: EventSessionFailed, Err: err})
}

// finish removes the session from its owner and closes the event channel.
func (c *Controller) finish(ev Event) {
	if c.onIdle != nil {
		c.onIdle()
	}

	c.mu.Lock()
	if c.state != StateFailed {
		c.state = StateIdle
	}
	ev.GuildID = c.queue.GuildID()
	ev.State = c.state
	c.sendEventLocked(ev)
	c.eventsClosed = true
	close(c.eventCh)
	c.mu.Unlock()

	c.cancel()
	close(c.done)
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.GuildID = c.queue.GuildID()
	ev.State = c.state
	c.sendEventLocked(ev)
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.eventsClosed {
		return
	}
	select {
	case c.eventCh <- e:
	default:
		zlog.Warn().Str("guild", e.GuildID).Msgf("playback: event dropped (channel full): type=%s", e.Type)
	}
}

func (c *Controller) logger() *zerolog.Logger {
	l := zlog.With().Str("guild", c.queue.GuildID()).Str("session", c.id).Logger()
	return &l
}
