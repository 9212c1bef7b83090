package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/patchouli/internal/app/playback"
	"github.com/osa030/patchouli/internal/app/resolver"
	"github.com/osa030/patchouli/internal/app/session/registry"
	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
	"github.com/osa030/patchouli/internal/infra/config"
)

const waitTimeout = 2 * time.Second

// fakeResolver resolves "title" to a track with a per-query delay.
type fakeResolver struct {
	delays  map[string]time.Duration
	errs    map[string]error
	started chan string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		delays:  make(map[string]time.Duration),
		errs:    make(map[string]error),
		started: make(chan string, 16),
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) (track.Track, error) {
	r.started <- query
	if d := r.delays[query]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return track.Track{}, ctx.Err()
		}
	}
	if err := r.errs[query]; err != nil {
		return track.Track{}, err
	}
	return track.Track{Title: query, SourceURI: "https://example.com/" + query}, nil
}

type fakeConn struct {
	mu      sync.Mutex
	left    bool
	leaveCh chan struct{} // Leave blocks until closed, if set
}

func (c *fakeConn) WriteFrame(ctx context.Context, opus []byte) error { return nil }
func (c *fakeConn) SetSpeaking(speaking bool) error                   { return nil }
func (c *fakeConn) ChannelID() string                                 { return "vc1" }

func (c *fakeConn) Leave(ctx context.Context) error {
	if c.leaveCh != nil {
		<-c.leaveCh
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	return nil
}

func (c *fakeConn) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

type fakeVoice struct {
	mu      sync.Mutex
	joins   int
	err     error
	errs    []error       // Per-join results, used before err
	gate    chan struct{} // Join blocks until closed, if set
	conns   []*fakeConn
	leaveCh chan struct{}
}

func (v *fakeVoice) Join(ctx context.Context, guildID, channelID string) (sink.Connection, error) {
	v.mu.Lock()
	v.joins++
	err := v.err
	if len(v.errs) > 0 {
		err, v.errs = v.errs[0], v.errs[1:]
	}
	gate := v.gate
	v.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	c := &fakeConn{leaveCh: v.leaveCh}
	v.conns = append(v.conns, c)
	return c, nil
}

func (v *fakeVoice) Joins() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.joins
}

func (v *fakeVoice) LastConn() *fakeConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.conns) == 0 {
		return nil
	}
	return v.conns[len(v.conns)-1]
}

type fakeDispatcher struct {
	title string
	done  chan sink.StreamResult
	once  sync.Once
}

func (d *fakeDispatcher) SetGain(gain float64) {}

func (d *fakeDispatcher) Stop() {
	d.once.Do(func() { d.done <- sink.StreamResult{Stopped: true} })
}

func (d *fakeDispatcher) finish() {
	d.once.Do(func() { d.done <- sink.StreamResult{Frames: 100} })
}

func (d *fakeDispatcher) Done() <-chan sink.StreamResult { return d.done }

type fakeStreamer struct {
	opened chan *fakeDispatcher
}

func (s *fakeStreamer) Open(ctx context.Context, t track.Track, opts sink.StreamOptions, w sink.FrameWriter) (sink.Dispatcher, error) {
	d := &fakeDispatcher{title: t.Title, done: make(chan sink.StreamResult, 1)}
	s.opened <- d
	return d, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

type fixture struct {
	cfg      *config.Config
	registry *registry.SessionRegistry
	resolver *fakeResolver
	voice    *fakeVoice
	streamer *fakeStreamer
	text     *recordingSink
	mgr      *Manager
}

func newFixture(t *testing.T, filters map[string]config.FilterConfig) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Filters = filters

	f := &fixture{
		cfg:      cfg,
		registry: registry.NewSessionRegistry(),
		resolver: newFakeResolver(),
		voice:    &fakeVoice{},
		streamer: &fakeStreamer{opened: make(chan *fakeDispatcher, 16)},
		text:     &recordingSink{},
	}
	f.mgr = NewManager(cfg, f.registry, f.resolver, f.voice, f.streamer, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = f.mgr.Close(ctx)
	})
	return f
}

func (f *fixture) request(query string) PlayRequest {
	return PlayRequest{
		GuildID:        "g1",
		VoiceChannelID: "vc1",
		Requester:      track.Requester{ID: "u1", Name: "user"},
		Query:          query,
		Text:           f.text,
	}
}

func (f *fixture) skip(guildID string) (track.QueuedTrack, error) {
	return f.mgr.Skip(context.Background(), f.mgr.Reserve(guildID))
}

func (f *fixture) stop(guildID string) error {
	return f.mgr.Stop(context.Background(), f.mgr.Reserve(guildID))
}

func (f *fixture) setVolume(guildID string, percent float64) (float64, error) {
	return f.mgr.SetVolume(context.Background(), f.mgr.Reserve(guildID), percent)
}

type playOutcome struct {
	res PlayResult
	err error
}

func (f *fixture) playAsync(req PlayRequest) <-chan playOutcome {
	ch := make(chan playOutcome, 1)
	go func() {
		res, err := f.mgr.Play(context.Background(), req)
		ch <- playOutcome{res, err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan playOutcome) playOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitTimeout):
		require.FailNow(t, "play did not complete")
		return playOutcome{}
	}
}

func (f *fixture) waitOpened(t *testing.T) *fakeDispatcher {
	t.Helper()
	select {
	case d := <-f.streamer.opened:
		return d
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for stream to open")
		return nil
	}
}

func (f *fixture) waitResolveStarted(t *testing.T, query string) {
	t.Helper()
	select {
	case q := <-f.resolver.started:
		require.Equal(t, query, q)
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for resolution to start")
	}
}

func (f *fixture) waitNoSession(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, waitTimeout, 5*time.Millisecond)
}

func titles(tracks []track.QueuedTrack) []string {
	result := make([]string, 0, len(tracks))
	for _, qt := range tracks {
		result = append(result, qt.Track.Title)
	}
	return result
}

func TestManager_PlayKeepsReceiptOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.delays["A"] = 150 * time.Millisecond
	f.resolver.delays["C"] = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make(map[string]PlayResult)
	var mu sync.Mutex
	for _, q := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			res, err := f.mgr.Play(context.Background(), f.request(q))
			assert.NoError(t, err)
			mu.Lock()
			results[q] = res
			mu.Unlock()
		}(q)
		f.waitResolveStarted(t, q)
	}
	wg.Wait()

	d := f.waitOpened(t)
	assert.Equal(t, "A", d.title)

	status, err := f.mgr.Status("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, titles(status.Tracks))
	assert.Equal(t, 1, f.voice.Joins())
	assert.True(t, results["A"].Started)
	assert.False(t, results["B"].Started)
	assert.Equal(t, 2, results["C"].Position)

	// Completion of A advances to B.
	d.finish()
	d = f.waitOpened(t)
	assert.Equal(t, "B", d.title)
	status, err = f.mgr.Status("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, titles(status.Tracks))
}

func TestManager_StopRemovesSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	_, err = f.mgr.Play(context.Background(), f.request("B"))
	require.NoError(t, err)
	f.waitOpened(t)

	require.NoError(t, f.stop("g1"))
	f.waitNoSession(t)

	assert.True(t, f.voice.LastConn().Left())
	_, err = f.mgr.Status("g1")
	assert.ErrorIs(t, err, ErrNoSession)

	err = f.stop("g1")
	assert.ErrorIs(t, err, ErrUserInput)
	assert.Equal(t, f.cfg.Messages.NothingToStop, errors.FlattenHints(err))
}

func TestManager_SkipSingleTrackDrains(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	qt, err := f.skip("g1")
	require.NoError(t, err)
	assert.Equal(t, "A", qt.Track.Title)
	f.waitNoSession(t)

	require.Eventually(t, func() bool { return len(f.text.Messages()) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"now playing: A", f.cfg.Messages.QueueFinished}, f.text.Messages())

	_, err = f.skip("g1")
	assert.ErrorIs(t, err, ErrUserInput)
	assert.Equal(t, f.cfg.Messages.NothingToSkip, errors.FlattenHints(err))
}

func TestManager_SetVolume(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.setVolume("g1", 50)
	assert.ErrorIs(t, err, ErrUserInput)
	assert.Equal(t, f.cfg.Messages.NothingPlaying, errors.FlattenHints(err))

	_, err = f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	tests := []struct {
		percent float64
		want    float64
	}{
		{150, 1.0},
		{-20, 0.0},
		{50, 0.5},
	}
	for _, tt := range tests {
		v, err := f.setVolume("g1", tt.percent)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v)

		status, err := f.mgr.Status("g1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, status.Volume)
	}
}

func TestManager_JoinFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.voice.err = errors.New("missing access")

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, "could not join voice channel: missing access", errors.FlattenHints(err))
	assert.Equal(t, 0, f.registry.Count())
}

func TestManager_ResolutionFailureLeavesQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.errs["nothing"] = resolver.ErrNotFound
	f.resolver.errs["https://bad"] = resolver.ErrUnplayable

	_, err := f.mgr.Play(context.Background(), f.request("nothing"))
	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, "no results for nothing", errors.FlattenHints(err))
	assert.Equal(t, 0, f.registry.Count())

	_, err = f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	_, err = f.mgr.Play(context.Background(), f.request("https://bad"))
	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, "no video found: https://bad", errors.FlattenHints(err))

	status, err := f.mgr.Status("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, titles(status.Tracks))
}

func TestManager_UserInputRejected(t *testing.T) {
	f := newFixture(t, nil)

	req := f.request("A")
	req.VoiceChannelID = ""
	_, err := f.mgr.Play(context.Background(), req)
	assert.ErrorIs(t, err, ErrUserInput)
	assert.Equal(t, f.cfg.Messages.NotInVoice, errors.FlattenHints(err))

	_, err = f.mgr.Play(context.Background(), f.request("   "))
	assert.ErrorIs(t, err, ErrUserInput)
	assert.Equal(t, f.cfg.Messages.InvalidQuery, errors.FlattenHints(err))

	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.voice.Joins())
}

func TestManager_FilterRejects(t *testing.T) {
	f := newFixture(t, map[string]config.FilterConfig{
		"queue_limit_filter": {Enabled: true, Settings: map[string]any{"max_tracks": 1}},
	})
	require.Len(t, f.mgr.Filters().Filters(), 1)

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	_, err = f.mgr.Play(context.Background(), f.request("B"))
	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, f.cfg.Messages.QueueFull, errors.FlattenHints(err))

	status, err := f.mgr.Status("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, titles(status.Tracks))
}

func TestManager_PlayWhileDrainingStartsNewSession(t *testing.T) {
	f := newFixture(t, nil)
	leave := make(chan struct{})
	f.voice.leaveCh = leave

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	require.NoError(t, f.stop("g1"))
	require.Eventually(t, func() bool {
		status, err := f.mgr.Status("g1")
		return err == nil && status.State == playback.StateDraining
	}, waitTimeout, 5*time.Millisecond)

	resCh := f.playAsync(f.request("B"))

	f.waitResolveStarted(t, "A")
	f.waitResolveStarted(t, "B")
	close(leave)

	o := waitOutcome(t, resCh)
	require.NoError(t, o.err)
	assert.True(t, o.res.Started)

	d := f.waitOpened(t)
	assert.Equal(t, "B", d.title)
	assert.Equal(t, 2, f.voice.Joins())
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.delays["slow"] = 300 * time.Millisecond

	_, err := f.mgr.Play(context.Background(), f.request("A"))
	require.NoError(t, err)
	f.waitOpened(t)

	slow := f.request("slow")
	slow.GuildID = "g2"
	go func() { _, _ = f.mgr.Play(context.Background(), slow) }()

	// g1 commands do not wait for g2's resolution.
	start := time.Now()
	_, err = f.setVolume("g1", 10)
	require.NoError(t, err)
	_, err = f.skip("g1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestManager_PlayDuringFailedJoinStartsNewSession(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.voice.gate = gate
	f.voice.errs = []error{errors.New("join denied")}

	aCh := f.playAsync(f.request("A"))
	f.waitResolveStarted(t, "A")
	require.Eventually(t, func() bool { return f.voice.Joins() == 1 }, waitTimeout, 5*time.Millisecond)

	bCh := f.playAsync(f.request("B"))
	f.waitResolveStarted(t, "B")

	// B is not queued into a session whose join is still in flight.
	select {
	case o := <-bCh:
		require.FailNow(t, "play finished before the join settled", "err=%v", o.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	a := waitOutcome(t, aCh)
	assert.ErrorIs(t, a.err, ErrConnection)
	assert.Equal(t, "could not join voice channel: join denied", errors.FlattenHints(a.err))

	b := waitOutcome(t, bCh)
	require.NoError(t, b.err)
	assert.True(t, b.res.Started)

	d := f.waitOpened(t)
	assert.Equal(t, "B", d.title)
	assert.Equal(t, 2, f.voice.Joins())

	status, err := f.mgr.Status("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, titles(status.Tracks))
}

func TestManager_CommandsFollowReserveOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.delays["A"] = 100 * time.Millisecond

	// play A is received before stop, so stop must see A.
	playReq := f.request("A")
	playReq.Turn = f.mgr.Reserve("g1")
	stopTurn := f.mgr.Reserve("g1")

	aCh := f.playAsync(playReq)
	stopErr := make(chan error, 1)
	go func() { stopErr <- f.mgr.Stop(context.Background(), stopTurn) }()

	require.NoError(t, waitOutcome(t, aCh).err)
	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "stop did not complete")
	}
	f.waitNoSession(t)
}

func TestManager_PlayAfterCloseCreatesNoSession(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.delays["A"] = 100 * time.Millisecond

	aCh := f.playAsync(f.request("A"))
	f.waitResolveStarted(t, "A")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.mgr.Close(ctx))

	a := waitOutcome(t, aCh)
	assert.ErrorIs(t, a.err, ErrClosed)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.voice.Joins())
}
