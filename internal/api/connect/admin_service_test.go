package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/patchouli/internal/app/notification"
	"github.com/osa030/patchouli/internal/app/playback"
	"github.com/osa030/patchouli/internal/app/session"
	"github.com/osa030/patchouli/internal/app/session/lane"
	"github.com/osa030/patchouli/internal/domain/track"
)

const testToken = "secret"

type fakeSessions struct {
	lanes    *lane.Lanes
	statuses []playback.Status
	skipped  []string
	stopped  []string
	notifier *notification.Manager
}

func (f *fakeSessions) Sessions() []playback.Status { return f.statuses }

func (f *fakeSessions) Reserve(guildID string) *lane.Turn { return f.lanes.Reserve(guildID) }

func (f *fakeSessions) Skip(ctx context.Context, turn *lane.Turn) (track.QueuedTrack, error) {
	defer turn.Release()
	guildID := turn.Key()
	if guildID != "g1" {
		return track.QueuedTrack{}, errors.Mark(session.ErrNoSession, session.ErrUserInput)
	}
	f.skipped = append(f.skipped, guildID)
	return track.QueuedTrack{Track: track.Track{Title: "A"}}, nil
}

func (f *fakeSessions) Stop(ctx context.Context, turn *lane.Turn) error {
	defer turn.Release()
	guildID := turn.Key()
	if guildID != "g1" {
		return errors.Mark(session.ErrNoSession, session.ErrUserInput)
	}
	f.stopped = append(f.stopped, guildID)
	return nil
}

func (f *fakeSessions) Notifications() *notification.Manager { return f.notifier }

func newTestServer(t *testing.T, sessions *fakeSessions) *httptest.Server {
	t.Helper()
	svc := NewAdminService(sessions)
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	mux := http.NewServeMux()
	path, handler := NewAdminServiceHandler(svc, connect.WithInterceptors(NewAdminAuthInterceptor(testToken)))
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSessions() *fakeSessions {
	return &fakeSessions{
		lanes:    lane.New(),
		notifier: notification.NewManager(),
		statuses: []playback.Status{{
			SessionID:      "s1",
			GuildID:        "g1",
			VoiceChannelID: "vc1",
			State:          playback.StateStreaming,
			Volume:         0.25,
			Playing:        true,
			StartedAt:      time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
			Tracks: []track.QueuedTrack{
				{Track: track.Track{Title: "A", SourceURI: "https://example.com/a"}, Requester: track.Requester{Name: "alice"}},
				{Track: track.Track{Title: "B", SourceURI: "https://example.com/b"}, Requester: track.Requester{Name: "bob"}},
			},
		}},
	}
}

func TestAdminService_ListSessions(t *testing.T) {
	srv := newTestServer(t, newSessions())
	client := NewAdminServiceClient(srv.Client(), srv.URL, testToken)

	msg, err := client.ListSessions(context.Background())
	require.NoError(t, err)

	m := msg.AsMap()
	assert.Equal(t, float64(1), m["count"])
	sessions := m["sessions"].([]any)
	require.Len(t, sessions, 1)

	s := sessions[0].(map[string]any)
	assert.Equal(t, "g1", s["guild"])
	assert.Equal(t, "streaming", s["state"])
	assert.Equal(t, 0.25, s["volume"])
	assert.Equal(t, "1 hour ago", s["started"])
	tracks := s["tracks"].([]any)
	require.Len(t, tracks, 2)
	assert.Equal(t, "A", tracks[0].(map[string]any)["title"])
	assert.Equal(t, "bob", tracks[1].(map[string]any)["requester"])
}

func TestAdminService_SkipStop(t *testing.T) {
	sessions := newSessions()
	srv := newTestServer(t, sessions)
	client := NewAdminServiceClient(srv.Client(), srv.URL, testToken)
	ctx := context.Background()

	require.NoError(t, client.Skip(ctx, "g1"))
	require.NoError(t, client.Stop(ctx, "g1"))
	assert.Equal(t, []string{"g1"}, sessions.skipped)
	assert.Equal(t, []string{"g1"}, sessions.stopped)
	assert.Equal(t, 0, sessions.lanes.Len())

	err := client.Skip(ctx, "unknown")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	err = client.Stop(ctx, "unknown")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestAdminService_RequiresToken(t *testing.T) {
	sessions := newSessions()
	srv := newTestServer(t, sessions)
	ctx := context.Background()

	for _, token := range []string{"", "wrong"} {
		client := NewAdminServiceClient(srv.Client(), srv.URL, token)

		_, err := client.ListSessions(ctx)
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

		err = client.Stop(ctx, "g1")
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

		err = client.Watch(ctx, func(*structpb.Struct) error { return nil })
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
	}
	assert.Empty(t, sessions.stopped)
}

func TestAdminService_Watch(t *testing.T) {
	sessions := newSessions()
	srv := newTestServer(t, sessions)
	client := NewAdminServiceClient(srv.Client(), srv.URL, testToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan map[string]any, 1)
	go func() {
		_ = client.Watch(ctx, func(msg *structpb.Struct) error {
			received <- msg.AsMap()
			return errors.New("done")
		})
	}()

	require.Eventually(t, func() bool {
		return sessions.notifier.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sessions.notifier.Broadcast(notification.Notification{
		Type:    "track_started",
		GuildID: "g1",
		State:   "streaming",
		Track:   "A",
	})

	select {
	case m := <-received:
		assert.Equal(t, "track_started", m["type"])
		assert.Equal(t, "g1", m["guild"])
		assert.Equal(t, "A", m["track"])
		assert.Equal(t, float64(1), m["sequence_no"])
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no notification received")
	}
}
