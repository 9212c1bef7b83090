package connect

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/osa030/patchouli/internal/app/notification"
	"github.com/osa030/patchouli/internal/app/playback"
	"github.com/osa030/patchouli/internal/app/session"
	"github.com/osa030/patchouli/internal/app/session/lane"
	"github.com/osa030/patchouli/internal/domain/track"
)

// Sessions is the part of the session manager the admin service uses.
type Sessions interface {
	Sessions() []playback.Status
	Reserve(guildID string) *lane.Turn
	Skip(ctx context.Context, turn *lane.Turn) (track.QueuedTrack, error)
	Stop(ctx context.Context, turn *lane.Turn) error
	Notifications() *notification.Manager
}

// AdminService implements the admin RPCs.
type AdminService struct {
	sessions Sessions
	now      func() time.Time
}

// NewAdminService creates a new AdminService.
func NewAdminService(sessions Sessions) *AdminService {
	return &AdminService{
		sessions: sessions,
		now:      time.Now,
	}
}

// ListSessions returns every live session.
func (s *AdminService) ListSessions(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	statuses := s.sessions.Sessions()

	list := make([]any, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, s.sessionInfo(st))
	}

	msg, err := structpb.NewStruct(map[string]any{
		"count":    len(statuses),
		"sessions": list,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, errors.Wrap(err, "failed to build response"))
	}
	return connect.NewResponse(msg), nil
}

// Skip skips the current track of a guild.
func (s *AdminService) Skip(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	guildID := req.Msg.GetValue()
	qt, err := s.sessions.Skip(ctx, s.sessions.Reserve(guildID))
	if err != nil {
		return nil, toConnectError(err)
	}
	zlog.Info().Str("guild", guildID).Msgf("admin: skip: track=%s", qt.Track)
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Stop stops a guild's session.
func (s *AdminService) Stop(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	guildID := req.Msg.GetValue()
	if err := s.sessions.Stop(ctx, s.sessions.Reserve(guildID)); err != nil {
		return nil, toConnectError(err)
	}
	zlog.Info().Str("guild", guildID).Msg("admin: stop")
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Watch streams playback notifications until the client goes away.
func (s *AdminService) Watch(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
	stream *connect.ServerStream[structpb.Struct],
) error {
	notifManager := s.sessions.Notifications()
	adapter := &notificationStreamAdapter{stream: stream}
	subscriptionID := notifManager.Subscribe(adapter)
	defer notifManager.Unsubscribe(subscriptionID)

	zlog.Debug().Msgf("admin: watch started: subscription=%s", subscriptionID)
	<-ctx.Done()
	zlog.Debug().Msgf("admin: watch ended: subscription=%s", subscriptionID)
	return nil
}

func (s *AdminService) sessionInfo(st playback.Status) map[string]any {
	tracks := make([]any, 0, len(st.Tracks))
	for _, qt := range st.Tracks {
		tracks = append(tracks, map[string]any{
			"title":     qt.Track.Title,
			"uri":       qt.Track.SourceURI,
			"requester": qt.Requester.Name,
		})
	}
	return map[string]any{
		"guild":   st.GuildID,
		"session": st.SessionID,
		"channel": st.VoiceChannelID,
		"state":   st.State.String(),
		"volume":  st.Volume,
		"playing": st.Playing,
		"tracks":  tracks,
		"started": humanize.RelTime(st.StartedAt, s.now(), "ago", "from now"),
	}
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, session.ErrUserInput):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// notificationStreamAdapter adapts connect.ServerStream to notification.Stream.
type notificationStreamAdapter struct {
	stream *connect.ServerStream[structpb.Struct]
}

func (a *notificationStreamAdapter) Send(n notification.Notification) error {
	msg, err := structpb.NewStruct(map[string]any{
		"sequence_no": float64(n.SequenceNo),
		"type":        n.Type,
		"guild":       n.GuildID,
		"session":     n.SessionID,
		"state":       n.State,
		"track":       n.Track,
		"error":       n.Error,
		"time":        n.Time.Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}
	return a.stream.Send(msg)
}
