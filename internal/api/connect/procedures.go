package connect

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminServiceName is the fully-qualified name of the admin service.
const AdminServiceName = "patchouli.admin.v1.AdminService"

// Procedure paths of the admin service.
const (
	AdminServiceListSessionsProcedure = "/" + AdminServiceName + "/ListSessions"
	AdminServiceSkipProcedure         = "/" + AdminServiceName + "/Skip"
	AdminServiceStopProcedure         = "/" + AdminServiceName + "/Stop"
	AdminServiceWatchProcedure        = "/" + AdminServiceName + "/Watch"
)

// AdminServiceClient calls the admin service. Messages are protobuf
// well-known types, so no generated code is needed on either side.
type AdminServiceClient struct {
	listSessions *connect.Client[emptypb.Empty, structpb.Struct]
	skip         *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	stop         *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	watch        *connect.Client[emptypb.Empty, structpb.Struct]
	token        string
}

// NewAdminServiceClient creates a client for the admin service at baseURL.
// token is sent with every call.
func NewAdminServiceClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *AdminServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &AdminServiceClient{
		listSessions: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+AdminServiceListSessionsProcedure, opts...),
		skip:         connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+AdminServiceSkipProcedure, opts...),
		stop:         connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+AdminServiceStopProcedure, opts...),
		watch:        connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+AdminServiceWatchProcedure, opts...),
		token:        token,
	}
}

// ListSessions returns every live session.
func (c *AdminServiceClient) ListSessions(ctx context.Context) (*structpb.Struct, error) {
	resp, err := c.listSessions.CallUnary(ctx, withToken(connect.NewRequest(&emptypb.Empty{}), c.token))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Skip skips the current track of a guild.
func (c *AdminServiceClient) Skip(ctx context.Context, guildID string) error {
	_, err := c.skip.CallUnary(ctx, withToken(connect.NewRequest(wrapperspb.String(guildID)), c.token))
	return err
}

// Stop stops a guild's session.
func (c *AdminServiceClient) Stop(ctx context.Context, guildID string) error {
	_, err := c.stop.CallUnary(ctx, withToken(connect.NewRequest(wrapperspb.String(guildID)), c.token))
	return err
}

// Watch calls fn for every playback notification until ctx ends, the stream
// fails or fn returns an error.
func (c *AdminServiceClient) Watch(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.watch.CallServerStream(ctx, withToken(connect.NewRequest(&emptypb.Empty{}), c.token))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg()); err != nil {
			return err
		}
	}
	return stream.Err()
}

func withToken[T any](req *connect.Request[T], token string) *connect.Request[T] {
	req.Header().Set(AdminTokenHeader, token)
	return req
}

// NewAdminServiceHandler builds an HTTP handler serving svc. It returns the
// path to mount the handler on.
func NewAdminServiceHandler(svc *AdminService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(AdminServiceListSessionsProcedure, connect.NewUnaryHandler(AdminServiceListSessionsProcedure, svc.ListSessions, opts...))
	mux.Handle(AdminServiceSkipProcedure, connect.NewUnaryHandler(AdminServiceSkipProcedure, svc.Skip, opts...))
	mux.Handle(AdminServiceStopProcedure, connect.NewUnaryHandler(AdminServiceStopProcedure, svc.Stop, opts...))
	mux.Handle(AdminServiceWatchProcedure, connect.NewServerStreamHandler(AdminServiceWatchProcedure, svc.Watch, opts...))
	return "/" + AdminServiceName + "/", mux
}
