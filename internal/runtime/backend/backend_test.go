package backend

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/paybridge/internal/runtime/backend/backendtest"
	"github.com/drblury/paybridge/internal/runtime/config"
	perrors "github.com/drblury/paybridge/internal/runtime/errors"
	"github.com/drblury/paybridge/internal/runtime/logging"
	"github.com/drblury/paybridge/internal/runtime/metrics"
)

func testHandler(method string, stream grpc.ServerStream) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	switch path.Base(method) {
	case "Echo":
		return stream.SendMsg(req)
	case "Denied":
		return status.Error(codes.PermissionDenied, "store not accessible")
	case "Updates":
		for _, s := range []string{"PENDING", "PENDING", "SUCCESS"} {
			msg, _ := structpb.NewStruct(map[string]any{"status": s})
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
		return nil
	case "Slow":
		<-stream.Context().Done()
		return stream.Context().Err()
	default:
		return nil
	}
}

func newTestClient(t *testing.T, srv *backendtest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{WithPlaintext(), WithDialOptions(srv.DialOption()), WithShutdownGrace(time.Second)}
	c, err := New(backendtest.Target, logging.NewNopServiceLogger(), append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestUnaryAttachesCredential(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv)

	req, _ := structpb.NewStruct(map[string]any{"storeId": "S1"})
	resp := &structpb.Struct{}
	require.NoError(t, c.Unary(context.Background(), "/test.v1.Svc/Echo", "tenant-key", req, resp))

	assert.Equal(t, "S1", resp.GetFields()["storeId"].GetStringValue())
	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/test.v1.Svc/Echo", calls[0].Method)
	assert.Equal(t, "tenant-key", calls[0].Credential)
}

func TestChannelsDoNotShareCredentials(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv)

	for _, key := range []string{"tenant-a", "tenant-b", ""} {
		require.NoError(t, c.Unary(context.Background(), "/test.v1.Svc/Echo", key, &structpb.Struct{}, &structpb.Struct{}))
	}

	calls := srv.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "tenant-a", calls[0].Credential)
	assert.Equal(t, "tenant-b", calls[1].Credential)
	assert.Empty(t, calls[2].Credential)
}

func TestCredentialReplacesInheritedHeader(t *testing.T) {
	ctx := metadata.AppendToOutgoingContext(context.Background(), APIKeyHeader, "stale", "trace", "abc")
	md, ok := metadata.FromOutgoingContext(withCredential(ctx, "fresh"))
	require.True(t, ok)
	assert.Equal(t, []string{"fresh"}, md.Get(APIKeyHeader))
	assert.Equal(t, []string{"abc"}, md.Get("trace"))
}

func TestUnaryWrapsStatusErrors(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	m := metrics.New()
	c := newTestClient(t, srv, WithMetrics(m))

	err := c.Unary(context.Background(), "/test.v1.Svc/Denied", "k", &structpb.Struct{}, &structpb.Struct{})
	require.Error(t, err)

	var downstream *perrors.DownstreamError
	require.True(t, errors.As(err, &downstream))
	assert.Equal(t, "/test.v1.Svc/Denied", downstream.Operation)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, perrors.CategoryDownstream, perrors.Classify(err))
	assert.Contains(t, err.Error(), "store not accessible")
}

func TestUnaryTimeout(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	err := c.Unary(context.Background(), "/test.v1.Svc/Slow", "k", &structpb.Struct{}, &structpb.Struct{})
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServerStreamEmitsInOrder(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv)

	var got []string
	err := c.ServerStream(context.Background(), "/test.v1.Svc/Updates", "k", &structpb.Struct{},
		func() proto.Message { return &structpb.Struct{} },
		func(m proto.Message) error {
			got = append(got, m.(*structpb.Struct).GetFields()["status"].GetStringValue())
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"PENDING", "PENDING", "SUCCESS"}, got)
	assert.Equal(t, "k", srv.Calls()[0].Credential)
}

func TestServerStreamEmptyIsError(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv)

	err := c.ServerStream(context.Background(), "/test.v1.Svc/Nothing", "k", &structpb.Struct{},
		func() proto.Message { return &structpb.Struct{} },
		func(proto.Message) error { return nil })
	assert.ErrorIs(t, err, perrors.ErrEmptyStream)
}

func TestServerStreamStopsOnEmitError(t *testing.T) {
	srv := backendtest.Start(t, testHandler)
	c := newTestClient(t, srv)
	boom := errors.New("publish failed")

	calls := 0
	err := c.ServerStream(context.Background(), "/test.v1.Svc/Updates", "k", &structpb.Struct{},
		func() proto.Message { return &structpb.Struct{} },
		func(proto.Message) error {
			calls++
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", logging.NewNopServiceLogger())
	assert.Error(t, err)

	_, err = New("localhost:443", nil)
	assert.ErrorIs(t, err, perrors.ErrLoggerRequired)

	_, err = New("localhost:443", logging.NewNopServiceLogger(), WithCAFile(filepath.Join(t.TempDir(), "missing.pem")))
	assert.ErrorContains(t, err, "failed to setup backend TLS")
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BackendHost = "grpc-staging.kodypay.com"
	cfg.BackendCallTimeout = 3 * time.Second

	c, err := NewFromConfig(cfg, logging.NewNopServiceLogger())
	require.NoError(t, err)
	assert.Equal(t, "grpc-staging.kodypay.com:443", c.Target())
	assert.Equal(t, 3*time.Second, c.callTimeout)
	assert.False(t, c.plaintext)

	_, err = NewFromConfig(nil, logging.NewNopServiceLogger())
	assert.ErrorIs(t, err, perrors.ErrConfigRequired)
}
