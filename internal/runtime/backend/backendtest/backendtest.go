// Package backendtest runs an in-process gRPC server on bufconn for tests that
// exercise the backend client without a network.
package backendtest

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

// Target is the dial target matching DialOption.
const Target = "passthrough:///bufnet"

const bufSize = 1 << 20

// Handler serves any method. It is registered as the unknown-service handler
// so tests need no generated stubs.
type Handler func(method string, stream grpc.ServerStream) error

// Call is one RPC observed by the server.
type Call struct {
	Method     string
	Credential string
}

type Server struct {
	lis *bufconn.Listener
	srv *grpc.Server

	mu    sync.Mutex
	calls []Call
}

// Start serves handler until the test ends.
func Start(t testing.TB, handler Handler) *Server {
	t.Helper()

	s := &Server{lis: bufconn.Listen(bufSize)}
	s.srv = grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		call := Call{Method: method}
		if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
			if v := md.Get("x-api-key"); len(v) > 0 {
				call.Credential = v[0]
			}
		}
		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()
		return handler(method, stream)
	}))

	go func() { _ = s.srv.Serve(s.lis) }()
	t.Cleanup(func() {
		s.srv.Stop()
		_ = s.lis.Close()
	})
	return s
}

// DialOption routes Target to the in-process listener.
func (s *Server) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return s.lis.DialContext(ctx)
	})
}

// Calls returns the RPCs seen so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
