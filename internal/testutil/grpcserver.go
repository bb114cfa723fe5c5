package testutil

import (
	"net"
	"testing"

	"google.golang.org/grpc"
)

// StartGRPCServer serves whatever register installs on a loopback port and
// stops the server when the test ends.
func StartGRPCServer(t *testing.T, register func(*grpc.Server), opts ...grpc.ServerOption) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := grpc.NewServer(opts...)
	register(server)
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		server.GracefulStop()
		_ = ln.Close()
	})
	return ln.Addr().String()
}
