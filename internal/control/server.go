package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"offline_portfolio/internal/admin"
	"offline_portfolio/internal/worker"
)

// Server answers control calls from the shared admin service.
type Server struct {
	service *admin.Service
}

func NewServer(service *admin.Service) *Server {
	return &Server{service: service}
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.service.Status())
}

func (s *Server) Deploy(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	entry, err := s.service.Deploy(ctx, in.GetValue(), "grpc")
	if err != nil {
		return nil, deployStatus(err)
	}
	return toStruct(map[string]interface{}{
		"deployed": true,
		"deploy":   entry,
		"status":   s.service.Status(),
	})
}

func (s *Server) Caches(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names, err := s.service.Caches()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	values := make([]interface{}, 0, len(names))
	for _, name := range names {
		values = append(values, name)
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func (s *Server) History(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	var values []interface{}
	if err := roundTrip(s.service.History(), &values); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func deployStatus(err error) error {
	switch {
	case errors.Is(err, admin.ErrInvalidVersion):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, worker.ErrSeedFetch):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts any JSON-shaped value into a protobuf Struct.
func toStruct(value interface{}) (*structpb.Struct, error) {
	fields := map[string]interface{}{}
	if err := roundTrip(value, &fields); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func roundTrip(value interface{}, out interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// AuthInterceptor enforces the admin bearer token carried in the
// authorization metadata and applies the admin rate limiter per peer.
func AuthInterceptor(auth *admin.Authenticator, limiter *admin.RateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		addr := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			addr = p.Addr.String()
		}
		if !limiter.Allow(addr) {
			return nil, status.Error(codes.ResourceExhausted, "rate_limited")
		}
		header := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		if err := auth.CheckAuthorization(header); err != nil {
			limiter.RecordFailure(addr)
			log.Printf("control_auth method=%s peer=%s result=denied reason=%v", info.FullMethod, addr, err)
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		limiter.ResetFailures(addr)
		return handler(ctx, req)
	}
}

type Options struct {
	Auth        *admin.Authenticator
	RateLimiter *admin.RateLimiter
	TLS         *tls.Config
}

// Listener is a running control server.
type Listener struct {
	Addr   string
	server *grpc.Server
	ln     net.Listener
}

func Start(addr string, srv *Server, opts Options) (*Listener, error) {
	if opts.Auth == nil {
		return nil, errors.New("control auth is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	serverOpts := []grpc.ServerOption{grpc.UnaryInterceptor(AuthInterceptor(opts.Auth, opts.RateLimiter))}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}
	server := grpc.NewServer(serverOpts...)
	RegisterControlServer(server, srv)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("control server error: %v", err)
		}
	}()
	return &Listener{Addr: ln.Addr().String(), server: server, ln: ln}, nil
}

// Stop drains in-flight calls until ctx ends, then closes what is left.
func (l *Listener) Stop(ctx context.Context) error {
	if l == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.server.Stop()
		return ctx.Err()
	}
}
