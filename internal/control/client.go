package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	conn  *grpc.ClientConn
	token string
}

type ClientOptions struct {
	Token string
	// TransportCredentials defaults to plaintext.
	TransportCredentials credentials.TransportCredentials
}

func NewClient(addr string, opts ClientOptions) (*Client, error) {
	creds := opts.TransportCredentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: opts.Token}, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	if c == nil {
		return nil, grpc.ErrClientConnClosing
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), statusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Deploy(ctx context.Context, version string) (map[string]interface{}, error) {
	if c == nil {
		return nil, grpc.ErrClientConnClosing
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), deployMethod, wrapperspb.String(version), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Caches(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, grpc.ErrClientConnClosing
	}
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(c.outgoing(ctx), cachesMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, value := range out.GetValues() {
		names = append(names, value.GetStringValue())
	}
	return names, nil
}

func (c *Client) History(ctx context.Context) ([]interface{}, error) {
	if c == nil {
		return nil, grpc.ErrClientConnClosing
	}
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(c.outgoing(ctx), historyMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
