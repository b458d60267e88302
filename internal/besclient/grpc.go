package besclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/bes-transport/internal/besproto"
)

var log = slog.Default()

// GRPCClient is the default Client implementation, dialing one collector
// address and caching the resulting connection. Mirrors the connection
// caching in the raft transport this repository grew out of, but keyed on
// a single address since there is exactly one collector.
type GRPCClient struct {
	addr string
	opts []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool
}

// NewGRPCClient returns a client that will lazily dial addr on first use.
// extraOpts are appended after the insecure transport-credentials default,
// so callers can add TLS, keepalive, or interceptor options.
func NewGRPCClient(addr string, extraOpts ...grpc.DialOption) *GRPCClient {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, extraOpts...)
	return &GRPCClient{addr: addr, opts: opts}
}

func (c *GRPCClient) getConn() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotConnected
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("besclient: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// PublishLifecycleEvent implements Client.
func (c *GRPCClient) PublishLifecycleEvent(ctx context.Context, req besproto.LifecycleRequest) (besproto.LifecycleResponse, error) {
	conn, err := c.getConn()
	if err != nil {
		return besproto.LifecycleResponse{}, err
	}

	var resp besproto.LifecycleResponse
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if err := conn.Invoke(ctx, methodPublishLifecycle, &req, &resp, callOpts...); err != nil {
		return besproto.LifecycleResponse{}, err
	}
	return resp, nil
}

// OpenStream implements Client.
func (c *GRPCClient) OpenStream(ctx context.Context) (Stream, error) {
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	desc := &grpc.StreamDesc{
		StreamName:    "PublishBuildToolEventStream",
		ServerStreams: true,
		ClientStreams: true,
	}
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	cs, err := conn.NewStream(ctx, desc, methodPublishBuildEvent, callOpts...)
	if err != nil {
		return nil, err
	}
	return &grpcStream{cs: cs}, nil
}

// Close implements Client.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		log.Warn("besclient: error closing connection", "addr", c.addr, "err", err)
	}
	return err
}

type grpcStream struct {
	cs grpc.ClientStream
}

func (s *grpcStream) Send(req besproto.StreamRequest) error {
	return s.cs.SendMsg(&req)
}

func (s *grpcStream) Recv() (besproto.StreamResponse, error) {
	var resp besproto.StreamResponse
	if err := s.cs.RecvMsg(&resp); err != nil {
		return besproto.StreamResponse{}, err
	}
	return resp, nil
}

func (s *grpcStream) CloseSend() error {
	return s.cs.CloseSend()
}
