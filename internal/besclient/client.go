// Package besclient defines the RPC client interface the transport core
// depends on and a default gRPC-backed implementation. The wire messages
// (internal/besproto) are opaque JSON-tagged structs rather than
// protoc-generated types, so this client talks to the collector through
// grpc.ClientConn's low-level Invoke/NewStream rather than a generated
// stub.
package besclient

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/bes-transport/internal/besproto"
)

const (
	serviceName             = "build_event_service.PublishBuildEvent"
	methodPublishLifecycle  = "/" + serviceName + "/PublishLifecycleEvent"
	methodPublishBuildEvent = "/" + serviceName + "/PublishBuildToolEventStream"
)

// Stream is one bidirectional build-event stream attempt. A Stream is used
// by exactly one goroutine for Send and one goroutine for Recv, matching
// the driver/ACK-callback split this client is built for.
type Stream interface {
	Send(req besproto.StreamRequest) error
	Recv() (besproto.StreamResponse, error)
	CloseSend() error
}

// Client is the RPC surface the upload pipeline depends on. Both methods
// are expected to return classifiable errors (see Classify) so the
// retry controller can decide whether to reattempt.
type Client interface {
	// PublishLifecycleEvent sends a single unary lifecycle envelope.
	PublishLifecycleEvent(ctx context.Context, req besproto.LifecycleRequest) (besproto.LifecycleResponse, error)

	// OpenStream starts a new bidirectional stream attempt.
	OpenStream(ctx context.Context) (Stream, error)

	// Close releases any resources (connections) held by the client.
	Close() error
}

// ErrNotConnected is returned by OpenStream when the client has already
// been closed.
var ErrNotConnected = fmt.Errorf("besclient: client is closed")
