// Package fake implements besclient.Client without a network, for driving
// deterministic fault-injection scenarios in tests: mid-stream failures,
// permanent rejections, out-of-order ACKs, and stalls.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/internal/besproto"
)

// FailAt describes one scripted failure: on a given stream attempt, the
// Send call made after N successful sends returns Err instead of
// succeeding (N is zero-based: N == 0 fails the very first Send).
type FailAt struct {
	N   int
	Err error
}

// Client is a scriptable fake collector.
type Client struct {
	mu sync.Mutex

	// LifecycleErr, if set, is returned by every PublishLifecycleEvent call.
	LifecycleErr error
	Lifecycle    []besproto.LifecycleRequest

	// StreamFailures fires once per OpenStream call, in order; an OpenStream
	// call past the end of this slice succeeds and never fails mid-stream.
	StreamFailures []*FailAt

	// Delay, if non-nil, is read from before Recv returns each ACK. Used to
	// simulate stalls that exceed a caller's deadline.
	Delay <-chan struct{}

	streamsOpened int
	Streams       []*Stream
	Closed        bool
}

// PublishLifecycleEvent implements besclient.Client.
func (c *Client) PublishLifecycleEvent(ctx context.Context, req besproto.LifecycleRequest) (besproto.LifecycleResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Lifecycle = append(c.Lifecycle, req)
	if c.LifecycleErr != nil {
		return besproto.LifecycleResponse{}, c.LifecycleErr
	}
	return besproto.LifecycleResponse{}, nil
}

// OpenStream implements besclient.Client.
func (c *Client) OpenStream(ctx context.Context) (besclient.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed {
		return nil, besclient.ErrNotConnected
	}

	var fail *FailAt
	if c.streamsOpened < len(c.StreamFailures) {
		fail = c.StreamFailures[c.streamsOpened]
	}
	c.streamsOpened++

	s := newStream(fail, c.Delay)
	c.Streams = append(c.Streams, s)
	return s, nil
}

// Close implements besclient.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// Stream is one fake stream attempt: it ACKs every send with the same
// sequence number, in order, until its scripted failure point (if any).
// Recv blocks until an ACK is available rather than erroring, matching a
// real stream's behaviour.
type Stream struct {
	mu        sync.Mutex
	fail      *FailAt
	delay     <-chan struct{}
	wake      chan struct{}
	sentCount int
	sent      []besproto.StreamRequest
	acked     []int64
	closeSend bool
	failed    bool
}

func newStream(fail *FailAt, delay <-chan struct{}) *Stream {
	return &Stream{fail: fail, delay: delay, wake: make(chan struct{}, 1)}
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Send implements besclient.Stream.
func (s *Stream) Send(req besproto.StreamRequest) error {
	s.mu.Lock()
	if s.fail != nil && s.sentCount == s.fail.N {
		s.failed = true
		s.mu.Unlock()
		s.signal()
		return s.fail.Err
	}
	s.sentCount++
	s.sent = append(s.sent, req)
	s.acked = append(s.acked, req.OrderedBuildEvent.SequenceNumber)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Sent returns every request this stream attempt has successfully sent, in
// order, for tests that need to inspect wire ordering directly.
func (s *Stream) Sent() []besproto.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]besproto.StreamRequest(nil), s.sent...)
}

// Recv implements besclient.Stream. It returns one ACK per prior Send, in
// the order sent, blocking until one is available, the stream's scripted
// failure fires, or Delay (if set) gates the return.
func (s *Stream) Recv() (besproto.StreamResponse, error) {
	for {
		s.mu.Lock()
		if s.failed {
			err := s.fail.Err
			s.mu.Unlock()
			return besproto.StreamResponse{}, err
		}
		if len(s.acked) > 0 {
			seq := s.acked[0]
			s.acked = s.acked[1:]
			s.mu.Unlock()
			if s.delay != nil {
				<-s.delay
			}
			return besproto.StreamResponse{SequenceNumber: seq}, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// CloseSend implements besclient.Stream.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSend = true
	return nil
}

// ReorderNextAck swaps the next two pending ACKs, for driving the
// out-of-order-ACK protocol-violation scenario.
func (s *Stream) ReorderNextAck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acked) < 2 {
		return fmt.Errorf("fake: need at least 2 pending acks to reorder, have %d", len(s.acked))
	}
	s.acked[0], s.acked[1] = s.acked[1], s.acked[0]
	return nil
}
