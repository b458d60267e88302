// Package streamdriver runs one bidirectional stream attempt: it drains
// pending-send, serializes each record (awaiting its artifact future
// first), sends it, and tracks the result on pending-ack until an ACK or
// error resolves it. The send loop and the ACK handler run as separate
// goroutines, coordinated only through the shared ingress queue passed to
// both explicitly — never through a callback closing over the driver — so
// neither side holds a reference back to the other.
package streamdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/internal/besenv"
	"github.com/ChuLiYu/bes-transport/internal/envelope"
	"github.com/ChuLiYu/bes-transport/internal/queue"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

var log = slog.Default()

// CloseDeadline bounds how long Run waits for the final round of ACKs
// after the terminator has been sent and the send side closed.
const CloseDeadline = 30 * time.Second

// Driver owns one stream attempt's send loop.
type Driver struct {
	client     besclient.Client
	queue      *queue.Ingress
	builder    *envelope.Builder
	serializer besevent.Serializer
	clock      besenv.Clock

	// acksSinceRetry counts ACKs received since the last call to
	// TakeAcksSinceRetry, across stream attempts. The retry controller uses
	// it to tell "this attempt made no progress at all" apart from "this
	// attempt acknowledged records before eventually failing" — AckLen
	// alone can't express that, since Resume drains pending-ack to empty
	// between every attempt.
	acksSinceRetry atomic.Int64
}

// New returns a Driver over the given collaborators.
func New(client besclient.Client, q *queue.Ingress, builder *envelope.Builder, serializer besevent.Serializer, clock besenv.Clock) *Driver {
	return &Driver{client: client, queue: q, builder: builder, serializer: serializer, clock: clock}
}

// Run opens one stream, drains pending-send until it pops the terminator
// or an error occurs, then waits out CloseDeadline for the final ACKs. A
// nil return means the terminator was sent and fully acknowledged; any
// non-nil error (including ctx.Err()) leaves whatever remains on
// pending-ack in place for the caller to resume on the next attempt.
func (d *Driver) Run(ctx context.Context) error {
	stream, err := d.client.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("streamdriver: open stream: %w", err)
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	ackErrCh := runAckHandler(stream, d.queue, cancelStream, &d.acksSinceRetry)

	for {
		rec, ok := d.queue.PopSend(streamCtx, queue.DefaultPollTick)
		if !ok {
			if err := firstNonNilErr(ackErrCh); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		if rec.IsTerminator {
			req := d.builder.StreamFinished(rec.SequenceNumber, d.clock.Now())
			d.queue.PushAck(rec)
			if err := stream.Send(req); err != nil {
				return err
			}
			if err := stream.CloseSend(); err != nil {
				return err
			}
			return d.waitForAckDrain(ctx, ackErrCh, CloseDeadline, cancelStream)
		}

		payload, err := rec.Serialize(ctx, d.serializer)
		if err != nil {
			return err
		}

		req := d.builder.BazelEvent(rec.SequenceNumber, d.clock.Now(), payload)
		d.queue.PushAck(rec)
		if err := stream.Send(req); err != nil {
			return err
		}
	}
}

func firstNonNilErr(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// waitForAckDrain blocks until pending-ack has drained, an error arrives
// from the ack handler, ctx is cancelled, or deadline elapses. A deadline
// expiry reports the same DEADLINE_EXCEEDED status a collector that never
// finishes acking would produce, and cancels the stream context so the ack
// handler's blocked Recv is aborted with CANCELLED rather than left
// dangling until Run's own deferred cancel fires.
func (d *Driver) waitForAckDrain(ctx context.Context, ackErrCh <-chan error, deadline time.Duration, cancel context.CancelFunc) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if d.queue.AckLen() == 0 {
			return nil
		}
		select {
		case err := <-ackErrCh:
			return err
		case <-timer.C:
			cancel()
			return status.Errorf(codes.DeadlineExceeded, "streamdriver: timed out waiting for ACK messages after %s", deadline)
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// runAckHandler receives ACKs on stream and pops the matching head of
// pending-ack. A mismatched sequence number is a protocol violation and
// aborts the stream via cancel. The ingress queue is passed explicitly
// rather than captured from a Driver so this function has no reference
// back to the send loop at all. acksSinceRetry is incremented once per
// successfully popped ACK, for the retry controller's progress check.
func runAckHandler(stream besclient.Stream, q *queue.Ingress, cancel context.CancelFunc, acksSinceRetry *atomic.Int64) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				errCh <- err
				cancel()
				return
			}

			head, ok := q.PeekAck()
			if !ok || head.SequenceNumber != resp.SequenceNumber {
				expected := "none"
				if ok {
					expected = fmt.Sprintf("%d", head.SequenceNumber)
				}
				errCh <- &besclient.ProtocolViolationError{
					Message: fmt.Sprintf("ack for seq %d does not match expected head %s", resp.SequenceNumber, expected),
				}
				cancel()
				return
			}

			if _, ok := q.PopAck(); !ok {
				log.Warn("streamdriver: pending-ack empty on pop despite matching peek", "seq", resp.SequenceNumber)
				continue
			}
			acksSinceRetry.Add(1)
		}
	}()
	return errCh
}

// TakeAcksSinceRetry reports how many ACKs have been received since the
// last call to TakeAcksSinceRetry (or since the Driver was created), and
// resets the counter to zero.
func (d *Driver) TakeAcksSinceRetry() int64 {
	return d.acksSinceRetry.Swap(0)
}
