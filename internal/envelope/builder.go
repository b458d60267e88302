// Package envelope constructs wire requests (lifecycle and stream) with
// monotonically increasing sequence numbers, stream ids, timestamps, and
// keywords. Every method here is a pure function of its inputs plus the
// builder's internal counter; none of them touch the network.
package envelope

import (
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/bes-transport/internal/besproto"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

// Result is the tri-state invocation outcome reported in
// invocation-finished / build-finished envelopes, re-exported from
// pkg/besevent so callers don't need two imports to build an envelope.
type Result = besevent.Result

// Sub-phase constants for lifecycle envelopes: each lifecycle kind gets a
// fixed sequence number within its own two-message sub-phase
// (build-enqueued/build-finished is sub-phase 1, invocation-started/
// invocation-finished is sub-phase 2), independent of the main stream's
// globally monotonic counter. See DESIGN.md for why these stay independent.
const (
	lifecycleSeqFirst  int64 = 1
	lifecycleSeqSecond int64 = 2
)

// Identity holds the immutable identifiers stamped into every envelope this
// builder produces.
type Identity struct {
	BuildRequestID     string
	InvocationID       string
	ProjectID          string // optional
	CommandName        string
	AdditionalKeywords []string
}

// Builder constructs envelopes for one transport instance. It is safe for
// concurrent use; NextSequenceNumber is the only mutable state.
type Builder struct {
	identity  Identity
	streamSeq int64 // atomic, next value to hand out starts at 1
}

// New returns a Builder for the given identity.
func New(identity Identity) *Builder {
	return &Builder{identity: identity}
}

// NextSequenceNumber returns and increments the main-stream counter,
// starting at 1.
func (b *Builder) NextSequenceNumber() int64 {
	return atomic.AddInt64(&b.streamSeq, 1)
}

func (b *Builder) controllerStreamID() besproto.StreamID {
	return besproto.StreamID{
		BuildID:   b.identity.BuildRequestID,
		Component: besproto.ComponentController,
	}
}

func (b *Builder) invocationStreamID() besproto.StreamID {
	return besproto.StreamID{
		BuildID:      b.identity.BuildRequestID,
		InvocationID: b.identity.InvocationID,
		Component:    besproto.ComponentController,
	}
}

func (b *Builder) toolStreamID() besproto.StreamID {
	return besproto.StreamID{
		BuildID:      b.identity.BuildRequestID,
		InvocationID: b.identity.InvocationID,
		Component:    besproto.ComponentTool,
	}
}

func toResult(r Result) besproto.Result {
	switch r {
	case besevent.ResultSucceeded:
		return besproto.ResultCommandSucceeded
	case besevent.ResultFailed:
		return besproto.ResultCommandFailed
	default:
		return besproto.ResultUnknownStatus
	}
}

// BuildEnqueued constructs the build-enqueued lifecycle envelope.
func (b *Builder) BuildEnqueued(t time.Time) besproto.LifecycleRequest {
	return besproto.LifecycleRequest{
		ProjectID:    b.identity.ProjectID,
		ServiceLevel: "INTERACTIVE",
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: lifecycleSeqFirst,
			StreamID:       b.controllerStreamID(),
			EventTime:      timestamppb.New(t),
			Kind:           besproto.EventKind{Kind: besproto.KindBuildEnqueued},
		},
	}
}

// BuildFinished constructs the build-finished lifecycle envelope.
func (b *Builder) BuildFinished(t time.Time, result Result) besproto.LifecycleRequest {
	return besproto.LifecycleRequest{
		ProjectID:    b.identity.ProjectID,
		ServiceLevel: "INTERACTIVE",
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: lifecycleSeqSecond,
			StreamID:       b.controllerStreamID(),
			EventTime:      timestamppb.New(t),
			Kind: besproto.EventKind{
				Kind:          besproto.KindBuildFinished,
				BuildFinished: &besproto.BuildFinishedPayload{Result: toResult(result)},
			},
		},
	}
}

// InvocationStarted constructs the invocation-attempt-started lifecycle
// envelope. Attempt number is always 1: this transport never retries a
// failed invocation attempt from scratch, only individual stream attempts.
func (b *Builder) InvocationStarted(t time.Time) besproto.LifecycleRequest {
	return besproto.LifecycleRequest{
		ProjectID:    b.identity.ProjectID,
		ServiceLevel: "INTERACTIVE",
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: lifecycleSeqFirst,
			StreamID:       b.invocationStreamID(),
			EventTime:      timestamppb.New(t),
			Kind: besproto.EventKind{
				Kind:                     besproto.KindInvocationAttemptStarted,
				InvocationAttemptStarted: &besproto.InvocationAttemptStarted{AttemptNumber: 1},
			},
		},
	}
}

// InvocationFinished constructs the invocation-attempt-finished lifecycle
// envelope.
func (b *Builder) InvocationFinished(t time.Time, result Result) besproto.LifecycleRequest {
	return besproto.LifecycleRequest{
		ProjectID:    b.identity.ProjectID,
		ServiceLevel: "INTERACTIVE",
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: lifecycleSeqSecond,
			StreamID:       b.invocationStreamID(),
			EventTime:      timestamppb.New(t),
			Kind: besproto.EventKind{
				Kind:                      besproto.KindInvocationAttemptFinished,
				InvocationAttemptFinished: &besproto.InvocationAttemptFinished{Result: toResult(result)},
			},
		},
	}
}

// BazelEvent constructs a stream request carrying one serialised build
// event. On n == 1 it embeds the notification-keyword set; every other n
// carries none.
func (b *Builder) BazelEvent(n int64, t time.Time, packed []byte) besproto.StreamRequest {
	req := besproto.StreamRequest{
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: n,
			StreamID:       b.toolStreamID(),
			EventTime:      timestamppb.New(t),
			Kind: besproto.EventKind{
				Kind:       besproto.KindBazelEvent,
				BazelEvent: &besproto.BazelEventPayload{PackedAny: packed},
			},
		},
	}
	if n == 1 {
		req.NotificationKeywords = b.keywords()
	}
	return req
}

// StreamFinished constructs the terminal component-stream-finished stream
// request.
func (b *Builder) StreamFinished(n int64, t time.Time) besproto.StreamRequest {
	return besproto.StreamRequest{
		OrderedBuildEvent: besproto.OrderedBuildEvent{
			SequenceNumber: n,
			StreamID:       b.toolStreamID(),
			EventTime:      timestamppb.New(t),
			Kind: besproto.EventKind{
				Kind: besproto.KindComponentStreamFinished,
				ComponentStreamFinished: &besproto.ComponentStreamFinishedPayload{
					Type: besproto.ComponentStreamFinishedFinished,
				},
			},
		},
	}
}

func (b *Builder) keywords() []string {
	kw := make([]string, 0, 2+len(b.identity.AdditionalKeywords))
	kw = append(kw, "command_name="+b.identity.CommandName, "protocol_name=BEP")
	kw = append(kw, b.identity.AdditionalKeywords...)
	return kw
}
