// Package besproto defines the wire envelopes exchanged with the remote
// build event collector. These field names are fixed by the remote service
// — this package treats them as opaque, named-field envelopes rather than
// vendoring generated protobuf code the way the wider service would; see
// DESIGN.md for why no .pb.go is checked in here.
package besproto

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Component identifies which half of a build a stream-id belongs to.
type Component int

const (
	ComponentUnspecified Component = iota
	ComponentController
	ComponentTool
)

// StreamID routes an envelope to the correct logical stream on the
// collector.
type StreamID struct {
	BuildID      string
	InvocationID string // empty for CONTROLLER envelopes with no invocation
	Component    Component
}

// Result mirrors the tri-state result carried on invocation-finished and
// build-finished envelopes.
type Result int

const (
	ResultUnknownStatus Result = iota
	ResultCommandSucceeded
	ResultCommandFailed
)

// OrderedBuildEvent is the common envelope shape for both lifecycle and
// stream requests: a sequence number, a routing stream-id, and one event
// payload.
type OrderedBuildEvent struct {
	SequenceNumber int64
	StreamID       StreamID
	EventTime      *timestamppb.Timestamp
	Kind           EventKind
}

// EventKind is a closed sum type over the event payloads this repository
// ever constructs. Exactly one field is meaningful per Kind value.
type EventKind struct {
	Kind                      string // one of the KindXxx constants below
	InvocationAttemptStarted  *InvocationAttemptStarted
	InvocationAttemptFinished *InvocationAttemptFinished
	BuildFinished             *BuildFinishedPayload
	BazelEvent                *BazelEventPayload
	ComponentStreamFinished   *ComponentStreamFinishedPayload
}

const (
	KindBuildEnqueued             = "build_enqueued"
	KindInvocationAttemptStarted  = "invocation_attempt_started"
	KindInvocationAttemptFinished = "invocation_attempt_finished"
	KindBuildFinished             = "build_finished"
	KindBazelEvent                = "bazel_event"
	KindComponentStreamFinished   = "component_stream_finished"
)

type InvocationAttemptStarted struct {
	AttemptNumber int64
}

type InvocationAttemptFinished struct {
	Result Result
}

type BuildFinishedPayload struct {
	Result Result
}

type BazelEventPayload struct {
	PackedAny []byte
}

type ComponentStreamFinishedType int

const (
	ComponentStreamFinishedUnspecified ComponentStreamFinishedType = iota
	ComponentStreamFinishedFinished
)

type ComponentStreamFinishedPayload struct {
	Type ComponentStreamFinishedType
}

// LifecycleRequest is the unary request used for build-enqueued,
// invocation-started, invocation-finished, and build-finished envelopes.
type LifecycleRequest struct {
	ProjectID         string
	ServiceLevel      string // always "INTERACTIVE"
	OrderedBuildEvent OrderedBuildEvent
}

// LifecycleResponse is the (empty) acknowledgement of a lifecycle request.
type LifecycleResponse struct{}

// StreamRequest is a single message on the bidirectional stream: a
// bazel-event or the terminal component-stream-finished, plus the
// first-message-only notification keywords.
type StreamRequest struct {
	OrderedBuildEvent    OrderedBuildEvent
	NotificationKeywords []string // only set on the first request
}

// StreamResponse is a single ACK: the sequence number the collector has
// durably received.
type StreamResponse struct {
	SequenceNumber int64
}
