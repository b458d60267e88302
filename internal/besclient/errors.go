package besclient

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an RPC error into the taxonomy the retry controller and
// lifecycle orchestrator act on.
type Kind int

const (
	// KindTransient is a transport failure that a retry may resolve.
	KindTransient Kind = iota
	// KindPermanent is a transport failure the collector will never accept
	// on retry (bad request shape, precondition violated).
	KindPermanent
	// KindProtocolViolation is an unexpected response shape or ordering
	// (e.g. an out-of-order ACK) detected locally, not returned by the RPC.
	KindProtocolViolation
	// KindArtifactUpload is a failure of a record's local-file upload
	// future, surfaced through the stream as an aborted attempt. It is
	// never retried by the retry controller: retrying the stream cannot fix
	// a failed upload.
	KindArtifactUpload
)

// nonRetryableCodes are gRPC statuses the collector uses to say "this
// request is wrong, retrying it verbatim will never help."
var nonRetryableCodes = map[codes.Code]bool{
	codes.InvalidArgument:    true,
	codes.FailedPrecondition: true,
}

// Classify inspects an error returned from Client and reports whether it
// is retryable, and its taxonomy Kind.
func Classify(err error) (retryable bool, kind Kind) {
	if err == nil {
		return false, KindTransient
	}

	var au *ArtifactUploadError
	if errors.As(err, &au) {
		return false, KindArtifactUpload
	}

	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		return true, KindProtocolViolation
	}

	st, ok := status.FromError(err)
	if !ok {
		// Non-status errors (dial failures, context deadline, io.EOF on a
		// broken stream) are treated as transient transport failures.
		return true, KindTransient
	}
	if nonRetryableCodes[st.Code()] {
		return false, KindPermanent
	}
	return true, KindTransient
}

// UserMessage renders err the way a build tool's console output should:
// the gRPC status message if err carries one, the unwrapped cause for an
// artifact-upload failure, or err's own Error() otherwise.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var au *ArtifactUploadError
	if errors.As(err, &au) {
		return au.Cause.Error()
	}

	if st, ok := status.FromError(err); ok {
		return st.Message()
	}

	return err.Error()
}

// ProtocolViolationError wraps a local detection of a collector response
// that violates the expected ordering contract (e.g. an ACK sequence
// number that does not match the head of pending-ack). These are always
// retryable: the fix is to restart the stream.
type ProtocolViolationError struct {
	Message string
	Cause   error
}

func (e *ProtocolViolationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProtocolViolationError) Unwrap() error {
	return e.Cause
}

// ArtifactUploadError wraps the cause of a failed artifact-upload future.
// The stream driver aborts the attempt on this error; the retry controller
// must never retry it, since restarting the stream cannot make a failed
// local-file upload succeed.
type ArtifactUploadError struct {
	Cause error
}

func (e *ArtifactUploadError) Error() string {
	return "artifact upload failed: " + e.Cause.Error()
}

func (e *ArtifactUploadError) Unwrap() error {
	return e.Cause
}
