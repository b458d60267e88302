package besclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyInvalidArgumentIsPermanent(t *testing.T) {
	err := status.Error(codes.InvalidArgument, "bad request")
	retryable, kind := Classify(err)
	assert.False(t, retryable)
	assert.Equal(t, KindPermanent, kind)
}

func TestClassifyFailedPreconditionIsPermanent(t *testing.T) {
	err := status.Error(codes.FailedPrecondition, "already finished")
	retryable, kind := Classify(err)
	assert.False(t, retryable)
	assert.Equal(t, KindPermanent, kind)
}

func TestClassifyUnavailableIsTransient(t *testing.T) {
	err := status.Error(codes.Unavailable, "connection reset")
	retryable, kind := Classify(err)
	assert.True(t, retryable)
	assert.Equal(t, KindTransient, kind)
}

func TestClassifyNonStatusErrorIsTransient(t *testing.T) {
	retryable, kind := Classify(context.DeadlineExceeded)
	assert.True(t, retryable)
	assert.Equal(t, KindTransient, kind)
}

func TestClassifyProtocolViolationIsRetryable(t *testing.T) {
	err := &ProtocolViolationError{Message: "out-of-order ack"}
	retryable, kind := Classify(err)
	assert.True(t, retryable)
	assert.Equal(t, KindProtocolViolation, kind)
}
