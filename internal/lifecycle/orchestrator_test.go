package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/bes-transport/internal/besclient/fake"
	"github.com/ChuLiYu/bes-transport/internal/besenv"
	"github.com/ChuLiYu/bes-transport/internal/envelope"
	"github.com/ChuLiYu/bes-transport/internal/queue"
	"github.com/ChuLiYu/bes-transport/internal/record"
	"github.com/ChuLiYu/bes-transport/internal/retry"
	"github.com/ChuLiYu/bes-transport/internal/uploader"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

type nopEvent struct{}

func (nopEvent) LocalFiles() []string     { return nil }
func (nopEvent) Completing() (bool, bool) { return false, false }

func passthroughSerializer(besevent.Event, besevent.PathConverter) ([]byte, error) {
	return []byte("payload"), nil
}

type instantSleeper struct{}

func (instantSleeper) Sleep(time.Duration, <-chan struct{}) {}

func testIdentity() envelope.Identity {
	return envelope.Identity{BuildRequestID: "b1", InvocationID: "i1", CommandName: "build"}
}

func TestRunHappyPathSendsLifecycleAndShutsDownCleanly(t *testing.T) {
	client := &fake.Client{}
	q := queue.New()
	q.PushSend(record.New(1, time.Now(), nopEvent{}, nil))
	q.PushSend(record.Terminator(2, time.Now()))

	results := besevent.NewResultRegister()
	results.Set(besevent.ResultSucceeded)

	o := New(client, uploader.NoopUploader{}, q, envelope.New(testIdentity()), passthroughSerializer,
		besenv.RealClock{}, instantSleeper{}, results,
		Options{PublishLifecycleEvents: true, SendBuildEnqueued: true, SendInvocationEvents: true, RetryPolicy: retry.DefaultPolicy})

	err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, client.Lifecycle, 4) // build-enqueued, invocation-started, invocation-finished, build-finished
	assert.Equal(t, "build_enqueued", client.Lifecycle[0].OrderedBuildEvent.Kind.Kind)
	assert.Equal(t, "invocation_attempt_started", client.Lifecycle[1].OrderedBuildEvent.Kind.Kind)
	assert.Equal(t, "invocation_attempt_finished", client.Lifecycle[2].OrderedBuildEvent.Kind.Kind)
	assert.Equal(t, "build_finished", client.Lifecycle[3].OrderedBuildEvent.Kind.Kind)
	assert.True(t, client.Closed)
}

func TestRunRetriesTransientStreamFailureThenSucceeds(t *testing.T) {
	client := &fake.Client{StreamFailures: []*fake.FailAt{{N: 1, Err: status.Error(codes.Unavailable, "connection reset")}}}
	q := queue.New()
	q.PushSend(record.New(1, time.Now(), nopEvent{}, nil))
	q.PushSend(record.New(2, time.Now(), nopEvent{}, nil))
	q.PushSend(record.Terminator(3, time.Now()))

	results := besevent.NewResultRegister()
	o := New(client, uploader.NoopUploader{}, q, envelope.New(testIdentity()), passthroughSerializer,
		besenv.RealClock{}, instantSleeper{}, results,
		Options{RetryPolicy: retry.Policy{MaxAttempts: 3}})

	err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, q.AckLen())
	assert.Equal(t, 0, q.SendLen())
}

func TestRunStopsRetryingOnPermanentFailure(t *testing.T) {
	client := &fake.Client{LifecycleErr: nil}
	client.StreamFailures = []*fake.FailAt{{N: 0, Err: status.Error(codes.FailedPrecondition, "already finished")}}
	q := queue.New()
	q.PushSend(record.New(1, time.Now(), nopEvent{}, nil))

	results := besevent.NewResultRegister()
	o := New(client, uploader.NoopUploader{}, q, envelope.New(testIdentity()), passthroughSerializer,
		besenv.RealClock{}, instantSleeper{}, results,
		Options{RetryPolicy: retry.Policy{MaxAttempts: 5}})

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, client.Closed)
}
