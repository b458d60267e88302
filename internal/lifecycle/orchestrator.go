// Package lifecycle orders the optional lifecycle envelopes around the
// retried stream run and guarantees the shutdown sequence runs regardless
// of how the run phase ended.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/internal/besenv"
	"github.com/ChuLiYu/bes-transport/internal/besproto"
	"github.com/ChuLiYu/bes-transport/internal/envelope"
	"github.com/ChuLiYu/bes-transport/internal/queue"
	"github.com/ChuLiYu/bes-transport/internal/retry"
	"github.com/ChuLiYu/bes-transport/internal/streamdriver"
	"github.com/ChuLiYu/bes-transport/internal/uploader"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

var log = slog.Default()

// Options configures one Orchestrator run.
type Options struct {
	// PublishLifecycleEvents is the master switch: if false, no lifecycle
	// envelope is ever sent and the two Send* flags below are ignored.
	PublishLifecycleEvents bool
	SendBuildEnqueued      bool
	SendInvocationEvents   bool
	RetryPolicy            retry.Policy
}

// Orchestrator runs the full lifecycle of one build event upload: optional
// lifecycle sends, the retried stream, the closing lifecycle sends, and —
// no matter how any of that went — client and uploader shutdown, in that
// order. The first error from the opening lifecycle sends or the stream run
// is returned; errors from the closing sends and from shutdown are only
// logged. A failure in an earlier phase never skips a later finalization
// step; that ordering
// mirrors a prior Stop() implementation's explicit "why this order
// matters" structure, generalized to the phases this pipeline needs.
type Orchestrator struct {
	client     besclient.Client
	uploader   uploader.Uploader
	queue      *queue.Ingress
	builder    *envelope.Builder
	serializer besevent.Serializer
	clock      besenv.Clock
	sleeper    besenv.Sleeper
	results    *besevent.ResultRegister
	opts       Options

	controllerMu sync.Mutex
	controller   *retry.Controller
}

// New returns an Orchestrator over the given collaborators.
func New(
	client besclient.Client,
	up uploader.Uploader,
	q *queue.Ingress,
	builder *envelope.Builder,
	serializer besevent.Serializer,
	clock besenv.Clock,
	sleeper besenv.Sleeper,
	results *besevent.ResultRegister,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		client: client, uploader: up, queue: q, builder: builder,
		serializer: serializer, clock: clock, sleeper: sleeper,
		results: results, opts: opts,
	}
}

// Run executes the full lifecycle. The returned error is the first
// failure encountered across the lifecycle-send and stream-run phases;
// shutdown errors are logged but never override it, since by the time
// shutdown runs the caller already knows whether the upload itself
// succeeded.
func (o *Orchestrator) Run(ctx context.Context) error {
	var runErr error

	sendBuildEnqueued := o.opts.PublishLifecycleEvents && o.opts.SendBuildEnqueued
	sendInvocationEvents := o.opts.PublishLifecycleEvents && o.opts.SendInvocationEvents

	if sendBuildEnqueued {
		if err := o.sendLifecycle(ctx, o.builder.BuildEnqueued(o.clock.Now())); err != nil {
			runErr = err
		}
	}
	if runErr == nil && sendInvocationEvents {
		if err := o.sendLifecycle(ctx, o.builder.InvocationStarted(o.clock.Now())); err != nil {
			runErr = err
		}
	}

	if runErr == nil {
		runErr = o.runStream(ctx)
	}

	// Closing lifecycle sends always attempt to run, even if the stream
	// failed, so the collector learns the outcome rather than being left
	// with an open invocation. A failure here is logged, not promoted into
	// runErr: by this point the upload outcome is already decided (by the
	// stream phase, or by the opening lifecycle sends above), and a blip
	// on these closing, best-effort notifications must not overwrite it.
	result := o.results.Get()
	if sendInvocationEvents {
		if err := o.sendLifecycle(ctx, o.builder.InvocationFinished(o.clock.Now(), result)); err != nil {
			log.Warn("lifecycle: invocation-finished send failed", "err", err)
		}
	}
	if sendBuildEnqueued {
		if err := o.sendLifecycle(ctx, o.builder.BuildFinished(o.clock.Now(), result)); err != nil {
			log.Warn("lifecycle: build-finished send failed", "err", err)
		}
	}

	o.shutdown()

	return runErr
}

// sendLifecycle publishes one lifecycle envelope under its own retry
// controller, using the same retryable/permanent classification the stream
// phase uses, so a transient failure on a unary lifecycle call doesn't
// abort the whole run the way an unwrapped single attempt would.
func (o *Orchestrator) sendLifecycle(ctx context.Context, req besproto.LifecycleRequest) error {
	controller := retry.New(o.opts.RetryPolicy, o.sleeper)
	return controller.Do(ctx, func(err error) bool {
		retryable, _ := besclient.Classify(err)
		return retryable
	}, func(attempt int) error {
		_, err := o.client.PublishLifecycleEvent(ctx, req)
		return err
	})
}

func (o *Orchestrator) runStream(ctx context.Context) error {
	driver := streamdriver.New(o.client, o.queue, o.builder, o.serializer, o.clock)
	controller := retry.New(o.opts.RetryPolicy, o.sleeper)
	o.controllerMu.Lock()
	o.controller = controller
	o.controllerMu.Unlock()

	return controller.Do(ctx, func(err error) bool {
		retryable, _ := besclient.Classify(err)
		return retryable
	}, func(attempt int) error {
		err := driver.Run(ctx)
		if err != nil && driver.TakeAcksSinceRetry() > 0 {
			// The collector acknowledged at least one record during this
			// attempt even though it ultimately failed: the stream made
			// real progress, so don't let this attempt count toward the
			// ceiling.
			controller.ResetProgress()
		}
		if err != nil {
			moved := o.queue.Resume()
			log.Warn("lifecycle: stream attempt failed, resuming", "attempt", attempt, "err", err, "requeued", moved)
		}
		return err
	})
}

// LastRetryError reports the most recent retryable error the stream phase's
// retry controller recorded before backing off, or nil if the stream has
// not yet failed retryably (or hasn't run). A guardian waiting on Run with
// a deadline can use this to enrich a timeout message.
func (o *Orchestrator) LastRetryError() error {
	o.controllerMu.Lock()
	c := o.controller
	o.controllerMu.Unlock()
	if c == nil {
		return nil
	}
	return c.LastRetryError()
}

func (o *Orchestrator) shutdown() {
	if err := o.client.Close(); err != nil {
		log.Warn("lifecycle: error closing RPC client", "err", err)
	}
	if err := o.uploader.Close(); err != nil {
		log.Warn("lifecycle: error closing uploader", "err", err)
	}
}
