// Package transport exposes the public façade this upload pipeline is
// built around: SendEvent, Close, CloseNow. Internally it runs exactly one
// cooperative worker goroutine driving the lifecycle orchestrator, rather
// than splitting enqueue and drain across two threads — SendEvent only
// ever pushes onto the ingress queue, never touches the network itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/internal/besenv"
	"github.com/ChuLiYu/bes-transport/internal/envelope"
	"github.com/ChuLiYu/bes-transport/internal/lifecycle"
	"github.com/ChuLiYu/bes-transport/internal/queue"
	"github.com/ChuLiYu/bes-transport/internal/record"
	"github.com/ChuLiYu/bes-transport/internal/retry"
	"github.com/ChuLiYu/bes-transport/internal/uploader"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

var log = slog.Default()

// Literal user-visible message templates.
const (
	msgWaiting      = "Waiting for Build Event Protocol upload to finish."
	msgSucceeded    = "Build Event Protocol upload finished successfully."
	msgFailedFmt    = "Build Event Protocol upload failed: %s"
	msgTimedOut     = "Build Event Protocol upload timed out."
	msgRetryReason  = " Transport errors caused the upload to be retried. Last known reason for retry: %s"
	msgResultsFmt   = "Build Event Protocol results available at %s"
	msgPartialFmt   = "Partial Build Event Protocol results may be available at %s"
	fatalExitReason = "publish error"
)

// Config configures a Transport.
type Config struct {
	Identity envelope.Identity
	Client   besclient.Client
	Uploader uploader.Uploader

	Serializer besevent.Serializer
	Clock      besenv.Clock
	Sleeper    besenv.Sleeper
	Reporter   besenv.Reporter
	FatalExit  besenv.FatalExit

	PublishLifecycleEvents bool
	SendBuildEnqueued      bool
	SendInvocationEvents   bool

	// RetryPolicy overrides retry.DefaultPolicy when non-zero.
	RetryPolicy retry.Policy

	// UploadTimeout bounds how long Close waits for the pipeline to drain
	// before cancelling it and reporting a timeout. Zero means wait
	// forever.
	UploadTimeout time.Duration

	// ErrorsShouldFailTheBuild: if true, an upload failure is reported as
	// an error and FatalExit is invoked; if false, it is only a warning.
	ErrorsShouldFailTheBuild bool

	// ResultsURL, if non-empty, is appended to the success or failure
	// report.
	ResultsURL string
}

// shutdownResult is the single memoized outcome of a Transport's shutdown,
// shared by every Close/CloseNow caller the way a prior Java implementation
// memoized one shutdownFuture field under a lock: the first call computes
// it, every later call — concurrent or sequential, Close or CloseNow —
// observes the exact same value instead of re-running the shutdown.
type shutdownResult struct {
	done chan struct{}
	err  error
}

// Transport is the public entry point: SendEvent enqueues one event for
// upload; Close waits for everything already enqueued to drain; CloseNow
// abandons the drain immediately. The first Close/CloseNow call starts the
// one shutdown computation and stores it in shutdown; every later call,
// whichever of the two methods it arrives through, joins that same
// computation and returns its result verbatim. A CloseNow call always
// forces the shared context to cancel before joining, so it can't be left
// waiting on a Close that is blocked on an unbounded drain.
type Transport struct {
	queue        *queue.Ingress
	builder      *envelope.Builder
	results      *besevent.ResultRegister
	clock        besenv.Clock
	reporter     besenv.Reporter
	fatalExit    besenv.FatalExit
	uploader     uploader.Uploader
	orchestrator *lifecycle.Orchestrator

	uploadTimeout            time.Duration
	errorsShouldFailTheBuild bool
	resultsURL               string

	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	// sendMu is the producer critical section: every assignment of a
	// sequence number and the matching PushSend onto pending-send happen
	// inside one sendMu-held section, for SendEvent's own records and for
	// the terminator Close/CloseNow enqueue. That keeps wire order equal
	// to critical-section entry order no matter how many goroutines call
	// SendEvent concurrently. closed is set inside that same section once
	// a terminator has been (or, for CloseNow, would have been) enqueued,
	// so nothing can land on the queue after it.
	sendMu sync.Mutex
	closed bool

	shutdownMu sync.Mutex
	shutdown   *shutdownResult

	reportOnce sync.Once
}

// New constructs a Transport and starts its single worker goroutine
// running the lifecycle orchestrator against ctx.
func New(ctx context.Context, cfg Config) *Transport {
	q := queue.New()
	builder := envelope.New(cfg.Identity)
	results := besevent.NewResultRegister()

	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = besenv.NewSlogReporter(nil)
	}

	orchestrator := lifecycle.New(
		cfg.Client, cfg.Uploader, q, builder, cfg.Serializer, cfg.Clock, cfg.Sleeper, results,
		lifecycle.Options{
			PublishLifecycleEvents: cfg.PublishLifecycleEvents,
			SendBuildEnqueued:      cfg.SendBuildEnqueued,
			SendInvocationEvents:   cfg.SendInvocationEvents,
			RetryPolicy:            policy,
		},
	)

	runCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		queue:                    q,
		builder:                  builder,
		results:                  results,
		clock:                    cfg.Clock,
		reporter:                 reporter,
		fatalExit:                cfg.FatalExit,
		uploader:                 cfg.Uploader,
		orchestrator:             orchestrator,
		uploadTimeout:            cfg.UploadTimeout,
		errorsShouldFailTheBuild: cfg.ErrorsShouldFailTheBuild,
		resultsURL:               cfg.ResultsURL,
		cancel:                   cancel,
		done:                     make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		t.runErr = orchestrator.Run(runCtx)
	}()

	return t
}

// SendEvent enqueues event for upload. It never blocks on the network:
// artifact upload (if the event references local files) is kicked off in
// the background via the configured Uploader and awaited only when the
// stream driver is ready to serialize this record. Once Close or CloseNow
// has been called, SendEvent is a no-op: the terminator has been (or is
// about to be) enqueued, and nothing pushed after it would ever be sent.
// If the run has already finished with an error — a permanent stream
// failure that nobody has called Close/CloseNow to observe yet — SendEvent
// reports that failure once (instead of silently enqueuing into a pipeline
// that will never drain) and drops the event.
func (t *Transport) SendEvent(ctx context.Context, event besevent.Event) {
	select {
	case <-t.done:
		if t.runErr != nil {
			t.reportFailure(t.runErr)
		}
		return
	default:
	}

	t.sendMu.Lock()
	closed := t.closed
	t.sendMu.Unlock()
	if closed {
		return
	}

	var future *besevent.Future[besevent.PathConverter]
	if files := event.LocalFiles(); len(files) > 0 {
		future = t.uploader.UploadBatch(ctx, files)
	}

	if succeeded, ok := event.Completing(); ok {
		if succeeded {
			t.results.Set(besevent.ResultSucceeded)
		} else {
			t.results.Set(besevent.ResultFailed)
		}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed {
		return
	}
	seq := t.builder.NextSequenceNumber()
	t.queue.PushSend(record.New(seq, t.clock.Now(), event, future))
}

// Close pushes the terminator record, then waits up to the configured
// upload timeout (zero means forever) for everything already enqueued to
// drain. On success it reports completion (and the results URL, if
// configured); on failure or timeout it cancels the upload, reports the
// failure once, and — if configured to do so — requests a fatal exit.
func (t *Transport) Close(ctx context.Context) error {
	return t.runShutdown(ctx, false)
}

// CloseNow cancels the in-flight stream immediately, abandoning anything
// still pending. No user-visible error is reported unless one had already
// been latched by a prior Close/CloseNow failure.
func (t *Transport) CloseNow(ctx context.Context) error {
	return t.runShutdown(ctx, true)
}

// runShutdown starts the single shutdown computation on the first call and
// memoizes it in t.shutdown; every subsequent call, regardless of which
// method it came through, joins that stored result instead of recomputing
// it. A CloseNow call (immediate == true) that arrives while a Close is
// still draining forces t.cancel() itself before joining, so it is never
// left waiting on whatever deadline — or lack of one — the original call
// is using.
func (t *Transport) runShutdown(ctx context.Context, immediate bool) error {
	t.shutdownMu.Lock()
	sr := t.shutdown
	alreadyStarted := sr != nil
	if sr == nil {
		sr = &shutdownResult{done: make(chan struct{})}
		t.shutdown = sr
	}
	t.shutdownMu.Unlock()

	if !alreadyStarted {
		go t.runShutdownOnce(ctx, immediate, sr)
	} else if immediate {
		t.cancel()
	}

	<-sr.done
	return sr.err
}

func (t *Transport) runShutdownOnce(ctx context.Context, immediate bool, sr *shutdownResult) {
	defer close(sr.done)

	if immediate {
		t.sendMu.Lock()
		t.closed = true
		t.sendMu.Unlock()

		t.cancel()
		<-t.done
		sr.err = t.suppressOwnCancellation()
		return
	}

	t.reporter.Report(msgWaiting)

	t.sendMu.Lock()
	t.closed = true
	seq := t.builder.NextSequenceNumber()
	t.queue.PushSend(record.Terminator(seq, t.clock.Now()))
	t.sendMu.Unlock()

	waitCtx := ctx
	var cancelWait context.CancelFunc
	if t.uploadTimeout > 0 {
		waitCtx, cancelWait = context.WithTimeout(ctx, t.uploadTimeout)
		defer cancelWait()
	}

	select {
	case <-t.done:
		if t.runErr == nil {
			t.reportSuccess()
			return
		}
		t.reportFailure(t.runErr)
		sr.err = t.runErr

	case <-waitCtx.Done():
		t.cancel()
		<-t.done
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			t.reportTimeout()
			sr.err = waitCtx.Err()
			return
		}
		// Caller-supplied ctx was cancelled, not the upload timeout, or a
		// concurrent CloseNow forced t.cancel() on us: treat like any
		// other interruption.
		err := t.suppressOwnCancellation()
		if err != nil {
			t.reportFailure(err)
		}
		sr.err = err
	}
}

// suppressOwnCancellation reports t.runErr unless it is exactly the
// cancellation CloseNow (or Close's own interruption path) just caused
// itself — that is not a failure to report.
func (t *Transport) suppressOwnCancellation() error {
	err := t.runErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Transport) reportSuccess() {
	t.reporter.Report(msgSucceeded)
	if t.resultsURL != "" {
		t.reporter.Report(fmt.Sprintf(msgResultsFmt, t.resultsURL))
	}
}

// reportFailure surfaces err at most once per transport instance (the
// errors-reported latch), optionally requesting a fatal exit.
func (t *Transport) reportFailure(err error) {
	t.reportOnce.Do(func() {
		t.reporter.Report(fmt.Sprintf(msgFailedFmt, besclient.UserMessage(err)))
		if t.resultsURL != "" {
			t.reporter.Report(fmt.Sprintf(msgPartialFmt, t.resultsURL))
		}
		t.requestFatalExitIfConfigured()
	})
}

func (t *Transport) reportTimeout() {
	t.reportOnce.Do(func() {
		msg := msgTimedOut
		if last := t.orchestrator.LastRetryError(); last != nil {
			msg += fmt.Sprintf(msgRetryReason, besclient.UserMessage(last))
		}
		t.reporter.Report(msg)
		if t.resultsURL != "" {
			t.reporter.Report(fmt.Sprintf(msgPartialFmt, t.resultsURL))
		}
		t.requestFatalExitIfConfigured()
	})
}

func (t *Transport) requestFatalExitIfConfigured() {
	if !t.errorsShouldFailTheBuild {
		return
	}
	if t.fatalExit == nil {
		log.Warn("transport: errors-should-fail-the-build is set but no FatalExit hook is configured")
		return
	}
	t.fatalExit.Exit(fatalExitReason)
}
