// Package record defines the internal event record that flows through the
// ingress queue and stream driver: an event paired with its sequence
// number, timestamp, and artifact-upload future.
package record

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/bes-transport/internal/besclient"
	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

// Record is an immutable unit of work handed to the stream driver. Every
// Record with LocalFiles is paired with a Future that resolves once its
// artifacts have been uploaded; Serialize always awaits that future first.
type Record struct {
	SequenceNumber int64
	EventTime      time.Time
	Event          besevent.Event
	ArtifactFuture *besevent.Future[besevent.PathConverter]
	IsTerminator   bool
}

// New constructs a Record for a regular (non-terminator) event.
func New(seq int64, t time.Time, event besevent.Event, artifacts *besevent.Future[besevent.PathConverter]) Record {
	return Record{
		SequenceNumber: seq,
		EventTime:      t,
		Event:          event,
		ArtifactFuture: artifacts,
	}
}

// Terminator constructs the single terminator record placed at the tail of
// the ingress queue once the caller has stopped sending events.
func Terminator(seq int64, t time.Time) Record {
	return Record{
		SequenceNumber: seq,
		EventTime:      t,
		IsTerminator:   true,
	}
}

// Serialize awaits this record's artifact future (if any) and hands the
// resolved converter to serializer. It blocks until the future resolves or
// ctx is done (cancelled or past its deadline), whichever comes first.
func (r Record) Serialize(ctx context.Context, serializer besevent.Serializer) ([]byte, error) {
	if r.IsTerminator {
		return nil, fmt.Errorf("record: cannot serialize a terminator record")
	}

	var converter besevent.PathConverter
	if r.ArtifactFuture != nil {
		select {
		case <-r.ArtifactFuture.Done():
			val, err := r.ArtifactFuture.Value()
			if err != nil {
				return nil, &besclient.ArtifactUploadError{Cause: fmt.Errorf("seq %d: %w", r.SequenceNumber, err)}
			}
			converter = val
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return serializer(r.Event, converter)
}
