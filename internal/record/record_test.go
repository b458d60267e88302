package record

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

type stubEvent struct{}

func (stubEvent) LocalFiles() []string     { return nil }
func (stubEvent) Completing() (bool, bool) { return false, false }

func TestSerializeAwaitsResolvedFutureBeforeCalling(t *testing.T) {
	future := besevent.Resolved[besevent.PathConverter](func(p string) (string, bool) { return "remote/" + p, true })
	r := New(1, time.Now(), stubEvent{}, future)

	var gotConverter besevent.PathConverter
	serializer := func(event besevent.Event, convert besevent.PathConverter) ([]byte, error) {
		gotConverter = convert
		return []byte("ok"), nil
	}

	out, err := r.Serialize(context.Background(), serializer)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)
	remoteID, ok := gotConverter("local.txt")
	assert.True(t, ok)
	assert.Equal(t, "remote/local.txt", remoteID)
}

func TestSerializePropagatesFailedFuture(t *testing.T) {
	wantErr := errors.New("upload failed")
	future := besevent.Failed[besevent.PathConverter](wantErr)
	r := New(1, time.Now(), stubEvent{}, future)

	_, err := r.Serialize(context.Background(), func(besevent.Event, besevent.PathConverter) ([]byte, error) {
		t.Fatal("serializer should not be called when the future failed")
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestSerializeWithNilFutureSkipsWait(t *testing.T) {
	r := New(1, time.Now(), stubEvent{}, nil)

	out, err := r.Serialize(context.Background(), func(besevent.Event, besevent.PathConverter) ([]byte, error) {
		return []byte("no-artifacts"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("no-artifacts"), out)
}

func TestSerializeRespectsContextCancellation(t *testing.T) {
	future := besevent.NewFuture[besevent.PathConverter]()
	r := New(1, time.Now(), stubEvent{}, future)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Serialize(ctx, func(besevent.Event, besevent.PathConverter) ([]byte, error) {
		t.Fatal("serializer should not run before future resolution")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminatorCannotBeSerialized(t *testing.T) {
	r := Terminator(9, time.Now())
	_, err := r.Serialize(context.Background(), nil)
	require.Error(t, err)
}
