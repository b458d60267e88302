package besenv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockNowAdvances(t *testing.T) {
	c := RealClock{}
	t1 := c.Now()
	time.Sleep(time.Millisecond)
	t2 := c.Now()
	assert.True(t, t2.After(t1))
}

func TestRealSleeperReturnsOnCancel(t *testing.T) {
	s := RealSleeper{}
	cancel := make(chan struct{})
	close(cancel)

	done := make(chan struct{})
	go func() {
		s.Sleep(time.Hour, cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return promptly on cancellation")
	}
}

func TestRealSleeperZeroDurationReturnsImmediately(t *testing.T) {
	s := RealSleeper{}
	start := time.Now()
	s.Sleep(0, nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
