// Package queue implements the ingress FIFO pair the stream driver and ACK
// handler share: pending-send (records not yet written to the stream) and
// pending-ack (records written but not yet acknowledged).
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/bes-transport/internal/record"
)

// DefaultPollTick bounds how long PopSend can block without a wakeup
// signal. A push always wakes a waiter immediately; this tick only matters
// if the wakeup is somehow missed, and exists as a resumption-invariant
// safety net rather than the primary wakeup path.
const DefaultPollTick = time.Second

// Ingress holds the two record FIFOs. The zero value is not usable; use
// New.
type Ingress struct {
	sendMu     sync.Mutex
	send       *list.List
	sendNotify chan struct{}

	ackMu sync.Mutex
	ack   *list.List
}

// New returns an empty Ingress.
func New() *Ingress {
	return &Ingress{
		send:       list.New(),
		sendNotify: make(chan struct{}, 1),
		ack:        list.New(),
	}
}

func (q *Ingress) wake() {
	select {
	case q.sendNotify <- struct{}{}:
	default:
	}
}

// PushSend appends r to the tail of pending-send. Safe to call from any
// producer goroutine concurrently with PopSend.
func (q *Ingress) PushSend(r record.Record) {
	q.sendMu.Lock()
	q.send.PushBack(r)
	q.sendMu.Unlock()
	q.wake()
}

func (q *Ingress) tryPopSend() (record.Record, bool) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	front := q.send.Front()
	if front == nil {
		return record.Record{}, false
	}
	q.send.Remove(front)
	return front.Value.(record.Record), true
}

// PopSend blocks until a record is available on pending-send, ctx is
// cancelled, or tick elapses without either — in which case it retries the
// wait rather than returning. Callers loop PopSend as their driver poll.
func (q *Ingress) PopSend(ctx context.Context, tick time.Duration) (record.Record, bool) {
	if tick <= 0 {
		tick = DefaultPollTick
	}
	for {
		if r, ok := q.tryPopSend(); ok {
			return r, true
		}
		timer := time.NewTimer(tick)
		select {
		case <-q.sendNotify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return record.Record{}, false
		}
	}
}

// PushAck appends r to the tail of pending-ack. Called only by the stream
// driver, immediately before it Sends r, so it never races with
// itself; PopAck is called only by the ACK handler. Neither call blocks
// the other.
func (q *Ingress) PushAck(r record.Record) {
	q.ackMu.Lock()
	q.ack.PushBack(r)
	q.ackMu.Unlock()
}

// PeekAck returns the head of pending-ack without removing it, for
// validating that an incoming ACK's sequence number matches what is
// actually outstanding.
func (q *Ingress) PeekAck() (record.Record, bool) {
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	front := q.ack.Front()
	if front == nil {
		return record.Record{}, false
	}
	return front.Value.(record.Record), true
}

// PopAck removes and returns the head of pending-ack.
func (q *Ingress) PopAck() (record.Record, bool) {
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	front := q.ack.Front()
	if front == nil {
		return record.Record{}, false
	}
	q.ack.Remove(front)
	return front.Value.(record.Record), true
}

// AckLen reports the number of outstanding, unacknowledged records.
func (q *Ingress) AckLen() int {
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	return q.ack.Len()
}

// SendLen reports the number of records not yet written to the stream.
func (q *Ingress) SendLen() int {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	return q.send.Len()
}

// Resume drains pending-ack entirely, in order, and prepends it onto the
// head of pending-send ahead of whatever is already queued there — the
// pending-ack ++ pending-send order-preservation invariant a broken stream
// must restore before a new attempt starts. It returns the number of
// records moved.
func (q *Ingress) Resume() int {
	q.ackMu.Lock()
	drained := make([]record.Record, 0, q.ack.Len())
	for e := q.ack.Front(); e != nil; e = e.Next() {
		drained = append(drained, e.Value.(record.Record))
	}
	q.ack.Init()
	q.ackMu.Unlock()

	if len(drained) == 0 {
		return 0
	}

	q.sendMu.Lock()
	newSend := list.New()
	for _, r := range drained {
		newSend.PushBack(r)
	}
	newSend.PushBackList(q.send)
	q.send = newSend
	q.sendMu.Unlock()
	q.wake()

	return len(drained)
}
