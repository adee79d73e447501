package executor

import (
	"strings"
	"sync"
	"time"

	"github.com/terrpan/buildfleet/internal/protocol"
)

// messageSender is the slice of the stream connection the queue
// writes to.  Tests substitute an in-memory sink.
type messageSender interface {
	Send(m protocol.Message) error
}

// outputQueue is the executor's single outbound path.  Producers
// coalesce consecutive build output up to the protocol's target
// message size before enqueueing; one sender goroutine drains the
// channel in FIFO order, so section boundaries always bracket the
// output emitted between them.
type outputQueue struct {
	ch chan protocol.Message

	mu      sync.Mutex
	pending strings.Builder
	closed  bool
}

func newOutputQueue() *outputQueue {
	return &outputQueue{
		ch: make(chan protocol.Message, 256),
	}
}

// QueueOutput buffers one line of build output, newline-terminated.
// The buffer is enqueued as a single BuildOutput message once it
// reaches the target size.
func (q *outputQueue) QueueOutput(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.pending.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		q.pending.WriteString("\n")
	}
	if q.pending.Len() >= protocol.TargetOutputMessageSize {
		q.flushLocked()
	}
}

// Queue enqueues a structural message.  Any coalesced output is
// flushed first so ordering is preserved.
func (q *outputQueue) Queue(m protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.flushLocked()
	q.ch <- m
}

// Flush enqueues whatever output has accumulated without waiting for
// the size threshold.  Called on a fixed cadence so a quiet build's
// last lines do not linger.
func (q *outputQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.flushLocked()
}

func (q *outputQueue) flushLocked() {
	if q.pending.Len() == 0 {
		return
	}
	q.ch <- protocol.NewBuildOutput(q.pending.String())
	q.pending.Reset()
}

// Close flushes remaining output and closes the channel, letting the
// sender loop finish once it has drained everything.
func (q *outputQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.flushLocked()
	q.closed = true
	close(q.ch)
}

// senderLoop writes queued messages to the connection until the queue
// closes, flushing coalesced output once a second.  Send errors are
// reported through the returned channel; the loop keeps draining so
// producers never block on a dead connection.
func senderLoop(q *outputQueue, sender messageSender, onError func(error)) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				q.Flush()
			}
		}
	}()

	for m := range q.ch {
		if err := sender.Send(m); err != nil && onError != nil {
			onError(err)
			onError = nil
		}
	}
}
