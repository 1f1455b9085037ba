// Package shutdown implements the broadcast primitive every component of the
// server observes to learn it should stop. One Send reaches every current
// subscriber; each subscriber owns an independent cursor, so a slow consumer
// never blocks the sender and is instead told how many notifications it
// missed once its backlog exceeds the pending window.
package shutdown

import (
	"context"
	"errors"
	"sync"
)

// ErrNoReceivers is returned by Send when nothing is subscribed.
var ErrNoReceivers = errors.New("shutdown: no active receivers")

// DefaultCapacity bounds the pending-notification window when no explicit
// capacity is configured.
const DefaultCapacity = 16

// Outcome classifies what a receiver observed.
type Outcome int

const (
	// Received means one pending notification was consumed.
	Received Outcome = iota
	// Lagged means the receiver fell behind the pending window; Result.Missed
	// carries the number of skipped notifications.
	Lagged
	// Closed means the broadcaster was closed with nothing left pending.
	Closed
)

func (o Outcome) String() string {
	switch o {
	case Received:
		return "received"
	case Lagged:
		return "lagged"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Recv call.
type Result struct {
	Outcome Outcome
	Missed  uint64
}

// Broadcaster fans a payloadless notification out to any number of
// receivers. The zero value is not usable; construct with NewBroadcaster.
type Broadcaster struct {
	capacity uint64

	mu        sync.Mutex
	seq       uint64
	closed    bool
	receivers map[*Receiver]struct{}
}

// NewBroadcaster returns a broadcaster whose receivers can buffer up to
// capacity unconsumed notifications before they are reported as lagging.
// Non-positive capacities fall back to DefaultCapacity.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		capacity:  uint64(capacity),
		receivers: make(map[*Receiver]struct{}),
	}
}

// Send publishes one notification to every current receiver and returns how
// many receivers were subscribed at the time. Sending never blocks on slow
// receivers. ErrNoReceivers is returned when nobody is subscribed.
func (b *Broadcaster) Send() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.receivers) == 0 {
		return 0, ErrNoReceivers
	}
	b.seq++
	for r := range b.receivers {
		r.wake()
	}
	return len(b.receivers), nil
}

// Close marks the stream finished. Receivers drain any pending
// notifications first and then observe Closed. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.receivers {
		r.wake()
	}
}

// Subscribe registers a new receiver. A receiver created after a Send still
// observes the most recent notification once: the signal is a durable stop
// mark, so a subscriber admitted concurrently with the send must not miss
// it.
func (b *Broadcaster) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor := b.seq
	if cursor > 0 {
		cursor--
	}
	r := &Receiver{
		b:      b,
		cursor: cursor,
		ch:     make(chan struct{}, 1),
	}
	b.receivers[r] = struct{}{}
	return r
}

// Receiver is one independent cursor into the broadcast stream. A Receiver
// is owned by a single goroutine; its methods must not be called
// concurrently with each other.
type Receiver struct {
	b      *Broadcaster
	cursor uint64
	ch     chan struct{}
}

func (r *Receiver) wake() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// Resubscribe creates an independent receiver positioned at the current head
// of the stream, leaving r untouched.
func (r *Receiver) Resubscribe() *Receiver {
	return r.b.Subscribe()
}

// Drop unregisters the receiver. Subsequent Send calls no longer count it.
func (r *Receiver) Drop() {
	r.b.mu.Lock()
	delete(r.b.receivers, r)
	r.b.mu.Unlock()
}

// Recv suspends until a notification is available (Received), the receiver
// fell behind the pending window (Lagged), or the broadcaster was closed
// with nothing pending (Closed). The only error Recv returns is ctx.Err()
// when the context ends first.
func (r *Receiver) Recv(ctx context.Context) (Result, error) {
	for {
		r.b.mu.Lock()
		seq, closed := r.b.seq, r.b.closed
		if seq > r.cursor {
			pending := seq - r.cursor
			if pending > r.b.capacity {
				missed := pending - r.b.capacity
				r.cursor = seq - r.b.capacity
				r.b.mu.Unlock()
				return Result{Outcome: Lagged, Missed: missed}, nil
			}
			r.cursor++
			r.b.mu.Unlock()
			return Result{Outcome: Received}, nil
		}
		if closed {
			r.b.mu.Unlock()
			return Result{Outcome: Closed}, nil
		}
		r.b.mu.Unlock()

		select {
		case <-r.ch:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}
