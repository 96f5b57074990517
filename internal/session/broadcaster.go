package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubscriberBacklog is how many events a subscriber may have queued
// before it is dropped as lagged.
const DefaultSubscriberBacklog = 256

// Subscription is one consumer's live view of a session's output.
//
// Events arrive in stream order. The channel carries at most one terminal
// event (exit, closed or lagged) and is closed right after it, or when the
// subscription is cancelled.
type Subscription struct {
	ID        string
	SessionID string
	// Start is the ring offset the live stream begins at: every byte from
	// Start on arrives as a data event, and output before it is available
	// through ReadFrom.
	Start uint64

	ch     chan OutputEvent
	done   chan struct{}
	b      *broadcaster
	closed bool // guarded by b.mu
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan OutputEvent {
	return s.ch
}

// Close cancels the subscription. It is safe to call more than once and
// after the session has closed.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// broadcaster fans events out to subscribers without ever blocking the
// publisher. Each channel has one slot more than the backlog so that the
// terminal event always fits.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	backlog int
	final   *OutputEvent
	next    uint64 // end offset of the last published data event
}

func newBroadcaster(backlog int) *broadcaster {
	if backlog <= 0 {
		backlog = DefaultSubscriberBacklog
	}
	return &broadcaster{
		subs:    make(map[*Subscription]struct{}),
		backlog: backlog,
	}
}

// subscribe registers a subscriber whose live stream starts right after
// the last published chunk. The subscription ends when ctx is cancelled.
// Subscribing after the terminal event yields a subscription holding just
// that event.
func (b *broadcaster) subscribe(ctx context.Context, sessionID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan OutputEvent, b.backlog+1),
		done:      make(chan struct{}),
		b:         b,
	}

	b.mu.Lock()
	sub.Start = b.next
	if b.final != nil {
		sub.ch <- *b.final
		sub.closed = true
		close(sub.ch)
		close(sub.done)
		b.mu.Unlock()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Cleanup goroutine
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

// publish delivers ev to every subscriber. A subscriber whose backlog is
// full receives a lagged event carrying the offset to resume from and is
// removed.
func (b *broadcaster) publish(ev OutputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final != nil {
		return
	}
	if ev.Type == EventData {
		b.next = ev.Offset + uint64(len(ev.Data))
	}
	b.deliverLocked(ev)
}

// publishAt publishes ev only if no data has been published past offset,
// so a notice computed from a snapshot never follows newer output. It
// reports whether ev went out.
func (b *broadcaster) publishAt(ev OutputEvent, offset uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final != nil || b.next != offset {
		return false
	}
	b.deliverLocked(ev)
	return true
}

func (b *broadcaster) deliverLocked(ev OutputEvent) {
	for sub := range b.subs {
		if len(sub.ch) >= b.backlog {
			sub.ch <- OutputEvent{
				SessionID: ev.SessionID,
				Type:      EventLagged,
				Offset:    ev.Offset,
				Timestamp: time.Now().UTC(),
			}
			b.removeLocked(sub)
			continue
		}
		sub.ch <- ev
	}
}

// finish delivers the terminal event to every subscriber and closes them.
// Only the first call has any effect.
func (b *broadcaster) finish(ev OutputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final != nil {
		return
	}
	b.final = &ev
	for sub := range b.subs {
		sub.ch <- ev
		b.removeLocked(sub)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
	close(sub.done)
}
