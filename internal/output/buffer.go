package output

import (
	"sync"
	"time"
)

const (
	// DefaultQueueSize is the per-observer delivery channel capacity.
	DefaultQueueSize = 256

	// DefaultSendTimeout is how long delivery to a full observer queue
	// may stall before the observer is forcibly detached.
	DefaultSendTimeout = 5 * time.Second
)

// Buffer is the per-session, append-only event log with live fan-out.
//
// History is never mutated in place and never truncated; an event's
// index is a stable cursor an observer can resume from. Each observer
// gets its own bounded delivery queue fed by a pump goroutine, so a
// slow or dead observer can neither block Append nor grow memory
// beyond its queue: once delivery stalls past the send timeout the
// observer is detached and must resubscribe with a resume index.
type Buffer struct {
	sessionID   string
	queueSize   int
	sendTimeout time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	sizes  []int
	status string
	closed bool
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	id     uint64
	ch     chan Event
	done   chan struct{}
	cursor int
	gone   bool
}

// Subscription is a live attachment to a buffer. Events closes when the
// observer is detached, the buffer is closed, or delivery overflows.
type Subscription struct {
	ID     uint64
	Events <-chan Event
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithQueueSize sets the per-observer delivery queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithSendTimeout sets the stall budget before a slow observer is
// detached.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// NewBuffer creates an empty buffer bound to a session id.
func NewBuffer(sessionID string, opts ...Option) *Buffer {
	b := &Buffer{
		sessionID:   sessionID,
		queueSize:   DefaultQueueSize,
		sendTimeout: DefaultSendTimeout,
		subs:        make(map[uint64]*subscriber),
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SessionID returns the owning session's id.
func (b *Buffer) SessionID() string { return b.sessionID }

// Append adds an event to the history and wakes every observer pump.
// It never blocks on observers. Appends after Close are dropped.
func (b *Buffer) Append(ev Event) {
	size := ev.size()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, ev)
	b.sizes = append(b.sizes, size)
	b.cond.Broadcast()
}

// Len returns the current history length. The value is also the index
// the next appended event will get.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// SetStatus mirrors the owning session's lifecycle status.
func (b *Buffer) SetStatus(status string) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Status returns the mirrored session status.
func (b *Buffer) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Subscribe attaches an observer. Events from index from (clamped to
// the current history) are replayed first, then delivery switches to
// live without gaps or duplicates: anything appended while replay runs
// is picked up by the same cursor.
func (b *Buffer) Subscribe(from int) *Subscription {
	if from < 0 {
		from = 0
	}

	b.mu.Lock()
	s := &subscriber{
		id:     b.nextID,
		ch:     make(chan Event, b.queueSize),
		done:   make(chan struct{}),
		cursor: from,
	}
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return &Subscription{ID: s.id, Events: s.ch}
	}
	if s.cursor > len(b.events) {
		s.cursor = len(b.events)
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go b.pump(s)
	return &Subscription{ID: s.id, Events: s.ch}
}

// Unsubscribe detaches an observer. Unknown or already-detached ids are
// a no-op.
func (b *Buffer) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(id)
}

func (b *Buffer) detachLocked(id uint64) {
	s, ok := b.subs[id]
	if !ok || s.gone {
		return
	}
	s.gone = true
	close(s.done)
	delete(b.subs, id)
	b.cond.Broadcast()
}

// Observers returns the number of currently attached observers.
func (b *Buffer) Observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every observer and rejects further appends. History
// stays readable through Snapshot until the buffer is garbage
// collected with its session. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.detachLocked(id)
	}
	b.cond.Broadcast()
}

// Snapshot returns the most recent events bounded by count and by a
// cumulative serialized-size budget. Zero means unbounded. The result
// is always a suffix of the history, in append order; the underlying
// history is never trimmed.
func (b *Buffer) Snapshot(maxEvents, maxBytes int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if maxEvents > 0 && len(b.events) > maxEvents {
		start = len(b.events) - maxEvents
	}
	if maxBytes > 0 {
		total := 0
		i := len(b.events)
		for i > start && total+b.sizes[i-1] <= maxBytes {
			total += b.sizes[i-1]
			i--
		}
		start = i
	}

	out := make([]Event, len(b.events)-start)
	copy(out, b.events[start:])
	return out
}

// pump delivers events to one observer, replay first then live. It is
// the only writer to the observer's channel and closes it on exit.
func (b *Buffer) pump(s *subscriber) {
	defer close(s.ch)

	for {
		b.mu.Lock()
		for !b.closed && !s.gone && s.cursor >= len(b.events) {
			b.cond.Wait()
		}
		if s.gone || (b.closed && s.cursor >= len(b.events)) {
			delete(b.subs, s.id)
			b.mu.Unlock()
			return
		}
		batch := b.events[s.cursor:len(b.events):len(b.events)]
		s.cursor = len(b.events)
		b.mu.Unlock()

		for _, ev := range batch {
			if !b.send(s, ev) {
				return
			}
		}
	}
}

// send delivers one event, detaching the observer if its queue stays
// full past the send timeout. Returns false when the pump should stop.
func (b *Buffer) send(s *subscriber, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	default:
	}

	t := time.NewTimer(b.sendTimeout)
	defer t.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	case <-t.C:
		b.mu.Lock()
		b.detachLocked(s.id)
		b.mu.Unlock()
		return false
	}
}
