package sink

import "sync"

// DefaultFeedCapacity bounds the ring when no capacity is configured.
const DefaultFeedCapacity = 4096

// Feed is the pull sink: a bounded in-memory ring of events with
// monotonically increasing offsets.
//
// Offsets start at 1 and never repeat for the life of the process. When
// the ring is full the oldest events are dropped; a consumer that polls
// slower than the fleet produces will observe a gap in offsets, which is
// its signal that it missed events.
//
// Thread Safety: all methods are safe for concurrent use.
type Feed struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	next     int64

	subs    map[int]chan Event
	nextSub int
}

// NewFeed creates a feed holding at most capacity events.
func NewFeed(capacity int) *Feed {
	if capacity < 1 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{
		capacity: capacity,
		next:     1,
		subs:     make(map[int]chan Event),
	}
}

// Emit assigns the next offset and appends the event, evicting the
// oldest entry when the ring is full. Live subscribers that cannot keep
// up have the event dropped rather than blocking the producer.
func (f *Feed) Emit(event Event) {
	f.mu.Lock()
	event.Offset = f.next
	f.next++
	if len(f.events) >= f.capacity {
		f.events = f.events[1:]
	}
	f.events = append(f.events, event)

	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
	f.mu.Unlock()
}

// After returns up to max events with offset strictly greater than
// offset, oldest first. max < 1 means no limit.
func (f *Feed) After(offset int64, max int) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Binary search would work, but the ring is small and offsets are
	// dense; scan from the first qualifying index.
	start := 0
	for start < len(f.events) && f.events[start].Offset <= offset {
		start++
	}
	tail := f.events[start:]
	if max > 0 && len(tail) > max {
		tail = tail[:max]
	}

	out := make([]Event, len(tail))
	copy(out, tail)
	return out
}

// Latest returns the highest offset assigned so far, 0 when empty.
func (f *Feed) Latest() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next - 1
}

// Subscribe registers a live event channel for streaming consumers.
// The channel is buffered; events are dropped for subscribers that fall
// behind. The returned cancel function closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}
