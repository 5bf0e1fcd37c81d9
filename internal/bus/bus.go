package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-process publish/subscribe bus with namespace filtering.
// Publishing never blocks. A bounded subscriber whose buffer is full
// misses the event and the drop is counted; an unbounded subscriber
// queues it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *queue // nil for bounded subscriptions
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind and returns how many received it.
func (b *Bus) Publish(evt Event) int {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			n++
			continue
		}
		select {
		case sub.ch <- evt:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	return n
}

// Subscribe returns a channel receiving events under namespace. The
// returned function unsubscribes and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// SubscribeUnbounded is Subscribe for a consumer that must see every
// event. Events queue without limit until read; unsubscribing closes the
// channel once the queue is drained.
func (b *Bus) SubscribeUnbounded(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	q := newQueue()
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch, queue: q}
	b.mu.Unlock()

	go q.pump(ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			q.close()
		})
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

// pump moves queued events to ch in order and closes ch after close.
func (q *queue) pump(ch chan<- Event) {
	defer close(ch)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		items := q.items
		q.items = nil
		done := q.closed && len(items) == 0
		q.mu.Unlock()

		if done {
			return
		}
		for _, evt := range items {
			ch <- evt
		}
	}
}
