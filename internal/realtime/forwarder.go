package realtime

import (
	"sync"

	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

// Forwarder is the only consumer of delivery events on the bus. Having a
// single goroutine feed the router keeps every connection's frames in
// publication order. Its subscription is unbounded: a lost event would be
// lost for a whole room, and for members_joined would leave live
// connections outside a new conversation.
type Forwarder struct {
	bus      *bus.Bus
	router   *Router
	registry *Registry
	bufSize  int
	log      *zap.Logger

	unsub func()
	done  chan struct{}
	once  sync.Once
}

func NewForwarder(b *bus.Bus, router *Router, registry *Registry, bufSize int, log *zap.Logger) *Forwarder {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Forwarder{
		bus:      b,
		router:   router,
		registry: registry,
		bufSize:  bufSize,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start subscribes and begins forwarding in the background.
func (f *Forwarder) Start() {
	ch, unsub := f.bus.SubscribeUnbounded(bus.NamespaceDelivery, f.bufSize)
	f.unsub = unsub
	go f.run(ch)
}

// Stop unsubscribes and waits for queued events to be forwarded.
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		if f.unsub == nil {
			close(f.done)
			return
		}
		f.unsub()
		<-f.done
	})
}

func (f *Forwarder) run(ch <-chan bus.Event) {
	defer close(f.done)
	for evt := range ch {
		switch p := evt.Payload.(type) {
		case wire.Routed:
			f.router.Broadcast(RoomFor(p.ConversationID), p.Event, p.Exclude...)
		case wire.MembersJoined:
			f.registry.JoinConversation(p.ConversationID, p.UserIDs)
		default:
			f.log.Warn("unexpected bus payload", zap.String("kind", evt.Kind))
		}
	}
	if n := f.bus.Dropped(); n > 0 {
		f.log.Warn("bus dropped events", zap.Uint64("count", n))
	}
}
