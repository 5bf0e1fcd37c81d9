package realtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

// TestForwarderUnderBurst publishes far more events than any buffer holds
// while the forwarder is busy; every one must reach the room in order.
func TestForwarderUnderBurst(t *testing.T) {
	b := bus.New()
	reg, router := newTestRegistry(fakeMemberships{rooms: map[string][]string{"alice": {"c1"}}})
	p := newFakePeer("p1", 0)
	if err := reg.Register(context.Background(), p, &store.User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	fwd := NewForwarder(b, router, reg, 1, zap.NewNop())
	fwd.Start()

	const total = 3000
	b.Publish(bus.Event{Kind: bus.KindMembersJoined, Payload: wire.MembersJoined{ConversationID: "c2", UserIDs: []string{"alice"}}})
	for i := 0; i < total; i++ {
		b.Publish(bus.Event{Kind: bus.KindMessageCreated, Payload: wire.Routed{
			ConversationID: "c2",
			Event:          wire.MessageCreated{Message: wire.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c2"}},
		}})
	}
	fwd.Stop()

	evts := p.events(t)
	if len(evts) != total {
		t.Fatalf("peer got %d events, want %d (bus dropped %d)", len(evts), total, b.Dropped())
	}
	for i, evt := range evts {
		mc, ok := evt.(wire.MessageCreated)
		if !ok || mc.Message.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("event %d = %#v", i, evt)
		}
	}
}
