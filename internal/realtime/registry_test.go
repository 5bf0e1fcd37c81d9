package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/store"
	"go.uber.org/zap"
)

func newTestRegistry(m fakeMemberships) (*Registry, *Router) {
	router := NewRouter(nil, zap.NewNop())
	users := fakeAuth{
		"tok-alice": {ID: "alice", DisplayName: "Alice"},
		"tok-gone":  {ID: "gone", DeletedAt: 1},
	}
	return NewRegistry(users, m, router, nil, zap.NewNop()), router
}

func TestAuthenticate(t *testing.T) {
	reg, _ := newTestRegistry(fakeMemberships{})
	ctx := context.Background()

	u, err := reg.Authenticate(ctx, "tok-alice")
	if err != nil || u.ID != "alice" {
		t.Fatalf("Authenticate = %v, %v", u, err)
	}
	if _, err := reg.Authenticate(ctx, "bogus"); !errors.Is(err, errs.ErrInvalidToken) {
		t.Errorf("bogus token err = %v", err)
	}
	if _, err := reg.Authenticate(ctx, "tok-gone"); !errors.Is(err, errs.ErrAccountDeleted) {
		t.Errorf("deleted account err = %v", err)
	}
}

func TestRegisterJoinsEveryConversation(t *testing.T) {
	reg, router := newTestRegistry(fakeMemberships{rooms: map[string][]string{"alice": {"c1", "c2"}}})
	p := newFakePeer("p1", 0)
	alice := &store.User{ID: "alice"}

	if err := reg.Register(context.Background(), p, alice); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"c1", "c2"} {
		if !router.InRoom("p1", RoomFor(c)) {
			t.Errorf("p1 not in %s", c)
		}
	}
	if u, ok := reg.Identity("p1"); !ok || u.ID != "alice" {
		t.Errorf("Identity = %v, %v", u, ok)
	}
	if reg.Count() != 1 || len(reg.Connections("alice")) != 1 {
		t.Errorf("Count = %d, Connections = %v", reg.Count(), reg.Connections("alice"))
	}
}

func TestRegisterFetchFailureJoinsNothing(t *testing.T) {
	reg, router := newTestRegistry(fakeMemberships{
		rooms: map[string][]string{"alice": {"c1"}},
		err:   errors.New("database is locked"),
	})
	p := newFakePeer("p1", 0)

	err := reg.Register(context.Background(), p, &store.User{ID: "alice"})
	if !errs.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if router.InRoom("p1", RoomFor("c1")) || reg.Count() != 0 {
		t.Error("failed registration must not join any room")
	}
}

func TestOnDisconnectIsIdempotent(t *testing.T) {
	reg, router := newTestRegistry(fakeMemberships{rooms: map[string][]string{"alice": {"c1"}}})
	p1, p2 := newFakePeer("p1", 0), newFakePeer("p2", 0)
	alice := &store.User{ID: "alice"}
	_ = reg.Register(context.Background(), p1, alice)
	_ = reg.Register(context.Background(), p2, alice)

	reg.OnDisconnect(p1)
	reg.OnDisconnect(p1)
	reg.OnDisconnect(newFakePeer("never-registered", 0))

	if router.InRoom("p1", RoomFor("c1")) {
		t.Error("p1 still in room after disconnect")
	}
	if !router.InRoom("p2", RoomFor("c1")) {
		t.Error("disconnecting p1 must not affect p2")
	}
	if got := reg.Connections("alice"); len(got) != 1 || got[0] != "p2" {
		t.Errorf("Connections = %v", got)
	}
}

func TestJoinConversationAddsLiveConnections(t *testing.T) {
	reg, router := newTestRegistry(fakeMemberships{})
	p := newFakePeer("p1", 0)
	_ = reg.Register(context.Background(), p, &store.User{ID: "alice"})

	reg.JoinConversation("new", []string{"alice", "offline-bob"})
	if !router.InRoom("p1", RoomFor("new")) {
		t.Error("live connection did not join the new conversation")
	}
}

// gatedMemberships blocks the lookup until released, standing in for a
// slow store.
type gatedMemberships struct {
	rooms   []string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMemberships) ConversationIDsForUser(string) ([]string, error) {
	close(g.entered)
	<-g.release
	return g.rooms, nil
}

func TestRegisterSeesConversationCreatedDuringLookup(t *testing.T) {
	router := NewRouter(nil, zap.NewNop())
	gate := &gatedMemberships{rooms: []string{"c1"}, entered: make(chan struct{}), release: make(chan struct{})}
	reg := NewRegistry(fakeAuth{}, gate, router, nil, zap.NewNop())
	p := newFakePeer("p1", 0)

	done := make(chan error, 1)
	go func() { done <- reg.Register(context.Background(), p, &store.User{ID: "alice"}) }()

	// c2 is created and announced while the lookup is still running.
	<-gate.entered
	reg.JoinConversation("c2", []string{"alice"})
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	for _, c := range []string{"c1", "c2"} {
		if !router.InRoom("p1", RoomFor(c)) {
			t.Errorf("p1 not in %s", c)
		}
	}
}
