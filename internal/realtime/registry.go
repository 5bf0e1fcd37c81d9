package realtime

import (
	"context"
	"sync"

	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/metrics"
	"github.com/matheus3301/cnectd/internal/store"
	"go.uber.org/zap"
)

// Authenticator resolves a bearer credential to a live account.
// *auth.Verifier implements it.
type Authenticator interface {
	Verify(token string) (*store.User, error)
}

// Memberships lists the conversations a user belongs to. *store.DB
// implements it.
type Memberships interface {
	ConversationIDsForUser(userID string) ([]string, error)
}

// Registry tracks which identity owns each live connection and keeps the
// router's rooms in line with conversation membership.
type Registry struct {
	auth    Authenticator
	members Memberships
	router  *Router

	mu      sync.RWMutex
	owners  map[string]*store.User     // conn id → identity
	byUser  map[string]map[string]Peer // user id → conn id → peer
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRegistry(a Authenticator, m Memberships, router *Router, mt *metrics.Metrics, log *zap.Logger) *Registry {
	return &Registry{
		auth:    a,
		members: m,
		router:  router,
		owners:  make(map[string]*store.User),
		byUser:  make(map[string]map[string]Peer),
		metrics: mt,
		log:     log,
	}
}

// Authenticate verifies the credential presented at connection time.
func (r *Registry) Authenticate(ctx context.Context, token string) (*store.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Unavailable("authenticate", err)
	}
	return r.auth.Verify(token)
}

// Register records p as a connection of u and joins it to the room of
// every conversation u belongs to. When memberships cannot be loaded
// nothing is joined and the caller must drop the connection.
//
// p is indexed before the fetch, so a conversation created meanwhile
// either shows up in the fetched list or reaches p through
// JoinConversation.
func (r *Registry) Register(ctx context.Context, p Peer, u *store.User) error {
	if err := ctx.Err(); err != nil {
		return errs.Unavailable("register", err)
	}

	r.mu.Lock()
	r.owners[p.ID()] = u
	conns, ok := r.byUser[u.ID]
	if !ok {
		conns = make(map[string]Peer)
		r.byUser[u.ID] = conns
	}
	conns[p.ID()] = p
	r.mu.Unlock()

	ids, err := r.members.ConversationIDsForUser(u.ID)
	if err != nil {
		r.forget(p.ID())
		return errs.Unavailable("load memberships", err)
	}

	r.mu.Lock()
	for _, id := range ids {
		r.router.Join(p, RoomFor(id))
	}
	n := len(r.owners)
	r.mu.Unlock()

	r.metrics.SetConnections(n)
	r.log.Info("connection registered",
		zap.String("conn", p.ID()),
		zap.String("user", u.ID),
		zap.Int("rooms", len(ids)))
	return nil
}

// OnDisconnect forgets p. Unknown or already removed connections are
// ignored.
func (r *Registry) OnDisconnect(p Peer) {
	if u, n, ok := r.forget(p.ID()); ok {
		r.metrics.SetConnections(n)
		r.log.Info("connection closed", zap.String("conn", p.ID()), zap.String("user", u.ID))
	}
}

// forget drops connID from the identity index and every room. It returns
// the owner and the remaining connection count.
func (r *Registry) forget(connID string) (*store.User, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.owners[connID]
	if !ok {
		return nil, len(r.owners), false
	}
	delete(r.owners, connID)
	if conns := r.byUser[u.ID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, u.ID)
		}
	}
	r.router.Remove(connID)
	return u, len(r.owners), true
}

// JoinConversation puts every live connection of userIDs into the room of
// a newly created conversation.
func (r *Registry) JoinConversation(conversationID string, userIDs []string) {
	room := RoomFor(conversationID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, uid := range userIDs {
		for _, p := range r.byUser[uid] {
			r.router.Join(p, room)
		}
	}
}

// Identity returns the account that owns connID.
func (r *Registry) Identity(connID string) (*store.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.owners[connID]
	return u, ok
}

// Connections returns the ids of userID's live connections.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
