// Package realtime owns the persistent connections: authentication,
// room membership and fan-out of events to the right peers.
package realtime

import (
	"sync"

	"github.com/matheus3301/cnectd/internal/metrics"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

// RoomID names a fan-out group. Every conversation has exactly one.
type RoomID string

// RoomFor returns the room of a conversation.
func RoomFor(conversationID string) RoomID {
	return RoomID("conv:" + conversationID)
}

// Peer is one live connection as seen by the router.
type Peer interface {
	ID() string
	// Enqueue hands a frame to the connection's writer without blocking.
	// It reports false when the queue is full or the peer is closed.
	Enqueue(frame []byte) bool
	Close()
}

// Router is a bidirectional index between connections and rooms.
type Router struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	rooms    map[RoomID]map[string]struct{}
	memberOf map[string]map[RoomID]struct{}

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRouter(m *metrics.Metrics, log *zap.Logger) *Router {
	return &Router{
		peers:    make(map[string]Peer),
		rooms:    make(map[RoomID]map[string]struct{}),
		memberOf: make(map[string]map[RoomID]struct{}),
		metrics:  m,
		log:      log,
	}
}

// Join adds p to room. Joining twice is a no-op.
func (r *Router) Join(p Peer, room RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	r.peers[id] = p
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}

	joined, ok := r.memberOf[id]
	if !ok {
		joined = make(map[RoomID]struct{})
		r.memberOf[id] = joined
	}
	joined[room] = struct{}{}
	r.metrics.SetRooms(len(r.rooms))
}

// Leave removes connID from room.
func (r *Router) Leave(connID string, room RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
	if len(r.memberOf[connID]) == 0 {
		delete(r.memberOf, connID)
		delete(r.peers, connID)
	}
	r.metrics.SetRooms(len(r.rooms))
}

func (r *Router) leaveLocked(connID string, room RoomID) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberOf[connID]; ok {
		delete(joined, room)
	}
}

// Remove drops connID from every room it joined and returns those rooms.
func (r *Router) Remove(connID string) []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []RoomID
	for room := range r.memberOf[connID] {
		r.leaveLocked(connID, room)
		left = append(left, room)
	}
	delete(r.memberOf, connID)
	delete(r.peers, connID)
	r.metrics.SetRooms(len(r.rooms))
	return left
}

// InRoom reports whether connID has joined room.
func (r *Router) InRoom(connID string, room RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberOf[connID][room]
	return ok
}

// Members returns the connection ids currently in room.
func (r *Router) Members(room RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of non-empty rooms.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast enqueues evt on every connection in room except the excluded
// ids and returns how many accepted it. A connection whose queue is full
// misses the event and is closed; its client recovers by reconnecting and
// paging history.
func (r *Router) Broadcast(room RoomID, evt wire.Event, exclude ...string) int {
	frame, err := wire.Encode(evt)
	if err != nil {
		r.log.Error("encode event", zap.String("kind", string(evt.Kind())), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]Peer, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		if !excluded(id, exclude) {
			targets = append(targets, r.peers[id])
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if p.Enqueue(frame) {
			sent++
			continue
		}
		r.metrics.Dropped()
		r.log.Warn("dropping slow consumer",
			zap.String("conn", p.ID()),
			zap.String("room", string(room)),
			zap.String("kind", string(evt.Kind())))
		p.Close()
	}
	r.metrics.Broadcast(string(evt.Kind()))
	return sent
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}
