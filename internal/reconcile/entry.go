// Package reconcile keeps a client's view of one conversation consistent
// with the server: optimistic sends, broadcast echoes, receipts and
// backward history paging.
package reconcile

import (
	"fmt"

	"github.com/matheus3301/cnectd/internal/wire"
)

// LocalStatus tracks an authored message. It only moves forward.
type LocalStatus int

const (
	StatusUnknown LocalStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusSeen
)

func (s LocalStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// Advance returns the later of s and to.
func (s LocalStatus) Advance(to LocalStatus) LocalStatus {
	if to > s {
		return to
	}
	return s
}

// Entry is one visible line of a conversation: either a Pending local
// send or a Confirmed server message, never both for the same send.
type Entry interface {
	// Key is the temporary id of a Pending entry or the permanent id of a
	// Confirmed one.
	Key() string
	Timestamp() int64
	Text() string
	isEntry()
}

// Pending is an optimistic send awaiting confirmation.
type Pending struct {
	TempID    string
	Content   string
	CreatedAt int64
	Failed    bool
}

func (p Pending) Key() string      { return p.TempID }
func (p Pending) Timestamp() int64 { return p.CreatedAt }
func (Pending) isEntry()           {}

func (p Pending) Text() string {
	if p.Failed {
		return fmt.Sprintf("%s (failed)", p.Content)
	}
	return p.Content
}

// Confirmed is a server-confirmed message.
type Confirmed struct {
	Message wire.Message
}

func (c Confirmed) Key() string      { return c.Message.ID }
func (c Confirmed) Timestamp() int64 { return c.Message.CreatedAt }
func (c Confirmed) Text() string     { return c.Message.Content }
func (Confirmed) isEntry()           {}
