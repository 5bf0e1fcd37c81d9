package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/wire"
)

// Thread is the local state of one open conversation. It is safe for
// concurrent use by the connection reader and the caller issuing sends.
type Thread struct {
	conversationID string
	self           string
	isGroup        bool
	now            func() time.Time

	mu      sync.Mutex
	entries []Entry
	ids     map[string]struct{}    // permanent ids held
	status  map[string]LocalStatus // temp or permanent id → status
	matched map[string]string      // temp id → permanent id claimed by a broadcast
	draft   string
	hasMore bool

	// gap is the cursor of a hole between a refreshed latest page and the
	// history held before it; floor is the newest message below the hole.
	gap   *int64
	floor int64
}

func NewThread(conversationID, selfID string, isGroup bool) *Thread {
	return &Thread{
		conversationID: conversationID,
		self:           selfID,
		isGroup:        isGroup,
		now:            time.Now,
		ids:            make(map[string]struct{}),
		status:         make(map[string]LocalStatus),
		matched:        make(map[string]string),
		hasMore:        true,
	}
}

func (t *Thread) ConversationID() string { return t.conversationID }
func (t *Thread) IsGroup() bool          { return t.isGroup }

// BeginSend inserts an optimistic entry for content and clears the draft.
// A failed entry with the same text is replaced, so resubmitting shows
// the message once.
func (t *Thread) BeginSend(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errs.ErrEmptyContent
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.entries) - 1; i >= 0; i-- {
		if p, ok := t.entries[i].(Pending); ok && p.Failed && p.Content == content {
			t.removeAt(i)
			delete(t.status, p.TempID)
		}
	}

	tempID := "temp-" + uuid.NewString()
	t.entries = append(t.entries, Pending{TempID: tempID, Content: content, CreatedAt: t.now().UnixMilli()})
	t.status[tempID] = StatusSending
	t.draft = ""
	return tempID, nil
}

// ConfirmSend merges the create-message response for tempID. If the
// broadcast already delivered msg, the pending entry is dropped; otherwise
// it is replaced in place.
func (t *Thread) ConfirmSend(tempID string, msg wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(tempID)
	_, present := t.ids[msg.ID]
	switch {
	case present && idx >= 0:
		t.removeAt(idx)
	case idx >= 0:
		t.entries[idx] = Confirmed{Message: msg}
		t.ids[msg.ID] = struct{}{}
	case !present:
		t.insertConfirmed(msg)
	}

	delete(t.status, tempID)
	delete(t.matched, tempID)
	t.status[msg.ID] = t.status[msg.ID].Advance(StatusSent)
}

// FailSend marks tempID failed and restores its text to the draft. It
// reports false when there is nothing to fail, e.g. the broadcast already
// confirmed the message.
func (t *Thread) FailSend(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.matched[tempID]; ok {
		delete(t.matched, tempID)
		return false
	}
	idx := t.indexOf(tempID)
	if idx < 0 {
		return false
	}
	p := t.entries[idx].(Pending)
	p.Failed = true
	t.entries[idx] = p
	t.status[tempID] = StatusSending
	t.draft = p.Content
	return true
}

// Retry removes the failed entry tempID and returns its text for a new
// BeginSend.
func (t *Thread) Retry(tempID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(tempID)
	if idx < 0 {
		return "", false
	}
	p := t.entries[idx].(Pending)
	if !p.Failed {
		return "", false
	}
	t.removeAt(idx)
	delete(t.status, tempID)
	return p.Content, true
}

// ApplyCreated merges a message-created broadcast. It reports whether the
// caller owes the server receipts for it, i.e. it is new and authored by
// someone else.
func (t *Thread) ApplyCreated(msg wire.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[msg.ID]; ok {
		return false
	}

	if msg.SenderID != t.self {
		delete(t.status, msg.ID)
		t.insertConfirmed(msg)
		return true
	}

	// Our own echo may beat the create-message response. Claim the oldest
	// pending send with the same text; a failed one means the request
	// reached the server but its response was lost.
	if idx := t.oldestPending(msg.Content, true); idx >= 0 {
		p := t.entries[idx].(Pending)
		t.entries[idx] = Confirmed{Message: msg}
		t.ids[msg.ID] = struct{}{}
		t.matched[p.TempID] = msg.ID
		delete(t.status, p.TempID)
		if p.Failed && t.draft == p.Content {
			t.draft = ""
		}
	} else {
		t.insertConfirmed(msg)
	}
	t.status[msg.ID] = t.status[msg.ID].Advance(StatusSent)
	return false
}

// ApplyDelivered applies a delivered receipt for one of our messages.
func (t *Thread) ApplyDelivered(messageID, toUserID string) {
	if toUserID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance(messageID, StatusDelivered)
}

// ApplySeen applies a seen receipt. The seen marker is a high-water mark,
// so every older authored message is seen as well.
func (t *Thread) ApplySeen(messageID, userID string) {
	if userID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.advance(messageID, StatusSeen) {
		return
	}
	var at int64
	for _, e := range t.entries {
		if c, ok := e.(Confirmed); ok && c.Message.ID == messageID {
			at = c.Message.CreatedAt
		}
	}
	for _, e := range t.entries {
		c, ok := e.(Confirmed)
		if ok && c.Message.SenderID == t.self && c.Message.CreatedAt < at {
			t.status[c.Message.ID] = t.status[c.Message.ID].Advance(StatusSeen)
		}
	}
}

// advance moves an authored message forward. Receipts can outrun the
// message itself, so unknown ids are remembered and dropped later if the
// message turns out to be someone else's. It reports whether messageID is
// a known authored message.
func (t *Thread) advance(messageID string, to LocalStatus) bool {
	if _, held := t.ids[messageID]; held {
		if !t.authored(messageID) {
			return false
		}
		t.status[messageID] = t.status[messageID].Advance(to)
		return true
	}
	t.status[messageID] = t.status[messageID].Advance(to)
	return false
}

func (t *Thread) authored(messageID string) bool {
	for _, e := range t.entries {
		if c, ok := e.(Confirmed); ok && c.Message.ID == messageID {
			return c.Message.SenderID == t.self
		}
	}
	return false
}

// PrependPage merges an older history page, skipping messages already
// held.
func (t *Thread) PrependPage(page wire.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(page.Messages, false)
	t.hasMore = page.NextCursor != nil
}

// MergeLatest merges the newest page, as fetched on open or after a
// reconnect to recover events missed while offline. It only decides
// HasMore when nothing was held before. When the page does not reach the
// held history, the hole is recorded and Gap returns its cursor.
func (t *Thread) MergeLatest(page wire.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	newest, held := t.newestConfirmed()
	t.merge(page.Messages, true)
	if !held {
		t.hasMore = page.NextCursor != nil
		return
	}
	if page.NextCursor == nil || len(page.Messages) == 0 || page.Messages[0].CreatedAt <= newest {
		return
	}
	// An older hole, if any, lies below this one and is covered by
	// filling down to its floor.
	if t.gap == nil {
		t.floor = newest
	}
	t.gap = page.NextCursor
}

// Gap returns the cursor of the unfetched hole left by MergeLatest, or nil
// when held history is contiguous.
func (t *Thread) Gap() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gap == nil {
		return nil
	}
	c := *t.gap
	return &c
}

// FillGap merges a page fetched at Gap's cursor. The hole closes once a
// page reaches the history held below it or history runs out.
func (t *Thread) FillGap(page wire.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(page.Messages, true)
	if t.gap == nil {
		return
	}
	if page.NextCursor == nil || len(page.Messages) == 0 || page.Messages[0].CreatedAt <= t.floor {
		t.gap = nil
		return
	}
	t.gap = page.NextCursor
}

func (t *Thread) newestConfirmed() (int64, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if c, ok := t.entries[i].(Confirmed); ok {
			return c.Message.CreatedAt, true
		}
	}
	return 0, false
}

// merge inserts msgs not held yet. With claim set, our own messages take
// over a matching pending send whose echo was missed.
func (t *Thread) merge(msgs []wire.Message, claim bool) {
	for _, m := range msgs {
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		if m.SenderID == t.self {
			if idx := t.oldestPending(m.Content, false); claim && idx >= 0 {
				p := t.entries[idx].(Pending)
				t.matched[p.TempID] = m.ID
				delete(t.status, p.TempID)
				t.removeAt(idx)
			}
			t.insertConfirmed(m)
			t.status[m.ID] = t.status[m.ID].Advance(StatusSent)
			continue
		}
		t.insertConfirmed(m)
		delete(t.status, m.ID)
	}
}

// Cursor returns the timestamp of the oldest held message, the bound for
// the next backward fetch. It is nil while nothing is held.
func (t *Thread) Cursor() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if c, ok := e.(Confirmed); ok {
			ts := c.Message.CreatedAt
			return &ts
		}
	}
	return nil
}

// HasMore reports whether older history may exist.
func (t *Thread) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Messages returns a snapshot of the visible entries in display order.
func (t *Thread) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Awaiting reports whether a send is still waiting for its server id.
// Receipts for such a send can arrive before the id is known.
func (t *Thread) Awaiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if p, ok := e.(Pending); ok && !p.Failed {
			return true
		}
	}
	return false
}

// Holds reports whether the server message id is held.
func (t *Thread) Holds(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// Status returns the local status of an authored entry, by temporary or
// permanent id.
func (t *Thread) Status(key string) (LocalStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.ids[key]; held && !t.authored(key) {
		return StatusUnknown, false
	}
	if t.indexOf(key) < 0 {
		return StatusUnknown, false
	}
	s, ok := t.status[key]
	return s, ok
}

func (t *Thread) Draft() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draft
}

func (t *Thread) SetDraft(text string) {
	t.mu.Lock()
	t.draft = text
	t.mu.Unlock()
}

func (t *Thread) indexOf(key string) int {
	for i, e := range t.entries {
		if e.Key() == key {
			return i
		}
	}
	return -1
}

// oldestPending finds the oldest in-flight send of content, falling back
// to a failed one when withFailed is set.
func (t *Thread) oldestPending(content string, withFailed bool) int {
	failed := -1
	for i, e := range t.entries {
		p, ok := e.(Pending)
		if !ok || p.Content != content {
			continue
		}
		if !p.Failed {
			return i
		}
		if withFailed && failed < 0 {
			failed = i
		}
	}
	return failed
}

// insertConfirmed places msg after every entry not newer than it.
func (t *Thread) insertConfirmed(msg wire.Message) {
	i := len(t.entries)
	for i > 0 && t.entries[i-1].Timestamp() > msg.CreatedAt {
		i--
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = Confirmed{Message: msg}
	t.ids[msg.ID] = struct{}{}
}

func (t *Thread) removeAt(i int) {
	if c, ok := t.entries[i].(Confirmed); ok {
		delete(t.ids, c.Message.ID)
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}
