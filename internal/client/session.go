package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/reconcile"
	"github.com/matheus3301/cnectd/internal/typing"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

const receiptTimeout = 10 * time.Second

// Update tells the owner of a Session that a conversation changed and
// should be redrawn.
type Update struct {
	ConversationID string
	Kind           wire.Kind
}

// Sender is the typing side of the persistent connection.
type Sender interface {
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Session drives the open conversations of one user: it applies incoming
// events to their threads, answers new messages with receipts and performs
// sends with failure restore. It implements Handler.
type Session struct {
	api    *API
	typer  Sender
	self   string
	quiet  time.Duration
	log    *zap.Logger
	typing *typing.Indicator

	mu         sync.Mutex
	threads    map[string]*reconcile.Thread
	debouncers map[string]*typing.Debouncer

	receipts sync.WaitGroup
	updates  chan Update
}

func NewSession(api *API, typer Sender, selfID string, quiet time.Duration, log *zap.Logger) *Session {
	return &Session{
		api:        api,
		typer:      typer,
		self:       selfID,
		quiet:      quiet,
		log:        log,
		typing:     typing.NewIndicator(),
		threads:    make(map[string]*reconcile.Thread),
		debouncers: make(map[string]*typing.Debouncer),
		updates:    make(chan Update, 64),
	}
}

// Updates delivers change notifications. A slow reader misses some; each
// update only says "redraw", so the next one covers it.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) Typing() *typing.Indicator { return s.typing }

// Open starts tracking conv and loads its latest page. Opening an already
// open conversation returns its thread.
func (s *Session) Open(ctx context.Context, conv wire.Conversation) (*reconcile.Thread, error) {
	s.mu.Lock()
	th, ok := s.threads[conv.ID]
	if !ok {
		th = reconcile.NewThread(conv.ID, s.self, conv.IsGroup)
		s.threads[conv.ID] = th
		s.debouncers[conv.ID] = typing.NewDebouncer(conv.ID, s.typer.SendTyping, s.quiet, func(err error) {
			s.log.Debug("typing signal not sent", zap.String("conversation", conv.ID), zap.Error(err))
		})
	}
	s.mu.Unlock()
	if ok {
		return th, nil
	}

	if err := s.refresh(ctx, th); err != nil {
		return th, err
	}
	s.markLatestSeen(th)
	return th, nil
}

// Close stops tracking conversationID, ending any outstanding typing start.
func (s *Session) Close(ctx context.Context, conversationID string) {
	s.mu.Lock()
	d := s.debouncers[conversationID]
	delete(s.threads, conversationID)
	delete(s.debouncers, conversationID)
	s.mu.Unlock()
	if d != nil {
		d.Stop(ctx)
	}
	s.typing.Clear(conversationID)
}

func (s *Session) Thread(conversationID string) *reconcile.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[conversationID]
}

// Send posts content optimistically. On failure the entry is kept as
// failed, the draft is restored and the error returned.
func (s *Session) Send(ctx context.Context, conversationID, content string) error {
	th, d := s.lookup(conversationID)
	if th == nil {
		return errNotOpen(conversationID)
	}
	content = strings.TrimSpace(content)
	tempID, err := th.BeginSend(content)
	if err != nil {
		return err
	}
	if d != nil {
		d.Stop(ctx)
	}
	// A lost stop from a peer would otherwise keep its label up forever.
	s.typing.Clear(conversationID)
	s.notify(conversationID, wire.KindMessageCreated)

	msg, err := s.api.SendMessage(ctx, conversationID, content)
	if err != nil {
		if th.FailSend(tempID) {
			s.notify(conversationID, wire.KindMessageCreated)
		}
		s.log.Warn("send failed", zap.String("conversation", conversationID), zap.Error(err))
		return err
	}
	th.ConfirmSend(tempID, *msg)
	s.notify(conversationID, wire.KindMessageCreated)
	return nil
}

// Keystroke records local input in conversationID.
func (s *Session) Keystroke(ctx context.Context, conversationID string) {
	if _, d := s.lookup(conversationID); d != nil {
		d.Keystroke(ctx)
	}
}

// LoadEarlier fetches the page before the oldest held message, or first
// fills a hole left by an interrupted refresh, and reports how many
// messages it carried.
func (s *Session) LoadEarlier(ctx context.Context, conversationID string) (int, error) {
	th, _ := s.lookup(conversationID)
	if th == nil {
		return 0, errNotOpen(conversationID)
	}
	if gap := th.Gap(); gap != nil {
		page, err := s.api.ListMessages(ctx, conversationID, gap, 0)
		if err != nil {
			return 0, err
		}
		th.FillGap(*page)
		s.notify(conversationID, wire.KindMessageCreated)
		return len(page.Messages), nil
	}
	if !th.HasMore() {
		return 0, nil
	}
	page, err := s.api.ListMessages(ctx, conversationID, th.Cursor(), 0)
	if err != nil {
		return 0, err
	}
	th.PrependPage(*page)
	s.notify(conversationID, wire.KindMessageCreated)
	return len(page.Messages), nil
}

// Connected refreshes every open thread, recovering messages sent while
// the connection was down.
func (s *Session) Connected(ctx context.Context) {
	for _, th := range s.openThreads() {
		if err := s.refresh(ctx, th); err != nil {
			s.log.Warn("refresh after connect", zap.String("conversation", th.ConversationID()), zap.Error(err))
		}
	}
}

// Event applies one server event. Events for conversations that are not
// open are dropped; opening fetches their state.
func (s *Session) Event(evt wire.Event) {
	switch e := evt.(type) {
	case wire.MessageCreated:
		th, _ := s.lookup(e.Message.ConversationID)
		if th == nil {
			return
		}
		if th.ApplyCreated(e.Message) {
			s.acknowledge(th, e.Message)
		}
		s.typing.Remove(e.Message.ConversationID, e.Message.SenderID)
		s.notify(e.Message.ConversationID, evt.Kind())

	case wire.Delivered:
		// Delivered carries no conversation id. An id nobody holds yet
		// belongs to a send whose confirmation is still in flight.
		threads := s.openThreads()
		targets := threads[:0:0]
		for _, th := range threads {
			if th.Holds(e.MessageID) {
				targets = append(targets, th)
			}
		}
		if len(targets) == 0 {
			for _, th := range threads {
				if th.Awaiting() {
					targets = append(targets, th)
				}
			}
		}
		for _, th := range targets {
			th.ApplyDelivered(e.MessageID, e.ToUserID)
			s.notify(th.ConversationID(), evt.Kind())
		}

	case wire.Seen:
		th, _ := s.lookup(e.ConversationID)
		if th == nil {
			return
		}
		th.ApplySeen(e.MessageID, e.UserID)
		s.notify(e.ConversationID, evt.Kind())

	case wire.Typing:
		if e.UserID == s.self {
			return
		}
		if s.typing.Apply(e.ConversationID, e.UserID, e.DisplayName, e.IsTyping) {
			s.notify(e.ConversationID, evt.Kind())
		}
	}
}

// Shutdown stops every debouncer and waits for outstanding receipts.
func (s *Session) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ds := make([]*typing.Debouncer, 0, len(s.debouncers))
	for _, d := range s.debouncers {
		ds = append(ds, d)
	}
	s.mu.Unlock()
	for _, d := range ds {
		d.Stop(ctx)
	}
	s.receipts.Wait()
}

// acknowledge sends delivered, and seen for 1:1 conversations, in the
// background so event dispatch never waits on REST.
func (s *Session) acknowledge(th *reconcile.Thread, m wire.Message) {
	s.receipts.Add(1)
	go func() {
		defer s.receipts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
		defer cancel()

		if err := s.api.MarkDelivered(ctx, m.ID); err != nil {
			s.log.Warn("delivered receipt", zap.String("message", m.ID), zap.Error(err))
		}
		if th.IsGroup() {
			return
		}
		if err := s.api.MarkSeen(ctx, m.ConversationID, m.ID); err != nil {
			s.log.Warn("seen receipt", zap.String("message", m.ID), zap.Error(err))
		}
	}()
}

// markLatestSeen acknowledges the newest message of a freshly opened 1:1
// conversation when someone else wrote it.
func (s *Session) markLatestSeen(th *reconcile.Thread) {
	if th.IsGroup() {
		return
	}
	entries := th.Messages()
	for i := len(entries) - 1; i >= 0; i-- {
		c, ok := entries[i].(reconcile.Confirmed)
		if !ok {
			continue
		}
		if c.Message.SenderID == s.self {
			return
		}
		s.receipts.Add(1)
		go func() {
			defer s.receipts.Done()
			ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
			defer cancel()
			if err := s.api.MarkSeen(ctx, c.Message.ConversationID, c.Message.ID); err != nil {
				s.log.Warn("seen receipt", zap.String("message", c.Message.ID), zap.Error(err))
			}
		}()
		return
	}
}

func (s *Session) refresh(ctx context.Context, th *reconcile.Thread) error {
	page, err := s.api.ListMessages(ctx, th.ConversationID(), nil, 0)
	if err != nil {
		return err
	}
	th.MergeLatest(*page)
	// More than a page may have arrived while offline; walk back until the
	// new pages meet the held history. A failure leaves the gap for
	// LoadEarlier.
	for gap := th.Gap(); gap != nil; gap = th.Gap() {
		page, err := s.api.ListMessages(ctx, th.ConversationID(), gap, 0)
		if err != nil {
			s.notify(th.ConversationID(), wire.KindMessageCreated)
			return err
		}
		th.FillGap(*page)
	}
	s.notify(th.ConversationID(), wire.KindMessageCreated)
	return nil
}

func (s *Session) lookup(conversationID string) (*reconcile.Thread, *typing.Debouncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[conversationID], s.debouncers[conversationID]
}

func (s *Session) openThreads() []*reconcile.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*reconcile.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th)
	}
	return out
}

func (s *Session) notify(conversationID string, kind wire.Kind) {
	select {
	case s.updates <- Update{ConversationID: conversationID, Kind: kind}:
	default:
	}
}

func errNotOpen(conversationID string) error {
	return errs.InvalidArg(fmt.Sprintf("conversation %s is not open", conversationID))
}
