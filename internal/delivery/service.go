// Package delivery persists messages and acknowledgments and announces
// each durable change on the bus for fan-out.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Options struct {
	PageSize    int
	MaxPageSize int
}

// Service implements message creation, receipts and history paging.
// Events are published only after the write they describe has committed.
type Service struct {
	db       *store.DB
	bus      *bus.Bus
	pageSize int
	maxPage  int
	now      func() time.Time
	log      *zap.Logger
}

func NewService(db *store.DB, b *bus.Bus, opts Options, log *zap.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = MaxPageSize
	}
	if opts.PageSize > opts.MaxPageSize {
		opts.PageSize = opts.MaxPageSize
	}
	return &Service{
		db:       db,
		bus:      b,
		pageSize: opts.PageSize,
		maxPage:  opts.MaxPageSize,
		now:      time.Now,
		log:      log,
	}
}

// CreateMessage stores content from userID in conversationID and announces
// it to the whole room, sender included.
func (s *Service) CreateMessage(ctx context.Context, userID, conversationID, content string) (*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errs.ErrEmptyContent
	}
	if err := s.requireMember(conversationID, userID); err != nil {
		return nil, err
	}

	m, err := s.db.InsertMessage(conversationID, userID, content, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.publish(bus.KindMessageCreated, conversationID, wire.MessageCreated{Message: ToWire(m)})
	s.log.Debug("message created",
		zap.String("id", m.ID),
		zap.String("conversation", conversationID),
		zap.String("sender", userID))
	return m, nil
}

// MarkDelivered records that messageID reached userID. Receipts from the
// sender and repeated receipts succeed without emitting anything.
func (s *Service) MarkDelivered(ctx context.Context, userID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return errs.ErrMissingID
	}

	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return errs.ErrMessageNotFound
	}
	if err := s.requireMember(m.ConversationID, userID); err != nil {
		return err
	}
	if m.SenderID == userID {
		return nil
	}

	created, err := s.db.RecordDelivery(m.ID, userID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if !created {
		return nil
	}

	s.publish(bus.KindDelivered, m.ConversationID, wire.Delivered{MessageID: m.ID, ToUserID: userID})
	return nil
}

// MarkSeen moves userID's seen marker in a 1:1 conversation up to
// messageID. Groups do not track seen state. A stale acknowledgment leaves
// the marker alone but is still announced; clients ignore regressions.
func (s *Service) MarkSeen(ctx context.Context, userID, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(messageID) == "" {
		return errs.ErrMissingID
	}

	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return errs.ErrConversationNotFound
	}
	if !conv.HasMember(userID) {
		return errs.ErrNotMember
	}
	if conv.IsGroup {
		return nil
	}

	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil || m.ConversationID != conversationID {
		return errs.ErrInvalidMessage
	}
	if m.SenderID == userID {
		return nil
	}

	advanced, err := s.db.AdvanceSeen(userID, m)
	if err != nil {
		return fmt.Errorf("advance seen: %w", err)
	}
	if !advanced {
		s.log.Debug("stale seen acknowledgment",
			zap.String("conversation", conversationID),
			zap.String("message", messageID),
			zap.String("user", userID))
	}

	s.publish(bus.KindSeen, conversationID, wire.Seen{
		ConversationID: conversationID,
		MessageID:      m.ID,
		UserID:         userID,
	})
	return nil
}

// ListMessages returns the page of conversationID strictly older than
// cursor, or the latest page when cursor is nil, oldest first.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string, cursor *int64, limit int) (*wire.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor != nil && *cursor <= 0 {
		return nil, errs.ErrInvalidCursor
	}
	if err := s.requireMember(conversationID, userID); err != nil {
		return nil, err
	}

	limit = s.clampLimit(limit)
	msgs, hasMore, err := s.db.ListMessagesBefore(conversationID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	page := &wire.Page{Messages: make([]wire.Message, 0, len(msgs))}
	for i := range msgs {
		page.Messages = append(page.Messages, ToWire(&msgs[i]))
	}
	if hasMore && len(msgs) > 0 {
		next := msgs[0].CreatedAt
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.pageSize
	}
	if limit > s.maxPage {
		return s.maxPage
	}
	return limit
}

func (s *Service) requireMember(conversationID, userID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errs.ErrMissingID
	}
	ok, err := s.db.IsMember(conversationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return errs.ErrNotMember
	}
	return nil
}

func (s *Service) publish(kind, conversationID string, evt wire.Event) {
	s.bus.Publish(bus.Event{
		Kind:    kind,
		Payload: wire.Routed{ConversationID: conversationID, Event: evt},
	})
}

// ToWire converts a stored message to its wire form.
func ToWire(m *store.Message) wire.Message {
	return wire.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
