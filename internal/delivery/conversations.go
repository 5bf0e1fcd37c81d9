package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/cnectd/internal/bus"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/store"
	"github.com/matheus3301/cnectd/internal/wire"
	"go.uber.org/zap"
)

// StartDM returns the 1:1 conversation between userID and otherUserID,
// creating it on first use.
func (s *Service) StartDM(ctx context.Context, userID, otherUserID string) (*store.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return nil, errs.ErrMissingID
	}
	if otherUserID == userID {
		return nil, errs.ErrSelfDM
	}
	other, err := s.db.GetUser(otherUserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if other == nil || other.Deleted() {
		return nil, errs.ErrUserNotFound
	}

	conv, created, err := s.db.FindOrCreateDM(userID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("start dm: %w", err)
	}
	if created {
		s.announce(conv)
	}
	return conv, nil
}

// CreateGroup creates a group of userID plus memberIDs. The group needs at
// least three distinct existing members.
func (s *Service) CreateGroup(ctx context.Context, userID, name string, memberIDs []string) (*store.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members := store.UniqueMembers(append([]string{userID}, memberIDs...)...)
	if len(members) < 3 {
		return nil, errs.ErrGroupTooSmall
	}
	for _, id := range members {
		u, err := s.db.GetUser(id)
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		if u == nil || u.Deleted() {
			return nil, errs.ErrUnknownMembers
		}
	}

	conv, err := s.db.CreateGroup(name, members)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.announce(conv)
	return conv, nil
}

// ListConversations returns userID's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	convs, err := s.db.ListConversationsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// announce lets live connections of the members join the new room.
func (s *Service) announce(conv *store.Conversation) {
	s.bus.Publish(bus.Event{
		Kind:    bus.KindMembersJoined,
		Payload: wire.MembersJoined{ConversationID: conv.ID, UserIDs: conv.Members},
	})
	s.log.Info("conversation created",
		zap.String("id", conv.ID),
		zap.Bool("group", conv.IsGroup),
		zap.Int("members", len(conv.Members)))
}

// ConversationToWire converts a stored conversation to its wire form.
func ConversationToWire(c *store.Conversation) wire.Conversation {
	members := c.Members
	if members == nil {
		members = []string{}
	}
	return wire.Conversation{
		ID:        c.ID,
		IsGroup:   c.IsGroup,
		Name:      c.Name,
		Members:   members,
		CreatedAt: c.CreatedAt,
	}
}
