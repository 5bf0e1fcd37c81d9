// Package wire defines the JSON shapes exchanged between cnectd and its
// clients, over REST and over the persistent connection.
package wire

import "github.com/matheus3301/cnectd/internal/errs"

// Message is a server-confirmed chat message. CreatedAt is unix milliseconds
// and doubles as the pagination cursor.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
}

// Conversation is the client view of a conversation and its members.
type Conversation struct {
	ID        string   `json:"id"`
	IsGroup   bool     `json:"isGroup"`
	Name      string   `json:"name,omitempty"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"createdAt"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

// Page is one backward page of history, oldest first. NextCursor is nil
// once there is nothing older to fetch.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor *int64    `json:"nextCursor"`
}

type DeliveredRequest struct {
	MessageID string `json:"messageId"`
}

type SeenRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type StartDMRequest struct {
	OtherUserID string `json:"otherUserId"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"memberIds"`
}

type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ErrorResponse is the body of every non-2xx REST response.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code,omitempty"`
}
