package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names one variant of the event union.
type Kind string

const (
	KindMessageCreated Kind = "message-created"
	KindDelivered      Kind = "delivered"
	KindSeen           Kind = "seen"
	KindTypingStart    Kind = "typing-start"
	KindTypingStop     Kind = "typing-stop"
)

// Wire type names. Both typing kinds travel as "typing" with an isTyping
// flag so the payload shape matches what mobile clients already send.
const (
	typeMessageCreated = "message-created"
	typeDelivered      = "delivered"
	typeSeen           = "seen"
	typeTyping         = "typing"
)

// Event is a server→client event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	validate() error
}

type MessageCreated struct {
	Message Message `json:"message"`
}

type Delivered struct {
	MessageID string `json:"messageId"`
	ToUserID  string `json:"toUserId"`
}

type Seen struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsTyping       bool   `json:"isTyping"`
}

func (MessageCreated) Kind() Kind { return KindMessageCreated }
func (Delivered) Kind() Kind      { return KindDelivered }
func (Seen) Kind() Kind           { return KindSeen }

func (t Typing) Kind() Kind {
	if t.IsTyping {
		return KindTypingStart
	}
	return KindTypingStop
}

func (e MessageCreated) validate() error {
	m := e.Message
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
		return fmt.Errorf("message-created: missing id, conversationId or senderId")
	}
	return nil
}

func (e Delivered) validate() error {
	if e.MessageID == "" || e.ToUserID == "" {
		return fmt.Errorf("delivered: missing messageId or toUserId")
	}
	return nil
}

func (e Seen) validate() error {
	if e.ConversationID == "" || e.MessageID == "" || e.UserID == "" {
		return fmt.Errorf("seen: missing conversationId, messageId or userId")
	}
	return nil
}

func (e Typing) validate() error {
	if e.ConversationID == "" || e.UserID == "" {
		return fmt.Errorf("typing: missing conversationId or userId")
	}
	return nil
}

// TypingSignal is the only client→server event.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Envelope is the framing of every event on the persistent connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func wireType(k Kind) string {
	switch k {
	case KindTypingStart, KindTypingStop:
		return typeTyping
	default:
		return string(k)
	}
}

// Encode frames a server→client event.
func Encode(e Event) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: wireType(e.Kind()), Data: data})
}

// Decode parses and validates a server→client event.
func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var evt Event
	switch env.Type {
	case typeMessageCreated:
		var e MessageCreated
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		evt = e
	case typeDelivered:
		var e Delivered
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		evt = e
	case typeSeen:
		var e Seen
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		evt = e
	case typeTyping:
		var e Typing
		if err := unmarshalData(env, &e); err != nil {
			return nil, err
		}
		evt = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if err := evt.validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

// EncodeSignal frames a client→server typing signal.
func EncodeSignal(s TypingSignal) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typeTyping, Data: data})
}

// DecodeSignal parses a client→server frame. Anything other than a
// well-formed typing signal is rejected.
func DecodeSignal(b []byte) (TypingSignal, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return TypingSignal{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != typeTyping {
		return TypingSignal{}, fmt.Errorf("unexpected client event type %q", env.Type)
	}
	var s TypingSignal
	if err := unmarshalData(env, &s); err != nil {
		return TypingSignal{}, err
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return TypingSignal{}, fmt.Errorf("typing: missing conversationId")
	}
	return s, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", env.Type, err)
	}
	return nil
}

// Routed is the bus payload asking the fan-out layer to broadcast Event to
// the room of ConversationID, skipping the Exclude connection ids.
type Routed struct {
	ConversationID string
	Event          Event
	Exclude        []string
}

// MembersJoined is the bus payload announcing that UserIDs now belong to
// ConversationID, so their live connections must join its room.
type MembersJoined struct {
	ConversationID string
	UserIDs        []string
}
