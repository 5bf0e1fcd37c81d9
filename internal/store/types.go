package store

// User is an identity. DeletedAt is zero for live accounts.
type User struct {
	ID          string
	DisplayName string
	AvatarColor string
	DeletedAt   int64
	CreatedAt   int64
}

func (u *User) Deleted() bool { return u.DeletedAt != 0 }

// Conversation is a 1:1 or group conversation. Members never change after
// creation.
type Conversation struct {
	ID        string
	IsGroup   bool
	Name      string
	Members   []string
	CreatedAt int64
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message. CreatedAt is unix milliseconds and
// strictly increasing within a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64
}

// SeenMarker is the high-water mark of what a user has seen in a
// conversation.
type SeenMarker struct {
	ConversationID   string
	UserID           string
	MessageID        string
	MessageCreatedAt int64
	UpdatedAt        int64
}
