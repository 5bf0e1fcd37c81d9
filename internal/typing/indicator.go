package typing

import (
	"sort"
	"strings"
	"sync"
)

// Indicator is the receive side: who is typing in each conversation.
type Indicator struct {
	mu     sync.Mutex
	typing map[string]map[string]string // conversation → user → display name
}

func NewIndicator() *Indicator {
	return &Indicator{typing: make(map[string]map[string]string)}
}

// Apply records a start or stop signal. It reports whether the set
// changed.
func (i *Indicator) Apply(conversationID, userID, displayName string, isTyping bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	users := i.typing[conversationID]
	if !isTyping {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(i.typing, conversationID)
		}
		return true
	}

	if displayName == "" {
		displayName = userID
	}
	if users == nil {
		users = make(map[string]string)
		i.typing[conversationID] = users
	}
	if users[userID] == displayName {
		return false
	}
	users[userID] = displayName
	return true
}

// Remove drops userID from conversationID, e.g. once their message
// arrived.
func (i *Indicator) Remove(conversationID, userID string) bool {
	return i.Apply(conversationID, userID, "", false)
}

// Names returns the display names typing in conversationID, sorted.
func (i *Indicator) Names(conversationID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, 0, len(i.typing[conversationID]))
	for _, n := range i.typing[conversationID] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear forgets everyone typing in conversationID.
func (i *Indicator) Clear(conversationID string) {
	i.mu.Lock()
	delete(i.typing, conversationID)
	i.mu.Unlock()
}

// Label renders the indicator line, or "" when nobody is typing.
func (i *Indicator) Label(conversationID string) string {
	names := i.Names(conversationID)
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	default:
		return strings.Join(names, ", ") + " are typing…"
	}
}
