// Package session holds per-chat message history in process memory,
// bounded by the retention policy applied during summarization.
package session

import (
	"sync"

	"github.com/quietloop/memochat/internal/chat"
)

// Store is a process-wide message history keyed by chat identifier.
// Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	maxChars int
	chats    map[string][]chat.Message
}

// NewStore creates a store. Message content is truncated to maxChars
// runes before retention; maxChars <= 0 disables truncation.
func NewStore(maxChars int) *Store {
	return &Store{
		maxChars: maxChars,
		chats:    make(map[string][]chat.Message),
	}
}

// Append adds one message to the chat's history.
func (s *Store) Append(chatID string, msg chat.Message) {
	msg.Content = chat.Truncate(msg.Content, s.maxChars)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = append(s.chats[chatID], msg)
}

// Get returns a copy of the full retained history for a chat.
// An absent chat yields an empty slice.
func (s *Store) Get(chatID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.chats[chatID]
	out := make([]chat.Message, len(stored))
	copy(out, stored)
	return out
}

// Recent returns a copy of the last n retained messages in order.
func (s *Store) Recent(chatID string, n int) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.chats[chatID]
	if n > 0 && len(stored) > n {
		stored = stored[len(stored)-n:]
	}
	out := make([]chat.Message, len(stored))
	copy(out, stored)
	return out
}

// Replace atomically overwrites the retained history for a chat. Used
// after summarization trims the oldest slice.
func (s *Store) Replace(chatID string, msgs []chat.Message) {
	kept := make([]chat.Message, len(msgs))
	copy(kept, msgs)
	for i := range kept {
		kept[i].Content = chat.Truncate(kept[i].Content, s.maxChars)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = kept
}

// Len returns the number of retained messages for a chat.
func (s *Store) Len(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats[chatID])
}

// Reset removes all state for a chat and reports whether any existed.
func (s *Store) Reset(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[chatID]
	delete(s.chats, chatID)
	return ok
}

// Size returns the number of chats with retained history.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// Keys returns the chat identifiers with retained history.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.chats))
	for k := range s.chats {
		keys = append(keys, k)
	}
	return keys
}
