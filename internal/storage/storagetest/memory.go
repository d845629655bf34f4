// Package storagetest provides an in-memory implementation of the store used by package tests.
// It follows the same contract as storage.Store: unique usernames, store-assigned increasing
// message ids, and history returned oldest first.
package storagetest

import (
	"context"
	"sync"
	"time"

	"frutiger-messenger/internal/storage"
)

type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]storage.User
	messages []storage.Message
	lastUser int64
	lastMsg  int64
	lastTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]storage.User)}
}

func (s *MemoryStore) CreateUser(_ context.Context, u storage.User) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Username]; ok {
		return storage.User{}, storage.ErrUserExists
	}
	s.lastUser++
	u.ID = s.lastUser
	u.CreatedAt = s.now()
	s.users[u.Username] = u

	return u, nil
}

func (s *MemoryStore) UserByName(_ context.Context, username string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	return u, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m storage.Message) (storage.Message, error) {
	if m.Text == "" {
		return storage.Message{}, storage.ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMsg++
	m.ID = s.lastMsg
	m.CreatedAt = s.now()
	s.messages = append(s.messages, m)

	return m, nil
}

func (s *MemoryStore) MessagesByChannel(_ context.Context, channelKey string, limit int) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []storage.Message
	for _, m := range s.messages {
		if m.ChannelKey == channelKey {
			matched = append(matched, m)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]storage.Message, len(matched))
	copy(out, matched)
	return out, nil
}

// Count returns the number of stored messages with the given channel key and text
func (s *MemoryStore) Count(channelKey, text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.ChannelKey == channelKey && m.Text == text {
			n++
		}
	}
	return n
}

// now never goes backwards, the same way clock_timestamp() orders inserts of one session
func (s *MemoryStore) now() time.Time {
	t := time.Now().UTC()
	if t.Before(s.lastTime) {
		t = s.lastTime
	}
	s.lastTime = t
	return t
}
