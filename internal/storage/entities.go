package storage

import "time"

// User is a registered account. AvatarColor and Theme are empty when not set.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	AvatarColor  string
	Theme        string
	CreatedAt    time.Time
}

// Message is a single chat line stored under a channel key.
// ID and CreatedAt are assigned by the store.
type Message struct {
	ID          int64
	ChannelKey  string
	Author      string
	AuthorColor string
	Text        string
	CreatedAt   time.Time
}
