package chat

import (
	"context"
	"fmt"

	"frutiger-messenger/internal/storage"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// History loads the most recent messages of a channel, oldest first
type History struct {
	store        MessageStore
	defaultLimit int
	maxLimit     int
}

// NewHistory returns History with given limits; non-positive values fall back to package defaults
func NewHistory(store MessageStore, defaultLimit, maxLimit int) *History {
	if maxLimit <= 0 {
		maxLimit = MaxHistoryLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultHistoryLimit, maxLimit)
	}
	return &History{store: store, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Load returns at most limit messages ordered by id. limit <= 0 means the default limit;
// larger limits are clamped. Unknown channel is not an error.
func (h *History) Load(ctx context.Context, key ChannelKey, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = h.defaultLimit
	}
	if limit > h.maxLimit {
		limit = h.maxLimit
	}

	messages, err := h.store.MessagesByChannel(ctx, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("h.store.MessagesByChannel: %w", err)
	}
	if messages == nil {
		messages = []storage.Message{}
	}
	return messages, nil
}
