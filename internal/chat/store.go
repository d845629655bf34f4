//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_message_store.go -package=mocks

package chat

import (
	"context"

	"frutiger-messenger/internal/storage"
)

// MessageStore is the append-only channel log
type MessageStore interface {
	CreateMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	MessagesByChannel(ctx context.Context, channelKey string, limit int) ([]storage.Message, error)
}
