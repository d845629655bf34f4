//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_credential_store.go -package=mocks

package auth

import (
	"context"

	"frutiger-messenger/internal/storage"
)

// CredentialStore persists accounts
type CredentialStore interface {
	CreateUser(ctx context.Context, u storage.User) (storage.User, error)
	UserByName(ctx context.Context, username string) (storage.User, error)
}
