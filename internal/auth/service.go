package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"frutiger-messenger/internal/storage"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenRevoked       = errors.New("token revoked")
)

// Profile is the public part of a user returned to clients
type Profile struct {
	ID    int64
	Name  string
	Color string
	Theme string
}

// Session is the result of a successful login
type Session struct {
	Token     string
	ExpiresAt time.Time
	Profile   Profile
}

// Service registers users, checks credentials and manages session tokens
type Service struct {
	logger    *zap.SugaredLogger
	store     CredentialStore
	tokens    *Tokens
	revoker   Revoker
	validate  *validator.Validate
	cost      int
	dummyHash []byte
}

type Option interface {
	apply(*Service)
}

type optionFunc func(s *Service)

func (f optionFunc) apply(s *Service) { f(s) }

// HashCost sets bcrypt cost. Values below bcrypt.MinCost fall back to bcrypt.DefaultCost.
func HashCost(cost int) Option {
	return optionFunc(func(s *Service) {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			cost = bcrypt.DefaultCost
		}
		s.cost = cost
	})
}

// WithRevoker replaces the default in-memory revocation set
func WithRevoker(r Revoker) Option {
	return optionFunc(func(s *Service) {
		s.revoker = r
	})
}

func NewService(logger *zap.SugaredLogger, store CredentialStore, tokens *Tokens, opts ...Option) (*Service, error) {
	s := &Service{
		logger:   logger,
		store:    store,
		tokens:   tokens,
		revoker:  NewMemoryRevoker(),
		validate: newValidator(),
		cost:     bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt.apply(s)
	}

	// compared against when the user does not exist so unknown names cost the same as wrong passwords
	hash, err := bcrypt.GenerateFromPassword([]byte("frutiger-dummy-password"), s.cost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt.GenerateFromPassword: %w", err)
	}
	s.dummyHash = hash

	return s, nil
}

// Register creates an account. Existing usernames are never overwritten.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Profile, error) {
	if err := s.validateRegister(req); err != nil {
		return Profile{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Profile{}, fmt.Errorf("bcrypt.GenerateFromPassword: %w", err)
	}

	u, err := s.store.CreateUser(ctx, storage.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		AvatarColor:  req.AvatarColor,
		Theme:        req.Theme,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return Profile{}, ErrUsernameTaken
		}
		return Profile{}, fmt.Errorf("s.store.CreateUser: %w", err)
	}

	s.logger.Infof("Registered user %q (id %d)", u.Username, u.ID)

	return profileOf(u), nil
}

// Login checks credentials and issues a session token
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	if username == "" || password == "" {
		return Session{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	u, err := s.store.UserByName(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("s.store.UserByName: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.Issue(u)
	if err != nil {
		return Session{}, fmt.Errorf("s.tokens.Issue: %w", err)
	}

	return Session{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Profile:   profileOf(u),
	}, nil
}

// Authenticate verifies token and checks that it was not revoked
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	if err := s.Check(ctx, claims); err != nil {
		return nil, err
	}

	return claims, nil
}

// Check tells whether already parsed claims are still usable: not expired and not revoked.
// Long-lived connections call it before every privileged action.
func (s *Service) Check(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ExpiresAt == nil || !s.tokens.now().Before(claims.ExpiresAt.Time) {
		return ErrInvalidToken
	}

	revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("s.revoker.IsRevoked: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}

	return nil
}

// Logout revokes token until its expiry
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}

	if err := s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("s.revoker.Revoke: %w", err)
	}

	s.logger.Debugf("Revoked token %s of user %q", claims.ID, claims.Name)

	return nil
}

func profileOf(u storage.User) Profile {
	return Profile{
		ID:    u.ID,
		Name:  u.Username,
		Color: u.AvatarColor,
		Theme: u.Theme,
	}
}
