package storage

import (
	"context"
	"errors"

	"frutiger-messenger/internal/storage/zapadapter"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotExist = errors.New("user does not exist")
	ErrEmptyMessage = errors.New("message text is empty")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pooled connections
func (s *Store) Close() {
	s.db.Close()
}

// Ping acquires a connection and checks that the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateUser inserts user record and returns it with id and created_at filled in.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	s.logger.Debugf("Creating user (%s)", u.Username)

	sql := `insert into users (username, password_hash, avatar_color, theme)
			values ($1, $2, $3, $4)
			returning id, created_at`
	err := s.db.QueryRow(ctx, sql, u.Username, u.PasswordHash, nullText(u.AvatarColor), nullText(u.Theme)).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return User{}, ErrUserExists
			}
		}
		return User{}, err
	}

	s.logger.Debugf("Created user (%s) with id %d", u.Username, u.ID)

	return u, nil
}

// UserByName returns user with provided username or ErrUserNotExist
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	var (
		u     User
		color pgtype.Text
		theme pgtype.Text
	)
	sql := "select id, username, password_hash, avatar_color, theme, created_at from users where username = $1"
	err := s.db.QueryRow(ctx, sql, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &color, &theme, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}
	u.AvatarColor = textValue(color)
	u.Theme = textValue(theme)

	return u, nil
}

// CreateMessage appends message to the channel log and returns it with id and created_at assigned by database
func (s *Store) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.Text == "" {
		return Message{}, ErrEmptyMessage
	}

	s.logger.Debugf("Creating message from %s in channel %s", m.Author, m.ChannelKey)

	sql := `insert into messages (channel_key, author, author_color, body)
			values ($1, $2, $3, $4)
			returning id, created_at`
	err := s.db.QueryRow(ctx, sql, m.ChannelKey, m.Author, nullText(m.AuthorColor), m.Text).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}

	return m, nil
}

// MessagesByChannel returns the last limit messages of the channel sorted by id
// (from earliest to latest). Unknown channel gives an empty slice.
func (s *Store) MessagesByChannel(ctx context.Context, channelKey string, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for channel %s (limit %d)", channelKey, limit)

	sql := `select id, channel_key, author, author_color, body, created_at
			  from (select id, channel_key, author, author_color, body, created_at
					  from messages
					 where channel_key = $1
					 order by id desc
					 limit $2) recent
			 order by id asc`

	rows, err := s.db.Query(ctx, sql, channelKey, limit)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m     Message
			color pgtype.Text
		)
		err = rows.Scan(&m.ID, &m.ChannelKey, &m.Author, &color, &m.Text, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		m.AuthorColor = textValue(color)
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

func nullText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: s, Status: pgtype.Present}
}

func textValue(t pgtype.Text) string {
	if t.Status != pgtype.Present {
		return ""
	}
	return t.String
}
