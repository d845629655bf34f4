package storage

import "context"

const schema = `
create table if not exists users (
	id            bigserial primary key,
	username      text unique not null,
	password_hash text not null,
	avatar_color  text,
	theme         text,
	created_at    timestamptz not null default clock_timestamp()
);

create table if not exists messages (
	id           bigserial primary key,
	channel_key  text not null,
	author       text not null,
	author_color text,
	body         text not null,
	created_at   timestamptz not null default clock_timestamp()
);

create index if not exists messages_channel_key_id_idx on messages (channel_key, id);
`

// Migrate creates tables and indexes when they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Info("Applying database schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}
