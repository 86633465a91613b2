package sqlite

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		realname       TEXT NOT NULL DEFAULT '',
		bio            TEXT NOT NULL DEFAULT '',
		avatar_type    TEXT,
		avatar_body    BLOB,
		avatar_preview TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		contact_id INTEGER NOT NULL UNIQUE REFERENCES contacts(id) ON DELETE CASCADE,
		handle     TEXT NOT NULL UNIQUE,
		guid       TEXT NOT NULL,
		server     TEXT NOT NULL,
		public_key TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		contact_id  INTEGER NOT NULL UNIQUE REFERENCES contacts(id),
		guid        TEXT NOT NULL UNIQUE,
		private_key TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contact_interests (
		contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		tag        TEXT NOT NULL,
		PRIMARY KEY (contact_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		from_contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		to_contact_id   INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (from_contact_id, to_contact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		author_id          INTEGER NOT NULL REFERENCES contacts(id),
		parent_id          INTEGER REFERENCES posts(id),
		created_at         INTEGER NOT NULL,
		thread_modified_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_parts (
		post_id      INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		position     INTEGER NOT NULL,
		mime_type    TEXT NOT NULL,
		body         BLOB NOT NULL,
		text_preview TEXT NOT NULL DEFAULT '',
		inline       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (post_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS post_tags (
		post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		tag     TEXT NOT NULL,
		PRIMARY KEY (post_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS shares (
		post_id      INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		contact_id   INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
		show_on_wall INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (post_id, contact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS remote_posts (
		post_id    INTEGER NOT NULL UNIQUE REFERENCES posts(id) ON DELETE CASCADE,
		guid       TEXT NOT NULL UNIQUE,
		visibility TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS queue_items (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		direction   TEXT NOT NULL,
		user_id     INTEGER NOT NULL DEFAULT 0,
		body        BLOB NOT NULL,
		received_at INTEGER NOT NULL,
		status      TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS queue_items_pending
		ON queue_items (status, direction, user_id, received_at, id)`,
}

// migrate creates any missing tables.
func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
