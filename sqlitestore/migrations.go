package sqlitestore

import (
	"database/sql"
)

// applyMigrations creates the schema if it does not exist yet.
func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}

// Timestamps are INTEGER unix nanoseconds so that the guard comparisons in
// MarkUsed and DeletePrunable are plain integer comparisons.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS magic_links (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  public_id     TEXT    NOT NULL UNIQUE,
  subject_email TEXT    NOT NULL,
  token_hash    TEXT    NOT NULL,
  lookup_hash   TEXT    NOT NULL UNIQUE,
  redirect_url  TEXT    NOT NULL,
  expires_at    INTEGER NOT NULL,
  used_at       INTEGER NULL,
  context       TEXT    NULL,
  meta          TEXT    NULL,
  ip_address    TEXT    NULL,
  user_agent    TEXT    NULL,
  created_at    INTEGER NOT NULL,
  updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_magic_links_subject ON magic_links(subject_email, created_at);
CREATE INDEX IF NOT EXISTS idx_magic_links_expiry  ON magic_links(expires_at, used_at);
`
