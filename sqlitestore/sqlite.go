// Package sqlitestore implements magiclink.Store on SQLite through
// database/sql. Consumption is a single conditional UPDATE ... RETURNING, so
// the database decides which concurrent caller wins.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/john-naputi/magiclink"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store implements magiclink.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite DB at path and applies migrations.
// ":memory:" gives a private in-process database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and it keeps a
	// ":memory:" database alive for the life of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000;", "PRAGMA journal_mode = WAL;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const columns = `id, public_id, subject_email, token_hash, lookup_hash, redirect_url,
  expires_at, used_at, context, meta, ip_address, user_agent, created_at, updated_at`

func (s *Store) Insert(ctx context.Context, link *magiclink.MagicLink) error {
	const q = `
INSERT INTO magic_links(public_id, subject_email, token_hash, lookup_hash, redirect_url,
  expires_at, used_at, context, meta, ip_address, user_agent, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL, ?, ?);`
	ctxJSON, err := encodeMap(link.Context)
	if err != nil {
		return err
	}
	metaJSON, err := encodeMap(link.Meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q,
		link.PublicID, link.SubjectEmail, link.TokenHash, link.LookupHash, link.RedirectURL,
		nanos(link.ExpiresAt), ctxJSON, metaJSON, nanos(link.CreatedAt), nanos(link.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return magiclink.ErrDuplicate
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	link.ID = strconv.FormatInt(id, 10)
	return nil
}

func (s *Store) FindByLookupHash(ctx context.Context, lookupHash string) (magiclink.MagicLink, error) {
	q := `SELECT ` + columns + ` FROM magic_links WHERE lookup_hash = ? LIMIT 1;`
	return scanOne(s.db.QueryRowContext(ctx, q, lookupHash), magiclink.ErrNotFound)
}

func (s *Store) FindByPublicID(ctx context.Context, publicID string) (magiclink.MagicLink, error) {
	q := `SELECT ` + columns + ` FROM magic_links WHERE public_id = ? LIMIT 1;`
	return scanOne(s.db.QueryRowContext(ctx, q, publicID), magiclink.ErrNotFound)
}

func (s *Store) MarkUsed(ctx context.Context, p magiclink.ConsumeParams) (magiclink.MagicLink, error) {
	q := `
UPDATE magic_links
SET used_at = ?, ip_address = ?, user_agent = ?, updated_at = ?
WHERE public_id = ? AND used_at IS NULL AND expires_at > ?
RETURNING ` + columns + `;`
	now := nanos(p.Now)
	row := s.db.QueryRowContext(ctx, q, now, nullString(p.IPAddress), nullString(p.UserAgent), now, p.PublicID, now)
	return scanOne(row, magiclink.ErrNotConsumable)
}

func (s *Store) Revoke(ctx context.Context, publicID string, now time.Time) (magiclink.MagicLink, bool, error) {
	q := `
UPDATE magic_links
SET used_at = ?, updated_at = ?
WHERE public_id = ? AND used_at IS NULL
RETURNING ` + columns + `;`
	n := nanos(now)
	l, err := scanOne(s.db.QueryRowContext(ctx, q, n, n, publicID), errNoTransition)
	switch {
	case err == nil:
		return l, true, nil
	case errors.Is(err, errNoTransition):
		// Unknown or already used; the read tells which.
		l, err = s.FindByPublicID(ctx, publicID)
		return l, false, err
	default:
		return magiclink.MagicLink{}, false, err
	}
}

func (s *Store) Extend(ctx context.Context, publicID string, d time.Duration, now time.Time) (magiclink.MagicLink, error) {
	q := `
UPDATE magic_links
SET expires_at = expires_at + ?, updated_at = ?
WHERE public_id = ? AND used_at IS NULL
RETURNING ` + columns + `;`
	l, err := scanOne(s.db.QueryRowContext(ctx, q, d.Nanoseconds(), nanos(now), publicID), errNoTransition)
	if errors.Is(err, errNoTransition) {
		if _, err := s.FindByPublicID(ctx, publicID); err != nil {
			return magiclink.MagicLink{}, err
		}
		return magiclink.MagicLink{}, magiclink.ErrLinkUsed
	}
	return l, err
}

func (s *Store) DeletePrunable(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM magic_links WHERE used_at IS NOT NULL OR expires_at < ?;`
	res, err := s.db.ExecContext(ctx, q, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) List(ctx context.Context, f magiclink.ListFilter, now time.Time) ([]magiclink.MagicLink, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectEmail != "" {
		where = append(where, "subject_email = ?")
		args = append(args, f.SubjectEmail)
	}
	switch f.Status {
	case magiclink.StatusActive:
		where = append(where, "used_at IS NULL AND expires_at > ?")
		args = append(args, nanos(now))
	case magiclink.StatusExpired:
		where = append(where, "used_at IS NULL AND expires_at <= ?")
		args = append(args, nanos(now))
	case magiclink.StatusUsed:
		where = append(where, "used_at IS NOT NULL")
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + columns + ` FROM magic_links`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, public_id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]magiclink.MagicLink, 0)
	for rows.Next() {
		l, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

var errNoTransition = errors.New("sqlitestore: no row updated")

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row, noRows error) (magiclink.MagicLink, error) {
	l, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return magiclink.MagicLink{}, noRows
	}
	return l, err
}

func scan(r scanner) (magiclink.MagicLink, error) {
	var (
		l                         magiclink.MagicLink
		id, expires, created, upd int64
		used                      sql.NullInt64
		ctxJSON, metaJSON, ip, ua sql.NullString
	)
	if err := r.Scan(&id, &l.PublicID, &l.SubjectEmail, &l.TokenHash, &l.LookupHash, &l.RedirectURL,
		&expires, &used, &ctxJSON, &metaJSON, &ip, &ua, &created, &upd); err != nil {
		return magiclink.MagicLink{}, err
	}
	l.ID = strconv.FormatInt(id, 10)
	l.ExpiresAt = fromNanos(expires)
	l.CreatedAt = fromNanos(created)
	l.UpdatedAt = fromNanos(upd)
	if used.Valid {
		t := fromNanos(used.Int64)
		l.UsedAt = &t
	}
	if ip.Valid {
		l.IPAddress = &ip.String
	}
	if ua.Valid {
		l.UserAgent = &ua.String
	}
	var err error
	if l.Context, err = decodeMap(ctxJSON); err != nil {
		return magiclink.MagicLink{}, err
	}
	if l.Meta, err = decodeMap(metaJSON); err != nil {
		return magiclink.MagicLink{}, err
	}
	return l, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ magiclink.Store = (*Store)(nil)
