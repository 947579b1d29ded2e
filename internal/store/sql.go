package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// schema is executed on open; empty when migrations own the schema
	schema []string
	// uniqueField reports which column a unique-constraint failure hit
	uniqueField func(err error) (string, bool)
	// missingRef reports a foreign-key failure on insert
	missingRef func(err error) bool
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, now: time.Now}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init verifies connectivity and creates the schema where the dialect owns it.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s: ping: %w", s.d.name, err)
	}
	for _, q := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: init schema: %w", s.d.name, err)
		}
	}
	return nil
}

// WithClock replaces the clock used for record timestamps and liveness.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const principalColumns = `id, username, email, fullname, password_hash, level, active, must_change_password, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (*Principal, error) {
	var (
		p       Principal
		created int64
	)
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.Fullname, &p.PasswordHash,
		&p.Level, &p.Active, &p.MustChangePassword, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	return &p, nil
}

func (s *SQLStore) FindPrincipal(ctx context.Context, ident string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+principalColumns+` FROM users WHERE username = ?`), ident)
	p, err := scanPrincipal(row)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	row = s.db.QueryRowContext(ctx, s.q(`SELECT `+principalColumns+` FROM users WHERE LOWER(email) = LOWER(?)`), ident)
	return scanPrincipal(row)
}

func (s *SQLStore) FindPrincipalByID(ctx context.Context, id string) (*Principal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+principalColumns+` FROM users WHERE id = ?`), id)
	return scanPrincipal(row)
}

func (s *SQLStore) ListPrincipals(ctx context.Context) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+principalColumns+` FROM users ORDER BY created_at, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) exists(ctx context.Context, query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) CreatePrincipal(ctx context.Context, np NewPrincipal) (*Principal, error) {
	taken, err := s.exists(ctx, `SELECT 1 FROM users WHERE username = ?`, np.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateUsername
	}
	taken, err = s.exists(ctx, `SELECT 1 FROM users WHERE LOWER(email) = LOWER(?)`, np.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrDuplicateEmail
	}

	p := &Principal{
		ID:                 uuid.NewString(),
		Username:           np.Username,
		Email:              np.Email,
		Fullname:           np.Fullname,
		PasswordHash:       np.PasswordHash,
		Level:              np.Level,
		Active:             np.Active,
		MustChangePassword: np.MustChangePassword,
		CreatedAt:          time.Unix(s.now().Unix(), 0).UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO users (`+principalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Username, p.Email, p.Fullname, p.PasswordHash, p.Level, p.Active, p.MustChangePassword, p.CreatedAt.Unix())
	if err != nil {
		// a concurrent insert can still win between the checks and here
		if field, ok := s.d.uniqueField(err); ok {
			if field == "email" {
				return nil, ErrDuplicateEmail
			}
			return nil, ErrDuplicateUsername
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) UpdatePrincipal(ctx context.Context, id string, u PrincipalUpdate) (*Principal, error) {
	if _, err := s.FindPrincipalByID(ctx, id); err != nil {
		return nil, err
	}
	if u.Empty() {
		return s.FindPrincipalByID(ctx, id)
	}
	var (
		sets []string
		args []any
	)
	if u.Fullname != nil {
		sets = append(sets, "fullname = ?")
		args = append(args, *u.Fullname)
	}
	if u.Level != nil {
		sets = append(sets, "level = ?")
		args = append(args, *u.Level)
	}
	if u.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *u.Active)
	}
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
		return nil, err
	}
	return s.FindPrincipalByID(ctx, id)
}

func (s *SQLStore) SetPassword(ctx context.Context, id, hash string) (*Principal, error) {
	if _, err := s.FindPrincipalByID(ctx, id); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET password_hash = ?, must_change_password = ?, active = ? WHERE id = ?`),
		hash, false, true, id)
	if err != nil {
		return nil, err
	}
	return s.FindPrincipalByID(ctx, id)
}

func (s *SQLStore) DeletePrincipal(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM refresh_tokens WHERE user_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) InsertRefreshRecord(ctx context.Context, principalID, hash string, expiresAt time.Time) (*RefreshRecord, error) {
	if _, err := uuid.Parse(principalID); err != nil {
		return nil, ErrNotFound
	}
	r := &RefreshRecord{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		TokenHash:   hash,
		ExpiresAt:   time.Unix(expiresAt.Unix(), 0).UTC(),
		CreatedAt:   time.Unix(s.now().Unix(), 0).UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at) VALUES (?,?,?,?,?,?)`),
		r.ID, r.PrincipalID, r.TokenHash, r.ExpiresAt.Unix(), false, r.CreatedAt.Unix())
	if err != nil {
		if s.d.missingRef != nil && s.d.missingRef(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) ListLiveRefreshRecords(ctx context.Context, principalID string) ([]*RefreshRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, user_id, token_hash, expires_at, revoked, revoked_at, created_at FROM refresh_tokens WHERE user_id = ? AND revoked = ? AND expires_at > ?`),
		principalID, false, s.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RefreshRecord
	for rows.Next() {
		var (
			r                RefreshRecord
			expires, created int64
			revokedAt        sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.PrincipalID, &r.TokenHash, &expires, &r.Revoked, &revokedAt, &created); err != nil {
			return nil, err
		}
		r.ExpiresAt = time.Unix(expires, 0).UTC()
		r.CreatedAt = time.Unix(created, 0).UTC()
		if revokedAt.Valid {
			t := time.Unix(revokedAt.Int64, 0).UTC()
			r.RevokedAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLStore) RevokeRefreshRecord(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE refresh_tokens SET revoked = ?, revoked_at = ? WHERE id = ? AND revoked = ?`),
		true, s.now().Unix(), id, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) RevokeAllRefreshRecords(ctx context.Context, principalID string) (int64, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE refresh_tokens SET revoked = ?, revoked_at = ? WHERE user_id = ? AND revoked = ? AND expires_at > ?`),
		true, now, principalID, false, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }
