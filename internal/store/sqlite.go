package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			fullname TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 0,
			must_change_password INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			revoked_at INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS refresh_tokens_user_live ON refresh_tokens (user_id, revoked, expires_at);`,
	},
	uniqueField: func(err error) (string, bool) {
		var sqlErr *sqlite.Error
		if !errors.As(err, &sqlErr) || sqlErr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return "", false
		}
		if strings.Contains(sqlErr.Error(), "users.email") {
			return "email", true
		}
		return "username", true
	},
	missingRef: func(err error) bool {
		var sqlErr *sqlite.Error
		return errors.As(err, &sqlErr) && sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	},
}

// OpenSQLite opens (creating if needed) the database file at path with
// foreign keys enforced.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// one writer; concurrent connections would surface SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect)
}
