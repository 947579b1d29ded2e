package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	// duplicateEntry is ER_DUP_ENTRY.
	duplicateEntry = 1062
	// noReferencedRow is ER_NO_REFERENCED_ROW_2.
	noReferencedRow = 1452
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id CHAR(36) PRIMARY KEY,
			username VARCHAR(20) COLLATE utf8mb4_bin NOT NULL UNIQUE,
			email VARCHAR(255) NOT NULL UNIQUE,
			fullname VARCHAR(255) NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			level TINYINT NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			must_change_password BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id CHAR(36) PRIMARY KEY,
			user_id CHAR(36) NOT NULL,
			token_hash VARCHAR(255) NOT NULL,
			expires_at BIGINT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_at BIGINT NULL,
			created_at BIGINT NOT NULL,
			INDEX refresh_tokens_user_live (user_id, revoked, expires_at),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	uniqueField: func(err error) (string, bool) {
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) || myErr.Number != duplicateEntry {
			return "", false
		}
		return duplicateKeyField(myErr.Message), true
	},
	missingRef: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == noReferencedRow
	},
}

// duplicateKeyField maps an ER_DUP_ENTRY message to the column behind the
// key. The message quotes the duplicate value first, so only the key name at
// the end is trusted: 'users.email' on 8.0, 'email' before.
func duplicateKeyField(msg string) string {
	if strings.HasSuffix(msg, "'users.email'") || strings.HasSuffix(msg, "'email'") {
		return "email"
	}
	return "username"
}

// OpenMySQL connects to MySQL and creates the tables if missing.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(ctx, db, mysqlDialect)
}
