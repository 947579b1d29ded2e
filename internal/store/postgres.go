package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	// tables come from migrations; Init only verifies connectivity
	uniqueField: func(err error) (string, bool) {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
			return "", false
		}
		if strings.Contains(pqErr.Constraint, "email") {
			return "email", true
		}
		return "username", true
	},
	missingRef: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
	},
}

// OpenPostgres connects to Postgres. The schema is expected to be migrated.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(ctx, db, postgresDialect)
}
