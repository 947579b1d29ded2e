package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrincipal(username, email string) NewPrincipal {
	return NewPrincipal{
		Username:     username,
		Email:        email,
		Fullname:     "Test " + username,
		PasswordHash: "$2a$10$notarealhashnotarealhashnotarealhashnotarealhashnot",
		Level:        1,
		Active:       true,
	}
}

// runContract exercises behaviour every adapter must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := open(t)
		p, err := s.CreatePrincipal(ctx, newPrincipal("alice", "alice@example.com"))
		require.NoError(t, err)
		require.NotEmpty(t, p.ID)

		byName, err := s.FindPrincipal(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byName.ID)

		byEmail, err := s.FindPrincipal(ctx, "Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byEmail.ID)

		byID, err := s.FindPrincipalByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", byID.Username)
		assert.True(t, byID.Active)
		assert.Equal(t, 1, byID.Level)

		_, err = s.FindPrincipal(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindPrincipalByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindPrincipalByID(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicates", func(t *testing.T) {
		s := open(t)
		_, err := s.CreatePrincipal(ctx, newPrincipal("bob", "bob@example.com"))
		require.NoError(t, err)

		_, err = s.CreatePrincipal(ctx, newPrincipal("bob", "other@example.com"))
		assert.ErrorIs(t, err, ErrDuplicateUsername)

		_, err = s.CreatePrincipal(ctx, newPrincipal("bobby", "bob@example.com"))
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("update and set password", func(t *testing.T) {
		s := open(t)
		np := newPrincipal("carol", "carol@example.com")
		np.Active = false
		np.MustChangePassword = true
		p, err := s.CreatePrincipal(ctx, np)
		require.NoError(t, err)

		name, level := "Carol Updated", 7
		u, err := s.UpdatePrincipal(ctx, p.ID, PrincipalUpdate{Fullname: &name, Level: &level})
		require.NoError(t, err)
		assert.Equal(t, name, u.Fullname)
		assert.Equal(t, 7, u.Level)
		assert.False(t, u.Active)

		u, err = s.SetPassword(ctx, p.ID, "new-hash")
		require.NoError(t, err)
		assert.Equal(t, "new-hash", u.PasswordHash)
		assert.True(t, u.Active)
		assert.False(t, u.MustChangePassword)

		_, err = s.UpdatePrincipal(ctx, "00000000-0000-0000-0000-000000000000", PrincipalUpdate{Level: &level})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.SetPassword(ctx, "00000000-0000-0000-0000-000000000000", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		s := open(t)
		for _, n := range []string{"dave", "erin", "frank"} {
			_, err := s.CreatePrincipal(ctx, newPrincipal(n, n+"@example.com"))
			require.NoError(t, err)
		}
		all, err := s.ListPrincipals(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("refresh records", func(t *testing.T) {
		s := open(t)
		p, err := s.CreatePrincipal(ctx, newPrincipal("grace", "grace@example.com"))
		require.NoError(t, err)

		live, err := s.InsertRefreshRecord(ctx, p.ID, "h1", time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = s.InsertRefreshRecord(ctx, p.ID, "h2", time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = s.InsertRefreshRecord(ctx, p.ID, "expired", time.Now().Add(-time.Hour))
		require.NoError(t, err)

		recs, err := s.ListLiveRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, recs, 2)

		ok, err := s.RevokeRefreshRecord(ctx, live.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.RevokeRefreshRecord(ctx, live.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second revoke must not report a transition")

		recs, err = s.ListLiveRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "h2", recs[0].TokenHash)

		n, err := s.RevokeAllRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "expired and revoked records are not counted")
		recs, err = s.ListLiveRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, recs)

		n, err = s.RevokeAllRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("refresh record for unknown principal", func(t *testing.T) {
		s := open(t)
		_, err := s.InsertRefreshRecord(ctx, "00000000-0000-0000-0000-000000000000", "h", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.InsertRefreshRecord(ctx, "not-a-uuid", "h", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent revoke has one winner", func(t *testing.T) {
		s := open(t)
		p, err := s.CreatePrincipal(ctx, newPrincipal("heidi", "heidi@example.com"))
		require.NoError(t, err)
		rec, err := s.InsertRefreshRecord(ctx, p.ID, "h", time.Now().Add(time.Hour))
		require.NoError(t, err)

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.RevokeRefreshRecord(ctx, rec.ID)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		p, err := s.CreatePrincipal(ctx, newPrincipal("ivan", "ivan@example.com"))
		require.NoError(t, err)
		_, err = s.InsertRefreshRecord(ctx, p.ID, "h", time.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = s.InsertRefreshRecord(ctx, p.ID, "old", time.Now().Add(-time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.DeletePrincipal(ctx, p.ID))
		_, err = s.FindPrincipalByID(ctx, p.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		recs, err := s.ListLiveRefreshRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, recs)

		assert.ErrorIs(t, s.DeletePrincipal(ctx, p.ID), ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, open(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPublicOmitsHash(t *testing.T) {
	p := &Principal{ID: "x", Username: "admin", PasswordHash: "secret-hash", Active: true, Level: 5}
	pub := p.Public()
	assert.Equal(t, 1, pub.Active)
	assert.Equal(t, 5, pub.Level)
	assert.NotContains(t, []any{pub.ID, pub.Username, pub.Email, pub.Fullname}, "secret-hash")
}

func TestDialectErrorMapping(t *testing.T) {
	t.Run("mysql duplicate key", func(t *testing.T) {
		cases := map[string]string{
			"Duplicate entry 'myemail' for key 'users.username'":           "username",
			"Duplicate entry 'email' for key 'username'":                   "username",
			"Duplicate entry 'a@example.com' for key 'users.email'":        "email",
			"Duplicate entry 'a@example.com' for key 'email'":              "email",
			"Duplicate entry 'users.email' for key 'users.username'":       "username",
			"Duplicate entry 'email@example.com' for key 'users.username'": "username",
		}
		for msg, want := range cases {
			field, ok := mysqlDialect.uniqueField(&mysql.MySQLError{Number: duplicateEntry, Message: msg})
			require.True(t, ok, msg)
			assert.Equal(t, want, field, msg)
		}
		_, ok := mysqlDialect.uniqueField(&mysql.MySQLError{Number: noReferencedRow})
		assert.False(t, ok)
	})

	t.Run("missing reference", func(t *testing.T) {
		assert.True(t, mysqlDialect.missingRef(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: noReferencedRow})))
		assert.False(t, mysqlDialect.missingRef(&mysql.MySQLError{Number: duplicateEntry}))
		assert.True(t, postgresDialect.missingRef(&pq.Error{Code: foreignKeyViolation}))
		assert.False(t, postgresDialect.missingRef(&pq.Error{Code: uniqueViolation}))
		assert.False(t, sqliteDialect.missingRef(errors.New("constraint failed")))
	})
}

func TestMySQLUsernameIsCaseSensitive(t *testing.T) {
	assert.Contains(t, mysqlDialect.schema[0], "username VARCHAR(20) COLLATE utf8mb4_bin NOT NULL UNIQUE")
}

func TestRebind(t *testing.T) {
	s := &SQLStore{d: postgresDialect}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", s.q("SELECT 1 WHERE a = ? AND b = ?"))
	s = &SQLStore{d: sqliteDialect}
	assert.Equal(t, "SELECT 1 WHERE a = ?", s.q("SELECT 1 WHERE a = ?"))
}
