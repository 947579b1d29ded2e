package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/nilesession/internal/apperr"
	"github.com/example/nilesession/internal/events"
	"github.com/example/nilesession/internal/hasher"
	"github.com/example/nilesession/internal/store"
	"github.com/example/nilesession/internal/token"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr    *Manager
	store  *store.MemStore
	codec  *token.Codec
	hasher hasher.Hasher
	clock  *clock
	events *events.Recorder
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	log, _ := test.NewNullLogger()
	h, err := hasher.NewBcrypt(bcrypt.MinCost)
	require.NoError(t, err)
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), token.WithClock(clk.now), token.WithLogger(log))
	require.NoError(t, err)
	st := store.NewMemory().WithClock(clk.now)
	rec := &events.Recorder{}

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	mgr, err := NewManager(st, h, codec, cfg, WithLogger(log), WithEvents(rec))
	require.NoError(t, err)
	return &fixture{mgr: mgr, store: st, codec: codec, hasher: h, clock: clk, events: rec}
}

func (f *fixture) principal(t *testing.T, username, password string, level int, mutate ...func(*store.NewPrincipal)) *store.Principal {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	np := store.NewPrincipal{
		Username:     username,
		Email:        username + "@example.com",
		Fullname:     "User " + username,
		PasswordHash: hash,
		Level:        level,
		Active:       true,
	}
	for _, m := range mutate {
		m(&np)
	}
	p, err := f.store.CreatePrincipal(context.Background(), np)
	require.NoError(t, err)
	return p
}

func TestLoginIssuesMatchingTokens(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "admin", "Admin1!", 5)

	res, err := f.mgr.Login(context.Background(), "admin", "Admin1!")
	require.NoError(t, err)

	access := f.codec.Verify(res.AccessToken, token.PurposeAccess)
	refresh := f.codec.Verify(res.RefreshToken, token.PurposeRefresh)
	require.NotNil(t, access)
	require.NotNil(t, refresh)
	assert.Equal(t, access.Identity(), refresh.Identity())
	assert.Equal(t, p.ID, access.UserID)
	assert.Equal(t, 5, access.Level)
	assert.Equal(t, 1, access.Active)

	assert.Equal(t, f.clock.now().Add(15*time.Minute), res.AccessExpiresAt)
	assert.Equal(t, f.clock.now().Add(7*24*time.Hour), res.RefreshExpiresAt)
	assert.Equal(t, "admin", res.Principal.Username)
	assert.Empty(t, res.PasswordChangeToken)

	recs, err := f.store.ListLiveRefreshRecords(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEqual(t, res.RefreshToken, recs[0].TokenHash)
	assert.True(t, hasher.CompareToken(f.hasher, recs[0].TokenHash, res.RefreshToken))

	assert.Equal(t, []events.Type{events.LoginSucceeded}, f.events.Types())
}

func TestLoginByEmail(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "testuser2", "Passw0rd!", 1)

	res, err := f.mgr.Login(context.Background(), "testuser2@example.com", "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, 1, f.codec.Verify(res.AccessToken, token.PurposeAccess).Level)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)

	_, errUnknown := f.mgr.Login(context.Background(), "ghost", "Admin1!")
	_, errWrong := f.mgr.Login(context.Background(), "admin", "wrong")
	_, errEmpty := f.mgr.Login(context.Background(), "", "")

	for _, err := range []error{errUnknown, errWrong, errEmpty} {
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperr.ErrInvalidCredentials))
	}
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.Equal(t, []events.Type{events.LoginFailed, events.LoginFailed}, f.events.Types())
}

func TestLoginMustChangePassword(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "newbie", "Temp0rary!", 1, func(np *store.NewPrincipal) {
		np.MustChangePassword = true
		np.Active = false
	})

	res, err := f.mgr.Login(context.Background(), "newbie", "Temp0rary!")
	require.ErrorIs(t, err, apperr.ErrMustChangePassword)
	require.NotNil(t, res)
	assert.Empty(t, res.AccessToken)
	assert.Empty(t, res.RefreshToken)
	require.NotEmpty(t, res.PasswordChangeToken)

	assert.Nil(t, f.codec.Verify(res.PasswordChangeToken, token.PurposeAccess), "restricted token must not grant access")
	assert.NotNil(t, f.codec.Verify(res.PasswordChangeToken, token.PurposePasswordChange))

	recs, err := f.store.ListLiveRefreshRecords(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoginInactive(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "dormant", "Dorm4nt!", 1, func(np *store.NewPrincipal) { np.Active = false })

	_, err := f.mgr.Login(context.Background(), "dormant", "Dorm4nt!")
	assert.ErrorIs(t, err, apperr.ErrAccountInactive)
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	first, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	second, err := f.mgr.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, p.ID, f.codec.Verify(second.AccessToken, token.PurposeAccess).UserID)

	_, err = f.mgr.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid, "a consumed refresh token cannot be used again")
}

func TestRefreshReuseRevokesEverything(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	first, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)
	second, err := f.mgr.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = f.mgr.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, apperr.ErrRefreshInvalid)

	_, err = f.mgr.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)
	assert.Contains(t, f.events.Types(), events.RefreshReused)
}

func TestRefreshReuseTolerated(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReuseRevokesAll = false })
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	first, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)
	second, err := f.mgr.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = f.mgr.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, apperr.ErrRefreshInvalid)

	_, err = f.mgr.Refresh(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Refresh(ctx, res.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRefreshRejects(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	_, err := f.mgr.Refresh(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrRefreshRequired)

	_, err = f.mgr.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)
	_, err = f.mgr.Refresh(ctx, res.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid, "an access token is not a refresh token")
}

func TestRefreshAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)

	f.clock.advance(15*time.Minute + time.Second)
	assert.Nil(t, f.codec.Verify(res.AccessToken, token.PurposeAccess))

	f.clock.advance(7 * 24 * time.Hour)
	_, err = f.mgr.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)
}

func TestLogoutRevokesAllSessions(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	laptop, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)
	phone, err := f.mgr.Login(ctx, "admin@example.com", "Admin1!")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Logout(ctx, p.ID))
	require.NoError(t, f.mgr.Logout(ctx, p.ID), "logout is idempotent")

	for _, rt := range []string{laptop.RefreshToken, phone.RefreshToken} {
		_, err := f.mgr.Refresh(ctx, rt)
		assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)
	}
	assert.ErrorIs(t, f.mgr.Logout(ctx, ""), apperr.ErrUnauthenticated)
}

// vanishingStore forgets principals on lookup by id, as if they were
// deleted between record match and re-resolution.
type vanishingStore struct {
	*store.MemStore
}

func (vanishingStore) FindPrincipalByID(context.Context, string) (*store.Principal, error) {
	return nil, store.ErrNotFound
}

func TestRefreshDeletedPrincipal(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	mgr, err := NewManager(vanishingStore{f.store}, f.hasher, f.codec, DefaultConfig(), WithLogger(log))
	require.NoError(t, err)
	_, err = mgr.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrPrincipalNotFound)
}

func TestRefreshDeactivatedPrincipal(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)
	inactive := false
	_, err = f.store.UpdatePrincipal(ctx, p.ID, store.PrincipalUpdate{Active: &inactive})
	require.NoError(t, err)

	_, err = f.mgr.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrAccountInactive)
}

func TestCompletePasswordChange(t *testing.T) {
	f := newFixture(t)
	f.principal(t, "newbie", "Temp0rary!", 1, func(np *store.NewPrincipal) {
		np.MustChangePassword = true
	})
	ctx := context.Background()
	weak := apperr.Invalid("password", "weak")
	f.mgr.policy = func(pw string) error {
		if len(pw) < 6 {
			return weak
		}
		return nil
	}

	res, err := f.mgr.Login(ctx, "newbie", "Temp0rary!")
	require.ErrorIs(t, err, apperr.ErrMustChangePassword)

	_, err = f.mgr.CompletePasswordChange(ctx, res.PasswordChangeToken, "abc")
	assert.Equal(t, weak, err)

	_, err = f.mgr.CompletePasswordChange(ctx, "not-a-token", "N3wPassword!")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	done, err := f.mgr.CompletePasswordChange(ctx, res.PasswordChangeToken, "N3wPassword!")
	require.NoError(t, err)
	assert.NotEmpty(t, done.AccessToken)
	assert.Equal(t, 1, done.Principal.Active)
	assert.False(t, done.Principal.MustChangePassword)

	_, err = f.mgr.Login(ctx, "newbie", "Temp0rary!")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	_, err = f.mgr.Login(ctx, "newbie", "N3wPassword!")
	assert.NoError(t, err)
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "admin", "Admin1!", 5)
	ctx := context.Background()

	res, err := f.mgr.Login(ctx, "admin", "Admin1!")
	require.NoError(t, err)

	for _, raw := range []string{res.AccessToken, res.RefreshToken} {
		info, err := f.mgr.Introspect(ctx, raw)
		require.NoError(t, err)
		assert.True(t, info.Active)
		assert.Equal(t, p.ID, info.Claims.UserID)
	}

	live, err := f.store.ListLiveRefreshRecords(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, live, 1, "introspection does not consume")

	require.NoError(t, f.mgr.Logout(ctx, p.ID))
	info, err := f.mgr.Introspect(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.False(t, info.Active, "revoked refresh token")

	info, err = f.mgr.Introspect(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Nil(t, info.Claims)
}
