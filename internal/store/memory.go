package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory DB
type MemStore struct {
	mu      sync.RWMutex
	users   map[string]*Principal
	records map[string]*RefreshRecord
	now     func() time.Time
}

func NewMemory() *MemStore {
	return &MemStore{
		users:   map[string]*Principal{},
		records: map[string]*RefreshRecord{},
		now:     time.Now,
	}
}

// WithClock replaces the clock used for record timestamps and liveness.
func (m *MemStore) WithClock(now func() time.Time) *MemStore {
	m.now = now
	return m
}

func clonePrincipal(p *Principal) *Principal {
	c := *p
	return &c
}

func (m *MemStore) FindPrincipal(_ context.Context, ident string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == ident {
			return clonePrincipal(u), nil
		}
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, ident) {
			return clonePrincipal(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) FindPrincipalByID(_ context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return clonePrincipal(u), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListPrincipals(_ context.Context) ([]*Principal, error) {
	m.mu.RLock()
	out := make([]*Principal, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, clonePrincipal(u))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) CreatePrincipal(_ context.Context, np NewPrincipal) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == np.Username {
			return nil, ErrDuplicateUsername
		}
	}
	for _, u := range m.users {
		if strings.EqualFold(u.Email, np.Email) {
			return nil, ErrDuplicateEmail
		}
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
		CreatedAt:          m.now().UTC(),
	}
	m.users[p.ID] = p
	return clonePrincipal(p), nil
}

func (m *MemStore) UpdatePrincipal(_ context.Context, id string, upd PrincipalUpdate) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Fullname != nil {
		u.Fullname = *upd.Fullname
	}
	if upd.Level != nil {
		u.Level = *upd.Level
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	return clonePrincipal(u), nil
}

func (m *MemStore) SetPassword(_ context.Context, id, hash string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.PasswordHash = hash
	u.MustChangePassword = false
	u.Active = true
	return clonePrincipal(u), nil
}

func (m *MemStore) DeletePrincipal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	for rid, r := range m.records {
		if r.PrincipalID == id {
			delete(m.records, rid)
		}
	}
	delete(m.users, id)
	return nil
}

func (m *MemStore) InsertRefreshRecord(_ context.Context, principalID, hash string, expiresAt time.Time) (*RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[principalID]; !ok {
		return nil, ErrNotFound
	}
	r := &RefreshRecord{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		TokenHash:   hash,
		ExpiresAt:   expiresAt.UTC(),
		CreatedAt:   m.now().UTC(),
	}
	m.records[r.ID] = r
	c := *r
	return &c, nil
}

func (m *MemStore) ListLiveRefreshRecords(_ context.Context, principalID string) ([]*RefreshRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []*RefreshRecord
	for _, r := range m.records {
		if r.PrincipalID == principalID && r.Live(now) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemStore) RevokeRefreshRecord(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Revoked {
		return false, nil
	}
	m.revokeLocked(r)
	return true, nil
}

func (m *MemStore) RevokeAllRefreshRecords(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeAllLocked(principalID), nil
}

func (m *MemStore) revokeAllLocked(principalID string) int64 {
	var n int64
	now := m.now()
	for _, r := range m.records {
		if r.PrincipalID == principalID && r.Live(now) {
			m.revokeLocked(r)
			n++
		}
	}
	return n
}

func (m *MemStore) revokeLocked(r *RefreshRecord) {
	at := m.now().UTC()
	r.Revoked = true
	r.RevokedAt = &at
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close() error               { return nil }
