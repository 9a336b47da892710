package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Intended for tests and
// local development; it enforces the same uniqueness rules as the SQL schema.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]*User
	tokens   map[string]*Token
	services map[int64]*Service
	seq      int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[int64]*User{},
		tokens:   map[string]*Token{},
		services: map[int64]*Service{},
		now:      time.Now,
	}
}

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) CreateUser(_ context.Context, username, email, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return nil, constraintError("create_user", "duplicate email")
		}
	}
	u := &User{ID: m.nextID(), Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: stamp(m.now())}
	m.users[u.ID] = u
	return copyUser(u), nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

// GetUserByUsername returns the oldest user with that name; usernames are not unique.
func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *User
	for _, u := range m.users {
		if u.Username == username && (found == nil || u.ID < found.ID) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyUser(found), nil
}

func (m *MemoryStore) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	ts := stamp(at)
	u.LastLogin = &ts
	return nil
}

// DeleteUser removes a user without touching its tokens. It exists for tests
// exercising tokens that outlive their owner.
func (m *MemoryStore) DeleteUser(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *MemoryStore) CreateToken(_ context.Context, t *Token) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[t.UserID]; !ok {
		return nil, constraintError("create_token", "unknown user %d", t.UserID)
	}
	if _, ok := m.tokens[t.Value]; ok {
		return nil, constraintError("create_token", "duplicate token value")
	}
	row := *t
	row.ID = m.nextID()
	row.CreatedAt = stamp(t.CreatedAt)
	row.ExpiresAt = stamp(t.ExpiresAt)
	m.tokens[row.Value] = &row
	out := row
	return &out, nil
}

func (m *MemoryStore) GetTokenByValue(_ context.Context, value string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tokens[value]; ok {
		out := *t
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteToken(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[value]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, value)
	return nil
}

func (m *MemoryStore) DeleteExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for v, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, v)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateService(_ context.Context, s *Service) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		switch {
		case existing.Domain == s.Domain:
			return nil, constraintError("create_service", "duplicate domain")
		case existing.ClientID == s.ClientID:
			return nil, constraintError("create_service", "duplicate client id")
		case existing.SecretHash == s.SecretHash:
			return nil, constraintError("create_service", "duplicate api key")
		}
	}
	row := *s
	row.ID = m.nextID()
	row.Active = true
	row.CreatedAt = stamp(m.now())
	m.services[row.ID] = &row
	out := row
	return &out, nil
}

func (m *MemoryStore) GetServiceByDomain(_ context.Context, domain string) (*Service, error) {
	return m.findService(func(s *Service) bool { return s.Domain == domain })
}

func (m *MemoryStore) GetServiceByAPIKey(_ context.Context, keyHash string) (*Service, error) {
	return m.findService(func(s *Service) bool { return s.SecretHash == keyHash })
}

func (m *MemoryStore) findService(match func(*Service) bool) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.services {
		if match(s) {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SetServiceActive(_ context.Context, domain string, active bool) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		if s.Domain == domain {
			s.Active = active
			out := *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListServices(_ context.Context) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func copyUser(u *User) *User {
	out := *u
	if u.LastLogin != nil {
		ts := *u.LastLogin
		out.LastLogin = &ts
	}
	return &out
}
