package users

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// mockRepository is an in-memory Repository whose conditional writes follow the
// same WHERE clauses as the PostgreSQL implementation.
type mockRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*User
	roles  map[int64]string
	err    error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		nextID: 1,
		users:  make(map[int64]*User),
		roles:  map[int64]string{1: "admin", 2: "editor", 3: "super_admin", 4: "manager"},
	}
}

func (m *mockRepository) put(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.nextID
		m.nextID++
	}
	cp := u
	m.users[u.ID] = &cp
	return cp
}

func (m *mockRepository) snapshot(id int64) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *mockRepository) Create(_ context.Context, nu NewUser) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return User{}, m.err
	}
	for _, u := range m.users {
		if u.Email == nu.Email {
			return User{}, fmt.Errorf("%w: users_email_key", shared.ErrDuplicateName)
		}
	}
	if nu.RoleID != nil {
		if _, ok := m.roles[*nu.RoleID]; !ok {
			return User{}, fmt.Errorf("%w: users_role_id_fkey", shared.ErrNotFound)
		}
	}
	u := &User{
		ID:                  m.nextID,
		Email:               nu.Email,
		FirstName:           nu.FirstName,
		LastName:            nu.LastName,
		PasswordHash:        nu.PasswordHash,
		Status:              nu.Status,
		RoleID:              nu.RoleID,
		InvitationToken:     nu.InvitationToken,
		InvitationExpiresAt: nu.InvitationExpiresAt,
		InvitedBy:           nu.InvitedBy,
		ActivatedAt:         nu.ActivatedAt,
	}
	m.nextID++
	m.users[u.ID] = u
	return m.view(u), nil
}

func (m *mockRepository) view(u *User) User {
	cp := *u
	if u.RoleID != nil {
		cp.RoleName = m.roles[*u.RoleID]
	}
	return cp
}

func (m *mockRepository) find(match func(*User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return User{}, m.err
	}
	for _, u := range m.users {
		if match(u) {
			return m.view(u), nil
		}
	}
	return User{}, shared.ErrNotFound
}

func (m *mockRepository) GetByID(_ context.Context, id int64) (User, error) {
	return m.find(func(u *User) bool { return u.ID == id })
}

func (m *mockRepository) GetByEmail(_ context.Context, email string) (User, error) {
	return m.find(func(u *User) bool { return u.Email == email })
}

func (m *mockRepository) GetByInvitationToken(_ context.Context, token string) (User, error) {
	return m.find(func(u *User) bool { return u.InvitationToken != nil && *u.InvitationToken == token })
}

func (m *mockRepository) GetByResetToken(_ context.Context, token string) (User, error) {
	return m.find(func(u *User) bool { return u.ResetToken != nil && *u.ResetToken == token })
}

func (m *mockRepository) List(_ context.Context, f ListFilter) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var all []User
	for _, u := range m.users {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if f.RoleID != nil && (u.RoleID == nil || *u.RoleID != *f.RoleID) {
			continue
		}
		if f.Search != "" && !strings.Contains(u.Email, strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, m.view(u))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := (f.Page - 1) * f.PerPage
	if start > len(all) {
		start = len(all)
	}
	end := min(start+f.PerPage, len(all))
	return all[start:end], len(all), nil
}

func (m *mockRepository) update(id int64, where func(*User) bool, missing error, apply func(*User)) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return User{}, m.err
	}
	u, ok := m.users[id]
	if !ok || !where(u) {
		return User{}, missing
	}
	apply(u)
	return m.view(u), nil
}

func (m *mockRepository) ConsumeInvitation(_ context.Context, p ConsumeParams) (User, error) {
	return m.update(p.UserID, func(u *User) bool {
		return u.InvitationToken != nil && *u.InvitationToken == p.Token &&
			u.Status == shared.StatusPending &&
			u.InvitationExpiresAt != nil && !p.Now.After(*u.InvitationExpiresAt)
	}, shared.ErrInvalidToken, func(u *User) {
		now := p.Now
		u.PasswordHash = p.PasswordHash
		u.Status = shared.StatusActive
		u.InvitationToken, u.InvitationExpiresAt = nil, nil
		u.ActivatedAt = &now
		u.UpdatedAt = now
	})
}

func (m *mockRepository) ReplaceInvitation(_ context.Context, id int64, token, hash string, expiresAt, now time.Time) (User, error) {
	return m.update(id, func(u *User) bool { return u.Status == shared.StatusPending }, ErrInvalidTransition, func(u *User) {
		u.InvitationToken = &token
		u.InvitationExpiresAt = &expiresAt
		u.PasswordHash = hash
		u.UpdatedAt = now
	})
}

func (m *mockRepository) SetResetToken(_ context.Context, id int64, token string, expiresAt, now time.Time) error {
	_, err := m.update(id, func(u *User) bool { return u.Status == shared.StatusActive }, ErrInvalidTransition, func(u *User) {
		u.ResetToken = &token
		u.ResetExpiresAt = &expiresAt
		u.UpdatedAt = now
	})
	return err
}

func (m *mockRepository) ConsumeReset(_ context.Context, p ConsumeParams) (User, error) {
	return m.update(p.UserID, func(u *User) bool {
		return u.ResetToken != nil && *u.ResetToken == p.Token &&
			u.ResetExpiresAt != nil && !p.Now.After(*u.ResetExpiresAt) &&
			u.Status == p.From
	}, shared.ErrInvalidToken, func(u *User) {
		u.PasswordHash = p.PasswordHash
		u.Status = p.Status
		u.ResetToken, u.ResetExpiresAt = nil, nil
		u.UpdatedAt = p.Now
	})
}

func (m *mockRepository) UpdatePassword(_ context.Context, id int64, currentHash, newHash string, from, to shared.AccountStatus, now time.Time) (User, error) {
	return m.update(id, func(u *User) bool { return u.PasswordHash == currentHash && u.Status == from }, shared.ErrInvalidCredentials, func(u *User) {
		u.PasswordHash = newHash
		u.Status = to
		u.ResetToken, u.ResetExpiresAt = nil, nil
		u.UpdatedAt = now
	})
}

func (m *mockRepository) UpdateStatus(_ context.Context, id int64, from, to shared.AccountStatus, now time.Time) (User, error) {
	return m.update(id, func(u *User) bool { return u.Status == from }, ErrInvalidTransition, func(u *User) {
		if from == shared.StatusPending {
			u.InvitationToken, u.InvitationExpiresAt = nil, nil
		}
		if to == shared.StatusActive && u.ActivatedAt == nil {
			u.ActivatedAt = &now
		}
		u.Status = to
		u.UpdatedAt = now
	})
}

func (m *mockRepository) UpdateRole(_ context.Context, id int64, roleID *int64, now time.Time) (User, error) {
	if roleID != nil {
		m.mu.Lock()
		_, ok := m.roles[*roleID]
		m.mu.Unlock()
		if !ok {
			return User{}, fmt.Errorf("%w: users_role_id_fkey", shared.ErrNotFound)
		}
	}
	return m.update(id, func(*User) bool { return true }, shared.ErrNotFound, func(u *User) {
		u.RoleID = roleID
		u.UpdatedAt = now
	})
}

func (m *mockRepository) UpdateProfile(_ context.Context, id int64, first, last string, now time.Time) (User, error) {
	return m.update(id, func(*User) bool { return true }, shared.ErrNotFound, func(u *User) {
		u.FirstName, u.LastName = first, last
		u.UpdatedAt = now
	})
}

func (m *mockRepository) TouchLogin(_ context.Context, id int64, now time.Time) error {
	_, err := m.update(id, func(*User) bool { return true }, shared.ErrNotFound, func(u *User) {
		u.LastLoginAt = &now
	})
	return err
}

// sequenceSecrets hands out predictable secrets.
type sequenceSecrets struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceSecrets) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("token-%02d", s.n), nil
}

func (s *sequenceSecrets) TemporaryPassword() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("Temp#Pass%04d", s.n), nil
}

// recordingMailer captures deliveries and optionally fails them.
type recordingMailer struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (m *recordingMailer) Deliver(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return m.err
}

func (m *recordingMailer) last() Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[len(m.deliveries)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

// manualClock is a settable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// catalogRoles resolves the mock role ids through the compiled catalog.
type catalogRoles struct {
	repo    *mockRepository
	catalog *rbac.Catalog
}

func (c catalogRoles) ResolvePermissions(_ context.Context, roleID int64) ([]string, error) {
	c.repo.mu.Lock()
	name := c.repo.roles[roleID]
	c.repo.mu.Unlock()
	return rbac.NewPermissionSet(c.catalog.RolePermissions(name)), nil
}
