package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/security"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	repo   *mockRepository
	mailer *recordingMailer
	clock  *manualClock
	hasher *security.BcryptHasher
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	clock := &manualClock{now: baseTime}
	cfg := Config{
		DefaultStatus:     shared.StatusActive,
		InviteTTL:         72 * time.Hour,
		ResetTTL:          time.Hour,
		PasswordMinLength: 8,
		BaseURL:           "https://iam.test",
		Clock:             clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	f := &fixture{
		repo:   newMockRepository(),
		mailer: &recordingMailer{},
		clock:  clock,
		hasher: security.NewBcryptHasher(4),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.repo, catalogRoles{repo: f.repo, catalog: catalog}, f.hasher, &sequenceSecrets{}, f.mailer, nil, logger, cfg)
	return f
}

func manager(perms ...string) *rbac.Principal {
	return &rbac.Principal{UserID: 99, Status: shared.StatusActive, Permissions: rbac.NewPermissionSet(perms)}
}

func inviter() *rbac.Principal {
	return manager(shared.PermUserInvite)
}

// withRole builds an active principal holding the catalog grants of role.
func withRole(t *testing.T, id int64, role string) *rbac.Principal {
	t.Helper()
	catalog, err := rbac.DefaultCatalog()
	require.NoError(t, err)
	return &rbac.Principal{UserID: id, Status: shared.StatusActive, Role: role, Permissions: rbac.NewPermissionSet(catalog.RolePermissions(role))}
}

func TestInviteCreatesPendingAccountWithSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roleID := int64(2)

	res, err := f.svc.Invite(ctx, withRole(t, 99, shared.RoleSuperAdmin), InviteInput{Email: "  Driller@Example.COM ", FirstName: "Ana", RoleID: &roleID})
	require.NoError(t, err)

	assert.Equal(t, "driller@example.com", res.User.Email)
	assert.Equal(t, shared.StatusPending, res.User.Status)
	assert.Equal(t, "editor", res.User.RoleName)
	require.NotNil(t, res.User.InvitedBy)
	assert.Equal(t, int64(99), *res.User.InvitedBy)
	require.NotNil(t, res.User.InvitationExpiresAt)
	assert.Equal(t, baseTime.Add(72*time.Hour), *res.User.InvitationExpiresAt)

	require.Equal(t, 1, f.mailer.count())
	d := f.mailer.last()
	assert.Equal(t, DeliveryInvitation, d.Kind)
	assert.Equal(t, "driller@example.com", d.Destination)
	assert.NotEmpty(t, d.Payload.TemporaryPassword)
	assert.Equal(t, *res.User.InvitationToken, d.Payload.Token)
	assert.Contains(t, d.Payload.Link, "https://iam.test/activate?token=")

	stored := f.repo.snapshot(res.User.ID)
	assert.NotEqual(t, d.Payload.TemporaryPassword, stored.PasswordHash)
	assert.True(t, f.hasher.Verify(stored.PasswordHash, d.Payload.TemporaryPassword))
}

func TestInviteDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = f.svc.Invite(ctx, inviter(), InviteInput{Email: "A@example.com"})
	assert.ErrorIs(t, err, shared.ErrDuplicateName)
}

func TestInviteSurvivesMailerFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")
	res, err := f.svc.Invite(context.Background(), inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusPending, f.repo.snapshot(res.User.ID).Status)
}

func TestActivateHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)

	user, err := f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
	require.NoError(t, err)
	assert.Equal(t, shared.StatusActive, user.Status)
	assert.Nil(t, user.InvitationToken)
	require.NotNil(t, user.ActivatedAt)
	assert.Equal(t, baseTime, *user.ActivatedAt)
	assert.True(t, f.hasher.Verify(f.repo.snapshot(user.ID).PasswordHash, "N3w-password"))

	_, err = f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)
}

func TestActivateExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)
	expires := *res.User.InvitationExpiresAt

	f.clock.Set(expires.Add(time.Nanosecond))
	_, err = f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
	assert.ErrorIs(t, err, shared.ErrExpiredToken)

	f.clock.Set(expires)
	user, err := f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
	require.NoError(t, err)
	assert.Equal(t, shared.StatusActive, user.Status)
}

func TestActivateUnknownAndWrongTokensAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)

	_, errUnknown := f.svc.Activate(ctx, "no-such-token", "N3w-password")
	_, errEmpty := f.svc.Activate(ctx, "   ", "N3w-password")
	assert.ErrorIs(t, errUnknown, shared.ErrInvalidToken)
	assert.ErrorIs(t, errEmpty, shared.ErrInvalidToken)
	assert.Equal(t, errUnknown.Error(), errEmpty.Error())
}

func TestActivateRejectsWeakPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, res.Delivery.Payload.Token, "short")
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "password")
	assert.Equal(t, shared.StatusPending, f.repo.snapshot(res.User.ID).Status)
}

func TestActivateConcurrentCallsSucceedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, shared.ErrInvalidToken):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, invalid)
}

func TestResendInvitationInvalidatesOldToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)
	oldToken := res.Delivery.Payload.Token

	f.clock.Set(baseTime.Add(time.Hour))
	delivery, err := f.svc.ResendInvitation(ctx, 1, res.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, delivery.Payload.Token)
	assert.NotEqual(t, res.Delivery.Payload.TemporaryPassword, delivery.Payload.TemporaryPassword)
	assert.Equal(t, baseTime.Add(73*time.Hour), delivery.Payload.ExpiresAt)

	_, err = f.svc.Activate(ctx, oldToken, "N3w-password")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)

	_, err = f.svc.Activate(ctx, delivery.Payload.Token, "N3w-password")
	require.NoError(t, err)
}

func TestResendInvitationRequiresPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active := f.repo.put(User{Email: "b@example.com", Status: shared.StatusActive})

	_, err := f.svc.ResendInvitation(ctx, 1, active.ID)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.ResendInvitation(ctx, 1, 4242)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRequestPasswordResetUnknownOrInactiveEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.put(User{Email: "suspended@example.com", Status: shared.StatusSuspended})

	d, err := f.svc.RequestPasswordReset(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = f.svc.RequestPasswordReset(ctx, "suspended@example.com")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, f.mailer.count())
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash, err := f.hasher.Hash("old-password")
	require.NoError(t, err)
	user := f.repo.put(User{Email: "c@example.com", Status: shared.StatusActive, PasswordHash: hash})

	d, err := f.svc.RequestPasswordReset(ctx, " C@Example.com")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DeliveryPasswordReset, d.Kind)
	assert.Empty(t, d.Payload.TemporaryPassword)
	assert.Equal(t, baseTime.Add(time.Hour), d.Payload.ExpiresAt)

	f.clock.Set(d.Payload.ExpiresAt.Add(time.Second))
	_, err = f.svc.ResetPassword(ctx, d.Payload.Token, "brand-new-pass")
	assert.ErrorIs(t, err, shared.ErrExpiredToken)

	f.clock.Set(d.Payload.ExpiresAt)
	updated, err := f.svc.ResetPassword(ctx, d.Payload.Token, "brand-new-pass")
	require.NoError(t, err)
	assert.Nil(t, updated.ResetToken)
	assert.True(t, f.hasher.Verify(f.repo.snapshot(user.ID).PasswordHash, "brand-new-pass"))

	_, err = f.svc.ResetPassword(ctx, d.Payload.Token, "another-pass")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)
}

func TestChangeOwnPasswordStatusRules(t *testing.T) {
	cases := []struct {
		from shared.AccountStatus
		want shared.AccountStatus
	}{
		{shared.StatusInactive, shared.StatusActive},
		{shared.StatusActive, shared.StatusActive},
		{shared.StatusSuspended, shared.StatusSuspended},
		{shared.StatusPending, shared.StatusPending},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			f := newFixture(t)
			hash, err := f.hasher.Hash("current-pass")
			require.NoError(t, err)
			u := f.repo.put(User{Email: "d@example.com", Status: tc.from, PasswordHash: hash})

			updated, err := f.svc.ChangeOwnPassword(context.Background(), u.ID, "current-pass", "next-password")
			require.NoError(t, err)
			assert.Equal(t, tc.want, updated.Status)
			assert.True(t, f.hasher.Verify(updated.PasswordHash, "next-password"))
		})
	}
}

func TestChangeOwnPasswordWrongCurrent(t *testing.T) {
	f := newFixture(t)
	hash, err := f.hasher.Hash("current-pass")
	require.NoError(t, err)
	u := f.repo.put(User{Email: "d@example.com", Status: shared.StatusInactive, PasswordHash: hash})

	_, err = f.svc.ChangeOwnPassword(context.Background(), u.ID, "wrong-pass", "next-password")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, shared.StatusInactive, f.repo.snapshot(u.ID).Status)
}

func TestUpdateStatusRequiresUserManage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.repo.put(User{Email: "e@example.com", Status: shared.StatusActive})

	_, err := f.svc.UpdateStatus(ctx, manager(shared.PermUserRead), u.ID, shared.StatusSuspended)
	assert.ErrorIs(t, err, shared.ErrInsufficientPermission)

	_, err = f.svc.UpdateStatus(ctx, nil, u.ID, shared.StatusSuspended)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	updated, err := f.svc.UpdateStatus(ctx, manager(shared.PermUserManage), u.ID, shared.StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, shared.StatusSuspended, updated.Status)

	_, err = f.svc.UpdateStatus(ctx, manager(shared.PermUserManage), u.ID, shared.StatusPending)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateStatusFromPendingClearsInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Invite(ctx, inviter(), InviteInput{Email: "a@example.com"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(ctx, manager(shared.PermUserManage), res.User.ID, shared.StatusActive)
	require.NoError(t, err)
	assert.Nil(t, updated.InvitationToken)
	require.NotNil(t, updated.ActivatedAt)

	_, err = f.svc.Activate(ctx, res.Delivery.Payload.Token, "N3w-password")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)
}

func TestRegisterUsesDefaultStatus(t *testing.T) {
	f := newFixture(t)
	user, err := f.svc.Register(context.Background(), RegisterInput{Email: "Self@Example.com", Password: "long-enough"})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusActive, user.Status)
	assert.Equal(t, "self@example.com", user.Email)
	assert.NotNil(t, user.ActivatedAt)
	assert.Zero(t, f.mailer.count())
}

func TestRegisterPendingAwaitsAdministrator(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DefaultStatus = shared.StatusPending })
	ctx := context.Background()

	user, err := f.svc.Register(ctx, RegisterInput{Email: "p@example.com", Password: "long-enough"})
	require.NoError(t, err)
	assert.Equal(t, shared.StatusPending, user.Status)
	assert.Zero(t, f.mailer.count())
	assert.Nil(t, f.repo.snapshot(user.ID).InvitationToken)
	assert.Nil(t, user.ActivatedAt)

	// No token exists, so the registrant cannot activate the account.
	_, err = f.svc.Activate(ctx, "", "long-enough")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)
	_, err = f.svc.Activate(ctx, "token-01", "long-enough")
	assert.ErrorIs(t, err, shared.ErrInvalidToken)
	assert.Equal(t, shared.StatusPending, f.repo.snapshot(user.ID).Status)

	activated, err := f.svc.UpdateStatus(ctx, manager(shared.PermUserManage), user.ID, shared.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, shared.StatusActive, activated.Status)
}

func TestValidatePassword(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.svc.ValidatePassword("1234567"))
	assert.NoError(t, f.svc.ValidatePassword("12345678"))
	assert.Error(t, f.svc.ValidatePassword(string(make([]byte, 73))))
	// NFKC folds the ligature into two runes.
	assert.NoError(t, f.svc.ValidatePassword("ﬁabcdef"))
}

func TestAssignRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.repo.put(User{Email: "f@example.com", Status: shared.StatusActive})
	roleID := int64(1)
	admin := withRole(t, 99, shared.RoleAdmin)

	updated, err := f.svc.AssignRole(ctx, admin, u.ID, &roleID)
	require.NoError(t, err)
	assert.Equal(t, "admin", updated.RoleName)

	missing := int64(77)
	_, err = f.svc.AssignRole(ctx, admin, u.ID, &missing)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	updated, err = f.svc.AssignRole(ctx, admin, u.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, updated.RoleID)

	_, err = f.svc.AssignRole(ctx, manager(shared.PermUserRead), u.ID, &roleID)
	assert.ErrorIs(t, err, shared.ErrInsufficientPermission)
}

func TestAssignRoleCannotExceedActorGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminRole, superRole := int64(1), int64(3)
	self := f.repo.put(User{Email: "admin@example.com", Status: shared.StatusActive, RoleID: &adminRole})
	admin := withRole(t, self.ID, shared.RoleAdmin)

	_, err := f.svc.AssignRole(ctx, admin, self.ID, &superRole)
	require.ErrorIs(t, err, shared.ErrInsufficientPermission)
	require.NotNil(t, f.repo.snapshot(self.ID).RoleID)
	assert.Equal(t, adminRole, *f.repo.snapshot(self.ID).RoleID)

	// A bare user.manage grant cannot hand out the admin tier either.
	_, err = f.svc.AssignRole(ctx, manager(shared.PermUserManage), self.ID, &adminRole)
	assert.ErrorIs(t, err, shared.ErrInsufficientPermission)

	updated, err := f.svc.AssignRole(ctx, withRole(t, 1, shared.RoleSuperAdmin), self.ID, &superRole)
	require.NoError(t, err)
	assert.Equal(t, "super_admin", updated.RoleName)
}

func TestInviteCannotExceedInviterGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mgr := withRole(t, 42, shared.RoleManager)

	for _, roleID := range []int64{1, 3} {
		id := roleID
		_, err := f.svc.Invite(ctx, mgr, InviteInput{Email: "alias@example.com", RoleID: &id})
		assert.ErrorIs(t, err, shared.ErrInsufficientPermission, "role %d", roleID)
	}
	assert.Zero(t, f.mailer.count())
	_, err := f.svc.GetByEmail(ctx, "alias@example.com")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	editorRole := int64(2)
	res, err := f.svc.Invite(ctx, mgr, InviteInput{Email: "alias@example.com", RoleID: &editorRole})
	require.NoError(t, err)
	assert.Equal(t, "editor", res.User.RoleName)
	require.NotNil(t, res.User.InvitedBy)
	assert.Equal(t, int64(42), *res.User.InvitedBy)

	_, err = f.svc.Invite(ctx, manager(shared.PermUserRead), InviteInput{Email: "x@example.com"})
	assert.ErrorIs(t, err, shared.ErrInsufficientPermission)
	_, err = f.svc.Invite(ctx, nil, InviteInput{Email: "x@example.com"})
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		f.repo.put(User{Email: email, Status: shared.StatusActive})
	}
	list, page, err := f.svc.List(context.Background(), ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c@x.io", list[0].Email)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
}

func TestStorageErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.repo.err = shared.ErrStorageUnavailable
	_, err := f.svc.Activate(context.Background(), "token", "N3w-password")
	assert.ErrorIs(t, err, shared.ErrStorageUnavailable)
	_, err = f.svc.RequestPasswordReset(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, shared.ErrStorageUnavailable)
}

func TestProvisionCreatesActiveAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roleID := int64(1)

	u, err := f.svc.Provision(ctx, "Root@Example.com", "correct horse battery", &roleID)
	require.NoError(t, err)
	assert.Equal(t, "root@example.com", u.Email)
	assert.Equal(t, shared.StatusActive, u.Status)
	assert.Equal(t, "admin", u.RoleName)
	assert.True(t, f.hasher.Verify(u.PasswordHash, "correct horse battery"))
	assert.Zero(t, f.mailer.count())

	_, err = f.svc.Provision(ctx, "root@example.com", "correct horse battery", &roleID)
	assert.ErrorIs(t, err, shared.ErrDuplicateName)

	_, err = f.svc.Provision(ctx, "other@example.com", "short", nil)
	assert.ErrorIs(t, err, shared.ErrValidation)
}
