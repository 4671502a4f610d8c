package rbac

import "github.com/odyssey-erp/odyssey-iam/internal/shared"

// Mode selects how a permission set is matched.
type Mode int

const (
	// ModeAny allows when at least one required permission is granted.
	ModeAny Mode = iota
	// ModeAll allows only when every required permission is granted.
	ModeAll
)

// Self-service operations reachable by accounts that are not active, so a
// pending or inactive account can reach the one operation that activates it.
const (
	OpChangeOwnPassword = "self.change_password"
	OpLogout            = "self.logout"
	OpActivate          = "self.activate"
)

var selfServiceOps = map[string]struct{}{
	OpChangeOwnPassword: {},
	OpLogout:            {},
	OpActivate:          {},
}

// IsSelfService reports whether op is in the self-service allow-list.
func IsSelfService(op string) bool {
	_, ok := selfServiceOps[op]
	return ok
}

// RequireActiveAccount is the account status gate. It admits active principals
// and, for allow-listed self-service operations, any authenticated principal.
func RequireActiveAccount(p *Principal, op string) bool {
	if p == nil {
		return false
	}
	if p.Active() {
		return true
	}
	return IsSelfService(op)
}

// Authorize is the decision function used on every protected request.
// An empty requirement only demands an active principal.
func Authorize(p *Principal, mode Mode, required ...string) bool {
	if !RequireActiveAccount(p, "") {
		return false
	}
	if len(required) == 0 {
		return true
	}
	switch mode {
	case ModeAll:
		for _, perm := range required {
			if !p.Has(perm) {
				return false
			}
		}
		return true
	default:
		for _, perm := range required {
			if p.Has(perm) {
				return true
			}
		}
		return false
	}
}

// Allow checks a single permission.
func Allow(p *Principal, perm string) bool {
	return Authorize(p, ModeAny, perm)
}

// IsAdmin reports membership of the top two privilege tiers. It is decided by
// the admin.access grant, never by comparing role names.
func IsAdmin(p *Principal) bool {
	return Allow(p, shared.PermAdminAccess)
}

// IsSuperAdmin reports membership of the top privilege tier.
func IsSuperAdmin(p *Principal) bool {
	return Allow(p, shared.PermAdminSuper)
}

// Check returns nil when allowed, ErrUnauthenticated for a missing principal,
// an AccountNotActiveError for a gated account and ErrInsufficientPermission otherwise.
func Check(p *Principal, mode Mode, required ...string) error {
	if p == nil {
		return shared.ErrUnauthenticated
	}
	if !p.Active() {
		return &shared.AccountNotActiveError{Status: p.Status}
	}
	if !Authorize(p, mode, required...) {
		return shared.ErrInsufficientPermission
	}
	return nil
}
