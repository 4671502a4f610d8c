package shared

import "strings"

// AccountStatus is the lifecycle state of a user account.
type AccountStatus string

// Account statuses.
const (
	StatusPending   AccountStatus = "pending"
	StatusInactive  AccountStatus = "inactive"
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
)

// ParseAccountStatus converts raw input into a known status.
func ParseAccountStatus(raw string) (AccountStatus, bool) {
	switch s := AccountStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInactive, StatusActive, StatusSuspended:
		return s, true
	default:
		return "", false
	}
}

// Valid reports whether the status is one of the known values.
func (s AccountStatus) Valid() bool {
	_, ok := ParseAccountStatus(string(s))
	return ok
}

func (s AccountStatus) String() string {
	return string(s)
}
