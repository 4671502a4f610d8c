package users

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Trigger names an event of the account state machine.
type Trigger string

// Lifecycle triggers.
const (
	TriggerRegister         Trigger = "register"
	TriggerInvite           Trigger = "invite"
	TriggerActivate         Trigger = "activate"
	TriggerResendInvitation Trigger = "resend_invitation"
	TriggerRequestReset     Trigger = "request_password_reset"
	TriggerResetPassword    Trigger = "reset_password"
	TriggerChangePassword   Trigger = "change_own_password"
	TriggerAdministrative   Trigger = "administrative_status_change"
)

// ErrInvalidTransition is returned when a trigger does not apply to the current status.
var ErrInvalidTransition = fmt.Errorf("%w: invalid account status transition", shared.ErrValidation)

// administrativeTargets are the statuses an operator may set directly.
var administrativeTargets = map[shared.AccountStatus]struct{}{
	shared.StatusActive:    {},
	shared.StatusInactive:  {},
	shared.StatusSuspended: {},
}

// InitialStatus returns the entry status for a creation trigger.
func InitialStatus(trigger Trigger, defaultStatus shared.AccountStatus) (shared.AccountStatus, error) {
	switch trigger {
	case TriggerInvite:
		return shared.StatusPending, nil
	case TriggerRegister:
		switch defaultStatus {
		case shared.StatusActive, shared.StatusPending:
			return defaultStatus, nil
		case "":
			return shared.StatusActive, nil
		}
		return "", fmt.Errorf("users: unsupported default status %q", defaultStatus)
	default:
		return "", ErrInvalidTransition
	}
}

// Transition applies trigger to from and returns the resulting status. target is
// only consulted for administrative changes.
func Transition(from shared.AccountStatus, trigger Trigger, target shared.AccountStatus) (shared.AccountStatus, error) {
	switch trigger {
	case TriggerActivate:
		if from == shared.StatusPending {
			return shared.StatusActive, nil
		}
	case TriggerResendInvitation:
		if from == shared.StatusPending {
			return shared.StatusPending, nil
		}
	case TriggerRequestReset:
		if from == shared.StatusActive {
			return shared.StatusActive, nil
		}
	case TriggerResetPassword, TriggerChangePassword:
		switch from {
		case shared.StatusActive, shared.StatusInactive:
			// inactive means "awaiting a password change"; a new password clears it.
			return shared.StatusActive, nil
		case shared.StatusSuspended:
			return shared.StatusSuspended, nil
		case shared.StatusPending:
			if trigger == TriggerChangePassword {
				return shared.StatusPending, nil
			}
		}
	case TriggerAdministrative:
		if _, ok := administrativeTargets[target]; ok && from.Valid() {
			return target, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
}

// CanTransition reports whether trigger applies to from.
func CanTransition(from shared.AccountStatus, trigger Trigger, target shared.AccountStatus) bool {
	_, err := Transition(from, trigger, target)
	return err == nil
}
