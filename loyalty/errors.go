/*
errors.go - Centralized error types for the loyalty engine

ERROR CATEGORIES:
  1. Configuration - reward definition missing or inactive
  2. Duplicate grant - an active grant of the category already exists
  3. Source unavailable - the historical archive cannot be read
  4. Delivery - notification send failed (recorded on the grant, retried)
  5. Invalid transition - state machine rejected the operation

PROPAGATION:
  Configuration, duplicate and source-unavailable errors are handled where
  they occur and never abort an evaluation. Ledger operations return a
  *RejectionError so batch callers can count per-item outcomes.

SEE ALSO:
  - ledger.go: Produces RejectionError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/oasis-spa/loyalty-engine/observability"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrGrantNotFound is returned when a grant id or redemption code is unknown.
	ErrGrantNotFound = errors.New("reward grant not found")

	// ErrCustomerNotFound is returned when a referenced customer doesn't exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrInvalidTransition is returned when the grant's current state does not
	// allow the requested operation.
	ErrInvalidTransition = errors.New("invalid grant state transition")

	// ErrDuplicateActiveGrant is returned when the customer already holds an
	// active grant of the same category. Expected and frequent.
	ErrDuplicateActiveGrant = errors.New("active grant already exists for category")

	// ErrDefinitionUnavailable is returned when the category has no active definition.
	ErrDefinitionUnavailable = errors.New("reward definition missing or inactive")

	// ErrGrantExpired is returned when redeeming a grant past its expiry.
	ErrGrantExpired = errors.New("reward grant expired")

	// ErrSourceUnavailable is returned by a spend source that is not provisioned.
	ErrSourceUnavailable = errors.New("spend source unavailable")

	// ErrCooldownActive is returned when a send slot is still inside the cooldown window.
	ErrCooldownActive = errors.New("delivery cooldown active")

	// ErrDuplicateRedemptionCode is returned by stores when a generated code collides.
	ErrDuplicateRedemptionCode = errors.New("duplicate redemption code")

	// ErrInvalidCategory is returned for a category outside the closed enum.
	ErrInvalidCategory = errors.New("invalid reward category")

	// ErrChannelNotConfigured is returned when no transport can carry a channel.
	ErrChannelNotConfigured = errors.New("notification channel not configured")

	// ErrDuplicateTransaction is returned when a live transaction id is reused.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// RejectionError explains why a ledger operation made no change.
type RejectionError struct {
	Op      string
	GrantID GrantID
	State   GrantState
	Reason  string
	Err     error
}

func (e *RejectionError) Error() string {
	if e.GrantID != "" {
		return fmt.Sprintf("%s rejected for grant %s (state %s): %s", e.Op, e.GrantID, e.State, e.Reason)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(op string, g *RewardGrant, err error, reason string) *RejectionError {
	re := &RejectionError{Op: op, Reason: reason, Err: err}
	if g != nil {
		re.GrantID = g.ID
		re.State = g.State
	}
	observability.GrantRejections.WithLabelValues(op, RejectionReason(err)).Inc()
	return re
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRejection returns true if the error is a business rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGrantNotFound) || errors.Is(err, ErrCustomerNotFound)
}

// RejectionReason classifies an error for metrics labels.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateActiveGrant):
		return "duplicate"
	case errors.Is(err, ErrDefinitionUnavailable):
		return "definition_unavailable"
	case errors.Is(err, ErrGrantExpired):
		return "expired"
	case errors.Is(err, ErrGrantNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidCategory):
		return "invalid_category"
	default:
		return "error"
	}
}
