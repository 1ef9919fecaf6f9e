package entitle

import (
	"errors"
	"fmt"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/voucher"
)

// Sentinel errors for common failure scenarios. Domain errors are defined
// next to the transitions that return them and aliased here so callers can
// match everything against the root package with errors.Is.
var (
	// General errors
	ErrNotFound      = errors.New("entitle: not found")
	ErrAlreadyExists = errors.New("entitle: already exists")
	ErrInvalidInput  = errors.New("entitle: invalid input")

	// Plan errors
	ErrPlanNotFound = errors.New("entitle: plan not found")
	ErrInvalidPlan  = plan.ErrInvalidPlan

	// Entitlement errors
	ErrEntitlementNotFound    = errors.New("entitle: entitlement not found")
	ErrNoActiveEntitlement    = errors.New("entitle: no active entitlement")
	ErrInvalidPayment         = entitlement.ErrInvalidPayment
	ErrInvalidOwner           = entitlement.ErrInvalidOwner
	ErrNotEligible            = entitlement.ErrNotEligible
	ErrUsageLimitReached      = entitlement.ErrUsageLimitReached
	ErrEntitlementInactive    = entitlement.ErrEntitlementInactive
	ErrCorruptChain           = errors.New("entitle: corrupt renewal chain")
	ErrOwnerNotFound          = errors.New("entitle: owner not found")
	ErrConcurrentModification = errors.New("entitle: concurrent modification")

	// Voucher errors
	ErrVoucherNotFound     = errors.New("entitle: voucher not found")
	ErrInvalidVoucher      = voucher.ErrInvalidVoucher
	ErrInvalidAmount       = voucher.ErrInvalidAmount
	ErrCurrencyMismatch    = voucher.ErrCurrencyMismatch
	ErrVoucherExpired      = voucher.ErrVoucherExpired
	ErrVoucherExhausted    = voucher.ErrVoucherExhausted
	ErrInsufficientBalance = voucher.ErrInsufficientBalance
	ErrCodeSpaceExhausted  = errors.New("entitle: could not allocate a unique voucher code")

	// Store errors
	ErrPersistence     = errors.New("entitle: persistence failure")
	ErrStoreNotReady   = errors.New("entitle: store not ready")
	ErrStoreClosed     = errors.New("entitle: store is closed")
	ErrMigrationFailed = errors.New("entitle: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// EligibilityError is returned by Renew outside the renewal window.
type EligibilityError = entitlement.EligibilityError

// PersistenceError wraps a store failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("entitle: %s: %v", e.Op, e.Err)
}

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

// persistErr wraps err as a PersistenceError unless it is nil or a domain
// error the caller should see unchanged.
func persistErr(op string, err error) error {
	if err == nil || IsNotFound(err) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, ErrNoActiveEntitlement) ||
		errors.Is(err, ErrOwnerNotFound) ||
		errors.Is(err, ErrVoucherNotFound)
}

// IsVoucherError returns true if the error is a voucher redemption refusal.
func IsVoucherError(err error) bool {
	return errors.Is(err, ErrVoucherExpired) ||
		errors.Is(err, ErrVoucherExhausted) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. Domain refusals and missing records are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrConcurrentModification)
}
