// Package entitlement models a user's purchased, time-boxed package and
// the pure transitions that move it through its lifecycle.
//
// Every transition takes the record and the current instant explicitly
// and performs no I/O. Persistence is the caller's concern.
package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

// RenewalWindow is how long before expiry an entitlement becomes
// renewable.
const RenewalWindow = 36 * time.Hour

var (
	ErrInvalidPayment      = errors.New("entitle: invalid payment")
	ErrNotEligible         = errors.New("entitle: not eligible for renewal")
	ErrUsageLimitReached   = errors.New("entitle: usage limit reached")
	ErrEntitlementInactive = errors.New("entitle: entitlement is not active")
	ErrInvalidOwner        = errors.New("entitle: owner id is required")
)

// PaymentStatus is the state reported by the payment collaborator.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment methods recognised by the engine. Other non-empty methods are
// accepted as opaque gateway names.
const (
	MethodCard     = "card"
	MethodVoucher  = "gift_card"
	MethodTransfer = "bank_transfer"
)

// Payment describes how an entitlement was paid for.
type Payment struct {
	Method    string        `json:"method"`
	PaymentID string        `json:"payment_id"`
	Status    PaymentStatus `json:"status"`
}

// Validate requires a confirmed payment with a reference.
func (p Payment) Validate() error {
	switch {
	case p.Method == "":
		return fmt.Errorf("%w: method is required", ErrInvalidPayment)
	case p.PaymentID == "":
		return fmt.Errorf("%w: payment id is required", ErrInvalidPayment)
	case p.Status != PaymentCompleted:
		return fmt.Errorf("%w: status %q is not completed", ErrInvalidPayment, p.Status)
	}
	return nil
}

// UserPackage is one purchased entitlement. At most one per owner is
// active at a time, and IsRenewalEligible implies IsActive.
type UserPackage struct {
	types.Entity
	ID           id.EntitlementID `json:"id"`
	OwnerID      string           `json:"owner_id"`
	PlanID       id.PlanID        `json:"plan_id"`
	PackageType  plan.Type        `json:"package_type"`
	PurchaseDate time.Time        `json:"purchase_date"`
	ExpiryDate   time.Time        `json:"expiry_date"`
	IsActive     bool             `json:"is_active"`
	UsesConsumed int              `json:"uses_consumed"`
	MaxUses      int              `json:"max_uses"` // 0 = unlimited
	Price        types.Money      `json:"price"`
	Payment      Payment          `json:"payment"`

	FundedByVoucher bool   `json:"funded_by_voucher"`
	VoucherCode     string `json:"voucher_code,omitempty"`

	RenewalEligibleDate *time.Time `json:"renewal_eligible_date,omitempty"`
	IsRenewalEligible   bool       `json:"is_renewal_eligible"`

	RenewedFromID id.EntitlementID `json:"renewed_from_id,omitempty"`
	RenewedToID   id.EntitlementID `json:"renewed_to_id,omitempty"`

	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	// Version increases with every stored update.
	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (e *UserPackage) Clone() *UserPackage {
	c := *e
	if e.RenewalEligibleDate != nil {
		t := *e.RenewalEligibleDate
		c.RenewalEligibleDate = &t
	}
	if e.DeactivatedAt != nil {
		t := *e.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

// State is the derived lifecycle state.
type State string

const (
	StateActive                State = "active"
	StateActiveRenewalEligible State = "active_renewal_eligible"
	StateInactive              State = "inactive"
	StateSuperseded            State = "superseded"
)

// StateOf derives the lifecycle state from the stored flags.
func StateOf(e *UserPackage) State {
	switch {
	case e.IsActive && e.IsRenewalEligible:
		return StateActiveRenewalEligible
	case e.IsActive:
		return StateActive
	case !e.RenewedToID.IsNil():
		return StateSuperseded
	default:
		return StateInactive
	}
}

// EligibilityError reports a renewal attempted outside the window.
type EligibilityError struct {
	RenewalEligibleDate time.Time
	ExpiryDate          time.Time
	Active              bool
}

func (e *EligibilityError) Error() string {
	if !e.Active {
		return fmt.Sprintf("%s: entitlement is not active", ErrNotEligible)
	}
	return fmt.Sprintf("%s: window opens %s (expires %s)",
		ErrNotEligible,
		e.RenewalEligibleDate.Format(time.RFC3339),
		e.ExpiryDate.Format(time.RFC3339))
}

func (e *EligibilityError) Unwrap() error { return ErrNotEligible }
