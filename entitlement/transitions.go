package entitlement

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

// Transition reports what a transition did to a record.
type Transition struct {
	// Changed is true when the record must be written back.
	Changed bool

	// ClearOwnerPointer is true when the owner's current-entitlement
	// pointer should be cleared if it still names this record.
	ClearOwnerPointer bool

	// BecameEligible is true on a false→true renewal eligibility flip.
	BecameEligible bool
}

// IsExpired reports whether now is strictly after the expiry date.
// A record with no expiry date counts as expired.
func IsExpired(e *UserPackage, now time.Time) bool {
	if e.ExpiryDate.IsZero() {
		return true
	}
	return now.After(e.ExpiryDate)
}

// RenewalEligibleAt is the instant the renewal window opens.
func RenewalEligibleAt(e *UserPackage) time.Time {
	return e.ExpiryDate.Add(-RenewalWindow)
}

// ComputeRenewalEligibility reports whether e may be renewed at now.
func ComputeRenewalEligibility(e *UserPackage, now time.Time) bool {
	return e.IsActive && !now.Before(RenewalEligibleAt(e))
}

// Reconcile deactivates e if it has expired. It is idempotent: an inactive
// record is never modified.
func Reconcile(e *UserPackage, now time.Time) Transition {
	if !e.IsActive || !IsExpired(e, now) {
		return Transition{}
	}
	deactivate(e, now)
	return Transition{Changed: true, ClearOwnerPointer: true}
}

// Deactivate switches e off regardless of expiry, as when a newer purchase
// supersedes it.
func Deactivate(e *UserPackage, now time.Time) Transition {
	if !e.IsActive {
		return Transition{}
	}
	deactivate(e, now)
	return Transition{Changed: true, ClearOwnerPointer: true}
}

func deactivate(e *UserPackage, now time.Time) {
	at := now.UTC()
	e.IsActive = false
	e.IsRenewalEligible = false
	e.DeactivatedAt = &at
	e.Touch(at)
}

// UpdateRenewalEligibility recomputes the renewal flag. Once set on an
// active record the flag stays set until the record is deactivated.
func UpdateRenewalEligibility(e *UserPackage, now time.Time) Transition {
	want := ComputeRenewalEligibility(e, now) || (e.IsActive && e.IsRenewalEligible)

	var t Transition
	if e.RenewalEligibleDate == nil && !e.ExpiryDate.IsZero() {
		at := RenewalEligibleAt(e)
		e.RenewalEligibleDate = &at
		t.Changed = true
	}
	if want != e.IsRenewalEligible {
		t.BecameEligible = want
		e.IsRenewalEligible = want
		t.Changed = true
	}
	if t.Changed {
		e.Touch(now)
	}
	return t
}

// NewPurchase builds a fresh active entitlement for ownerID against p.
func NewPurchase(ownerID string, p *plan.Plan, payment Payment, now time.Time) (*UserPackage, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	if err := p.Purchasable(); err != nil {
		return nil, err
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	return build(ownerID, p, payment, now.UTC(), now.UTC()), nil
}

// Renew supersedes old with a successor on newPlan. The successor's period
// starts where old ends, or at now if old already ended, so no paid time
// is lost. old is mutated in place.
func Renew(old *UserPackage, newPlan *plan.Plan, payment Payment, now time.Time) (*UserPackage, error) {
	if !ComputeRenewalEligibility(old, now) {
		return nil, &EligibilityError{
			RenewalEligibleDate: RenewalEligibleAt(old),
			ExpiryDate:          old.ExpiryDate,
			Active:              old.IsActive,
		}
	}
	if err := newPlan.Purchasable(); err != nil {
		return nil, err
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	start := old.ExpiryDate
	if now.After(start) {
		start = now
	}

	next := build(old.OwnerID, newPlan, payment, now, start)
	next.RenewedFromID = old.ID
	Supersede(old, next.ID, now)

	return next, nil
}

// Supersede switches e off and links it to its successor. A record that is
// already inactive or already linked is left alone.
func Supersede(e *UserPackage, nextID id.EntitlementID, now time.Time) Transition {
	if !e.IsActive || !e.RenewedToID.IsNil() {
		return Transition{}
	}
	deactivate(e, now)
	e.RenewedToID = nextID
	return Transition{Changed: true, ClearOwnerPointer: true}
}

func build(ownerID string, p *plan.Plan, payment Payment, now, start time.Time) *UserPackage {
	e := &UserPackage{
		Entity:       types.NewEntity(now),
		ID:           id.NewEntitlementID(),
		OwnerID:      ownerID,
		PlanID:       p.ID,
		PackageType:  p.Type,
		PurchaseDate: now,
		ExpiryDate:   start.Add(p.Duration()),
		IsActive:     true,
		MaxUses:      p.MaxUses,
		Price:        p.Price,
		Payment:      payment,
	}
	if payment.Method == MethodVoucher {
		e.FundedByVoucher = true
	}
	at := RenewalEligibleAt(e)
	e.RenewalEligibleDate = &at
	e.IsRenewalEligible = ComputeRenewalEligibility(e, now)
	return e
}

// FundWithVoucher marks e as paid (fully or partly) by a voucher.
func FundWithVoucher(e *UserPackage, code string) {
	e.FundedByVoucher = true
	e.VoucherCode = code
}

// RecordUse consumes one use of e.
func RecordUse(e *UserPackage, now time.Time) error {
	if !e.IsActive || IsExpired(e, now) {
		return ErrEntitlementInactive
	}
	if e.MaxUses > 0 && e.UsesConsumed >= e.MaxUses {
		return ErrUsageLimitReached
	}
	e.UsesConsumed++
	e.Touch(now)
	return nil
}

// RemainingUses returns the uses left, or -1 when unlimited.
func RemainingUses(e *UserPackage) int {
	if e.MaxUses == 0 {
		return -1
	}
	if r := e.MaxUses - e.UsesConsumed; r > 0 {
		return r
	}
	return 0
}
