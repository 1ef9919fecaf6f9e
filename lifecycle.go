package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// Status is the result of an on-demand expiry check.
type Status struct {
	OwnerID string `json:"owner_id"`

	// Active is the owner's active entitlement after reconciliation, or nil.
	Active *entitlement.UserPackage `json:"active,omitempty"`

	// Expired lists entitlements this check deactivated.
	Expired []*entitlement.UserPackage `json:"expired,omitempty"`

	// PointerCleared is true when this check cleared the owner pointer.
	PointerCleared bool `json:"pointer_cleared"`

	CheckedAt time.Time `json:"checked_at"`
}

// State is the lifecycle state of the active entitlement, or inactive.
func (s *Status) State() entitlement.State {
	if s.Active == nil {
		return entitlement.StateInactive
	}
	return entitlement.StateOf(s.Active)
}

// Eligibility is the renewal view of an owner's active entitlement.
type Eligibility struct {
	OwnerID       string           `json:"owner_id"`
	HasActive     bool             `json:"has_active"`
	EntitlementID id.EntitlementID `json:"entitlement_id,omitempty"`
	Eligible      bool             `json:"eligible"`
	EligibleAt    time.Time        `json:"eligible_at,omitempty"`
	ExpiryDate    time.Time        `json:"expiry_date,omitempty"`

	// TimeUntilEligible is zero once the window is open.
	TimeUntilEligible time.Duration `json:"time_until_eligible"`
}

// ──────────────────────────────────────────────────
// Purchase & renewal
// ──────────────────────────────────────────────────

// ConfirmPurchase records a completed payment for planID as ownerID's new
// active entitlement. Any previously active entitlement is deactivated.
func (e *Engine) ConfirmPurchase(ctx context.Context, ownerID string, planID id.PlanID, payment entitlement.Payment) (*entitlement.UserPackage, error) {
	now := e.clock.Now()

	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	ent, err := entitlement.NewPurchase(ownerID, p, payment, now)
	if err != nil {
		return nil, err
	}

	if err := e.persistPurchase(ctx, ent, now); err != nil {
		return nil, err
	}
	return ent, nil
}

// persistPurchase stores ent and makes it the owner's only active
// entitlement.
func (e *Engine) persistPurchase(ctx context.Context, ent *entitlement.UserPackage, now time.Time) error {
	if err := e.store.CreateEntitlement(ctx, ent); err != nil {
		return persistErr("create entitlement", err)
	}
	return e.activate(ctx, ent, now)
}

// activate retires the owner's other active entitlements, points the owner
// at ent and announces the purchase.
func (e *Engine) activate(ctx context.Context, ent *entitlement.UserPackage, now time.Time) error {
	previous, err := e.store.ListEntitlements(ctx, ent.OwnerID, entitlement.ListOpts{ActiveOnly: true})
	if err != nil {
		return persistErr("list entitlements", err)
	}
	for _, prev := range previous {
		if prev.ID.Equal(ent.ID) {
			continue
		}
		retired, err := e.mutate(ctx, prev, "deactivate entitlement", func(cur *entitlement.UserPackage) (bool, error) {
			return entitlement.Deactivate(cur, now).Changed, nil
		})
		if err != nil {
			return err
		}
		if retired {
			e.logger.Info("entitlement superseded by purchase",
				"owner_id", ent.OwnerID,
				"entitlement_id", prev.ID.String(),
			)
		}
	}

	if err := e.store.SetCurrent(ctx, ent.OwnerID, ent.ID, now); err != nil {
		return persistErr("set current entitlement", err)
	}

	e.logger.Info("entitlement purchased",
		"owner_id", ent.OwnerID,
		"entitlement_id", ent.ID.String(),
		"plan_id", ent.PlanID.String(),
		"expiry_date", ent.ExpiryDate,
	)
	e.plugins.EmitEntitlementPurchased(ctx, ent)
	return nil
}

// retire switches off an entitlement whose purchase could not complete.
func (e *Engine) retire(ctx context.Context, ent *entitlement.UserPackage, now time.Time) {
	_, err := e.mutate(ctx, ent, "retire entitlement", func(cur *entitlement.UserPackage) (bool, error) {
		return entitlement.Deactivate(cur, now).Changed, nil
	})
	if err != nil {
		e.logger.Error("failed to retire incomplete entitlement",
			"owner_id", ent.OwnerID,
			"entitlement_id", ent.ID.String(),
			"error", err,
		)
	}
}

// Renew supersedes ownerID's active entitlement with one on newPlanID.
// The successor starts where the current one ends, or now if the current
// one has already run out.
func (e *Engine) Renew(ctx context.Context, ownerID string, newPlanID id.PlanID, payment entitlement.Payment) (*entitlement.UserPackage, error) {
	now := e.clock.Now()
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}

	old, err := e.store.GetActiveEntitlement(ctx, ownerID)
	if IsNotFound(err) {
		return nil, ErrNoActiveEntitlement
	}
	if err != nil {
		return nil, persistErr("get active entitlement", err)
	}

	p, err := e.loadPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}

	next, err := entitlement.Renew(old.Clone(), p, payment, now)
	if err != nil {
		return nil, err
	}

	// Store the successor before touching the old record.
	if err := e.store.CreateEntitlement(ctx, next); err != nil {
		return nil, persistErr("create entitlement", err)
	}
	_, err = e.mutate(ctx, old, "supersede entitlement", func(cur *entitlement.UserPackage) (bool, error) {
		if !entitlement.Supersede(cur, next.ID, now).Changed {
			return false, fmt.Errorf("%w: entitlement %s was already replaced", ErrConcurrentModification, cur.ID)
		}
		return true, nil
	})
	if err != nil {
		e.retire(ctx, next, now)
		return nil, err
	}
	if err := e.store.SetCurrent(ctx, ownerID, next.ID, now); err != nil {
		return nil, persistErr("set current entitlement", err)
	}

	e.logger.Info("entitlement renewed",
		"owner_id", ownerID,
		"entitlement_id", next.ID.String(),
		"renewed_from_id", old.ID.String(),
		"expiry_date", next.ExpiryDate,
	)
	e.plugins.EmitEntitlementRenewed(ctx, old, next)
	return next, nil
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// CheckExpiryNow reconciles ownerID's active entitlements against the
// clock and returns what remains active.
func (e *Engine) CheckExpiryNow(ctx context.Context, ownerID string) (*Status, error) {
	return e.reconcileOwner(ctx, ownerID, e.clock.Now())
}

func (e *Engine) reconcileOwner(ctx context.Context, ownerID string, now time.Time) (*Status, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}

	active, err := e.store.ListEntitlements(ctx, ownerID, entitlement.ListOpts{ActiveOnly: true})
	if err != nil {
		return nil, persistErr("list entitlements", err)
	}

	status := &Status{OwnerID: ownerID, CheckedAt: now}
	for _, ent := range active {
		expired, cleared, err := e.expire(ctx, ent, now)
		if err != nil {
			return nil, err
		}
		status.PointerCleared = status.PointerCleared || cleared
		if expired {
			status.Expired = append(status.Expired, ent)
			continue
		}
		if ent.IsActive && (status.Active == nil || ent.PurchaseDate.After(status.Active.PurchaseDate)) {
			status.Active = ent
		}
	}
	return status, nil
}

// expire applies Reconcile to ent and persists the outcome. It reports
// whether ent was deactivated and whether the owner pointer was cleared.
func (e *Engine) expire(ctx context.Context, ent *entitlement.UserPackage, now time.Time) (bool, bool, error) {
	var tr entitlement.Transition
	expired, err := e.mutate(ctx, ent, "expire entitlement", func(cur *entitlement.UserPackage) (bool, error) {
		tr = entitlement.Reconcile(cur, now)
		return tr.Changed, nil
	})
	if err != nil || !expired {
		return false, false, err
	}

	var cleared bool
	if tr.ClearOwnerPointer {
		cleared, err = e.store.ClearCurrentIf(ctx, ent.OwnerID, ent.ID, now)
		if err != nil {
			return true, false, persistErr("clear current entitlement", err)
		}
	}

	e.logger.Info("entitlement expired",
		"owner_id", ent.OwnerID,
		"entitlement_id", ent.ID.String(),
		"expiry_date", ent.ExpiryDate,
		"pointer_cleared", cleared,
	)
	e.plugins.EmitEntitlementExpired(ctx, ent)
	return true, cleared, nil
}

// ──────────────────────────────────────────────────
// Read side
// ──────────────────────────────────────────────────

// GetActiveEntitlement reconciles and returns ownerID's active
// entitlement, or ErrNoActiveEntitlement.
func (e *Engine) GetActiveEntitlement(ctx context.Context, ownerID string) (*entitlement.UserPackage, error) {
	status, err := e.CheckExpiryNow(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if status.Active == nil {
		return nil, ErrNoActiveEntitlement
	}
	return status.Active, nil
}

// GetRenewalEligibility reconciles ownerID, refreshes the renewal flag of
// the active entitlement and reports the renewal window.
func (e *Engine) GetRenewalEligibility(ctx context.Context, ownerID string) (*Eligibility, error) {
	now := e.clock.Now()

	status, err := e.reconcileOwner(ctx, ownerID, now)
	if err != nil {
		return nil, err
	}

	out := &Eligibility{OwnerID: ownerID}
	ent := status.Active
	if ent == nil {
		return out, nil
	}

	if err := e.refreshEligibility(ctx, ent, now); err != nil {
		return nil, err
	}
	if !ent.IsActive {
		return out, nil
	}

	out.HasActive = true
	out.EntitlementID = ent.ID
	out.Eligible = ent.IsRenewalEligible
	out.EligibleAt = entitlement.RenewalEligibleAt(ent)
	out.ExpiryDate = ent.ExpiryDate
	if !out.Eligible {
		out.TimeUntilEligible = out.EligibleAt.Sub(now)
	}
	return out, nil
}

func (e *Engine) refreshEligibility(ctx context.Context, ent *entitlement.UserPackage, now time.Time) error {
	var tr entitlement.Transition
	changed, err := e.mutate(ctx, ent, "update renewal eligibility", func(cur *entitlement.UserPackage) (bool, error) {
		if !cur.IsActive {
			tr = entitlement.Transition{}
			return false, nil
		}
		tr = entitlement.UpdateRenewalEligibility(cur, now)
		return tr.Changed, nil
	})
	if err != nil {
		return err
	}
	if !changed {
		e.logger.Debug("renewal eligibility unchanged", "entitlement_id", ent.ID.String())
		return nil
	}
	if tr.BecameEligible {
		e.logger.Info("entitlement renewal eligible",
			"owner_id", ent.OwnerID,
			"entitlement_id", ent.ID.String(),
			"expiry_date", ent.ExpiryDate,
		)
		e.plugins.EmitRenewalEligible(ctx, ent)
	}
	return nil
}

// GetEntitlement retrieves an entitlement by ID without reconciling it.
func (e *Engine) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	ent, err := e.store.GetEntitlement(ctx, entID)
	return ent, persistErr("get entitlement", err)
}

// ListEntitlements lists an owner's entitlements, newest first.
func (e *Engine) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	list, err := e.store.ListEntitlements(ctx, ownerID, opts)
	return list, persistErr("list entitlements", err)
}

// ──────────────────────────────────────────────────
// Consumption
// ──────────────────────────────────────────────────

// RecordUse consumes one use of an entitlement.
func (e *Engine) RecordUse(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	now := e.clock.Now()

	ent, err := e.store.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, persistErr("get entitlement", err)
	}

	if _, _, err := e.expire(ctx, ent, now); err != nil {
		return nil, err
	}

	_, err = e.mutate(ctx, ent, "record use", func(cur *entitlement.UserPackage) (bool, error) {
		if err := entitlement.RecordUse(cur, now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, entitlement.ErrUsageLimitReached) {
			e.plugins.EmitUsageLimitReached(ctx, ent)
		}
		return nil, err
	}
	return ent, nil
}

// mutate applies fn to ent and writes the result only if no other writer
// updated the record since it was read. After a lost race ent is reloaded
// and fn applied again. fn reports whether it changed ent; an error from
// fn aborts without writing.
func (e *Engine) mutate(ctx context.Context, ent *entitlement.UserPackage, op string, fn func(*entitlement.UserPackage) (bool, error)) (bool, error) {
	for attempt := 0; attempt < e.applyAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := e.store.GetEntitlement(ctx, ent.ID)
			if err != nil {
				return false, persistErr("get entitlement", err)
			}
			*ent = *fresh
		}

		changed, err := fn(ent)
		if err != nil || !changed {
			return false, err
		}

		ok, err := e.store.UpdateEntitlement(ctx, ent)
		if err != nil {
			return false, persistErr(op, err)
		}
		if ok {
			return true, nil
		}
		e.logger.Debug("entitlement changed concurrently, retrying",
			"entitlement_id", ent.ID.String(),
			"op", op,
		)
	}
	return false, ErrConcurrentModification
}

// ──────────────────────────────────────────────────
// Renewal chain
// ──────────────────────────────────────────────────

// RenewalChain returns the renewal chain containing entID, oldest first.
// Links to records removed by retention end the chain.
func (e *Engine) RenewalChain(ctx context.Context, entID id.EntitlementID) ([]*entitlement.UserPackage, error) {
	start, err := e.store.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, persistErr("get entitlement", err)
	}

	seen := map[string]bool{start.ID.String(): true}

	// Walk back to the oldest reachable link.
	oldest := start
	for !oldest.RenewedFromID.IsNil() {
		prev, err := e.chainLink(ctx, oldest.RenewedFromID)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			break
		}
		if seen[prev.ID.String()] || !prev.RenewedToID.Equal(oldest.ID) {
			return nil, ErrCorruptChain
		}
		seen[prev.ID.String()] = true
		oldest = prev
	}

	chain := []*entitlement.UserPackage{oldest}
	visited := map[string]bool{oldest.ID.String(): true}
	for cur := oldest; !cur.RenewedToID.IsNil(); {
		next, err := e.chainLink(ctx, cur.RenewedToID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if visited[next.ID.String()] || !next.RenewedFromID.Equal(cur.ID) {
			return nil, ErrCorruptChain
		}
		visited[next.ID.String()] = true
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

func (e *Engine) chainLink(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	ent, err := e.store.GetEntitlement(ctx, entID)
	if IsNotFound(err) {
		return nil, nil //nolint:nilnil // a missing link ends the chain
	}
	if err != nil {
		return nil, persistErr("get entitlement", err)
	}
	return ent, nil
}

func (e *Engine) loadPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	p, err := e.store.GetPlan(ctx, planID)
	if IsNotFound(err) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if err != nil {
		return nil, persistErr("get plan", err)
	}
	if err := p.Purchasable(); err != nil {
		return nil, err
	}
	return p, nil
}
