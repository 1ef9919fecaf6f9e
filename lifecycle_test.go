package entitle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/clock"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

func TestPurchaseLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))

	ent := h.buy(t, "user-1", p)
	if !ent.ExpiryDate.Equal(t0.Add(30 * day)) {
		t.Fatalf("ExpiryDate: got %v", ent.ExpiryDate)
	}

	o, err := h.store.GetOwner(ctx, "user-1")
	if err != nil || !o.Points(ent.ID) {
		t.Fatalf("owner pointer not set: %v %+v", err, o)
	}

	h.clock.Set(t0.Add(28 * day))
	elig, err := h.engine.GetRenewalEligibility(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetRenewalEligibility: %v", err)
	}
	if elig.Eligible || elig.TimeUntilEligible != 12*time.Hour {
		t.Errorf("at T0+28d: eligible=%v until=%v", elig.Eligible, elig.TimeUntilEligible)
	}

	h.clock.Set(t0.Add(28*day + 12*time.Hour))
	elig, err = h.engine.GetRenewalEligibility(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetRenewalEligibility: %v", err)
	}
	if !elig.Eligible || elig.TimeUntilEligible != 0 {
		t.Errorf("at T0+28.5d: eligible=%v until=%v", elig.Eligible, elig.TimeUntilEligible)
	}
	if _, err := h.engine.GetRenewalEligibility(ctx, "user-1"); err != nil {
		t.Fatalf("GetRenewalEligibility: %v", err)
	}
	if got := h.events.count(func(r *recorder) int { return r.eligible }); got != 1 {
		t.Errorf("OnRenewalEligible: got %d, want 1", got)
	}

	stored, _ := h.store.GetEntitlement(ctx, ent.ID)
	if !stored.IsRenewalEligible {
		t.Error("eligibility flip was not persisted")
	}

	h.clock.Set(t0.Add(30*day + time.Second))
	status, err := h.engine.CheckExpiryNow(ctx, "user-1")
	if err != nil {
		t.Fatalf("CheckExpiryNow: %v", err)
	}
	if status.Active != nil || len(status.Expired) != 1 || !status.PointerCleared {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.State() != entitlement.StateInactive {
		t.Errorf("State: got %s", status.State())
	}

	stored, _ = h.store.GetEntitlement(ctx, ent.ID)
	if stored.IsActive || stored.IsRenewalEligible {
		t.Error("expiry was not persisted")
	}
	o, _ = h.store.GetOwner(ctx, "user-1")
	if !o.CurrentEntitlementID.IsNil() {
		t.Error("owner pointer should be cleared")
	}

	status, err = h.engine.CheckExpiryNow(ctx, "user-1")
	if err != nil {
		t.Fatalf("CheckExpiryNow: %v", err)
	}
	if len(status.Expired) != 0 || status.PointerCleared {
		t.Errorf("second check should be a no-op: %+v", status)
	}
	if got := h.events.count(func(r *recorder) int { return r.expired }); got != 1 {
		t.Errorf("OnEntitlementExpired: got %d, want 1", got)
	}

	if _, err := h.engine.GetActiveEntitlement(ctx, "user-1"); !errors.Is(err, entitle.ErrNoActiveEntitlement) {
		t.Errorf("expected ErrNoActiveEntitlement, got %v", err)
	}
}

func TestPurchaseSupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))

	first := h.buy(t, "user-1", p)
	h.clock.Advance(day)
	second := h.buy(t, "user-1", p)

	active, err := h.engine.ListEntitlements(ctx, "user-1", entitlement.ListOpts{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(active) != 1 || !active[0].ID.Equal(second.ID) {
		t.Fatalf("expected only the second entitlement active, got %d", len(active))
	}

	old, _ := h.engine.GetEntitlement(ctx, first.ID)
	if old.IsActive || old.DeactivatedAt == nil {
		t.Error("first entitlement should be deactivated")
	}

	got, err := h.engine.GetActiveEntitlement(ctx, "user-1")
	if err != nil || !got.ID.Equal(second.ID) {
		t.Errorf("GetActiveEntitlement: %v %v", got, err)
	}
	if n := h.events.count(func(r *recorder) int { return r.purchased }); n != 2 {
		t.Errorf("OnEntitlementPurchased: got %d", n)
	}
}

func TestPurchaseRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))
	archived := h.plan(t, 30, 0, types.USD(100))
	if err := h.engine.ArchivePlan(ctx, archived.ID); err != nil {
		t.Fatalf("ArchivePlan: %v", err)
	}

	tests := []struct {
		name    string
		owner   string
		planID  id.PlanID
		payment entitlement.Payment
		want    error
	}{
		{"unknown plan", "u", id.NewPlanID(), card("x"), entitle.ErrInvalidPlan},
		{"unknown plan is not found", "u", id.NewPlanID(), card("x"), entitle.ErrPlanNotFound},
		{"archived plan", "u", archived.ID, card("x"), entitle.ErrInvalidPlan},
		{"failed payment", "u", p.ID, entitlement.Payment{Method: "card", PaymentID: "x", Status: entitlement.PaymentFailed}, entitle.ErrInvalidPayment},
		{"no owner", "", p.ID, card("x"), entitle.ErrInvalidOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.ConfirmPurchase(ctx, tt.owner, tt.planID, tt.payment); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRenewExtendsRemainingTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	monthly := h.plan(t, 30, 0, types.USD(4900))
	bimonthly := h.plan(t, 60, 0, types.USD(8900))

	old := h.buy(t, "user-1", monthly)
	h.clock.Set(t0.Add(29 * day))

	next, err := h.engine.Renew(ctx, "user-1", bimonthly.ID, card("pay_renew"))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if want := t0.Add(90 * day); !next.ExpiryDate.Equal(want) {
		t.Errorf("successor expiry: got %v, want %v", next.ExpiryDate, want)
	}

	o, _ := h.store.GetOwner(ctx, "user-1")
	if !o.Points(next.ID) {
		t.Error("owner should point at the successor")
	}

	chain, err := h.engine.RenewalChain(ctx, next.ID)
	if err != nil {
		t.Fatalf("RenewalChain: %v", err)
	}
	if len(chain) != 2 || !chain[0].ID.Equal(old.ID) || !chain[1].ID.Equal(next.ID) {
		t.Errorf("unexpected chain of length %d", len(chain))
	}
	if entitlement.StateOf(chain[0]) != entitlement.StateSuperseded {
		t.Errorf("old state: got %s", entitlement.StateOf(chain[0]))
	}
	if n := h.events.count(func(r *recorder) int { return r.renewed }); n != 1 {
		t.Errorf("OnEntitlementRenewed: got %d", n)
	}
}

func TestRenewRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("too early", func(t *testing.T) {
		h := newHarness(t)
		p := h.plan(t, 30, 0, types.USD(4900))
		ent := h.buy(t, "user-1", p)
		h.clock.Set(t0.Add(10 * day))

		_, err := h.engine.Renew(ctx, "user-1", p.ID, card("r"))
		var elig *entitle.EligibilityError
		if !errors.As(err, &elig) || !errors.Is(err, entitle.ErrNotEligible) {
			t.Fatalf("expected EligibilityError, got %v", err)
		}
		if !elig.RenewalEligibleDate.Equal(ent.ExpiryDate.Add(-entitle.RenewalWindow)) {
			t.Errorf("RenewalEligibleDate: got %v", elig.RenewalEligibleDate)
		}
	})

	t.Run("expired and reconciled", func(t *testing.T) {
		h := newHarness(t)
		p := h.plan(t, 30, 0, types.USD(4900))
		h.buy(t, "user-1", p)
		h.clock.Set(t0.Add(31 * day))
		if _, err := h.engine.CheckExpiryNow(ctx, "user-1"); err != nil {
			t.Fatalf("CheckExpiryNow: %v", err)
		}

		if _, err := h.engine.Renew(ctx, "user-1", p.ID, card("r")); !errors.Is(err, entitle.ErrNoActiveEntitlement) {
			t.Fatalf("expected ErrNoActiveEntitlement, got %v", err)
		}
	})

	t.Run("unknown plan", func(t *testing.T) {
		h := newHarness(t)
		p := h.plan(t, 30, 0, types.USD(4900))
		h.buy(t, "user-1", p)
		h.clock.Set(t0.Add(29 * day))

		if _, err := h.engine.Renew(ctx, "user-1", id.NewPlanID(), card("r")); !errors.Is(err, entitle.ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan, got %v", err)
		}
	})

	t.Run("no entitlement", func(t *testing.T) {
		h := newHarness(t)
		p := h.plan(t, 30, 0, types.USD(4900))
		if _, err := h.engine.Renew(ctx, "nobody", p.ID, card("r")); !errors.Is(err, entitle.ErrNoActiveEntitlement) {
			t.Fatalf("expected ErrNoActiveEntitlement, got %v", err)
		}
	})
}

func TestRenewAfterLapse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))
	old := h.buy(t, "user-1", p)

	// Lapsed an hour ago, before any sweep noticed.
	now := t0.Add(30*day + time.Hour)
	h.clock.Set(now)

	next, err := h.engine.Renew(ctx, "user-1", p.ID, card("late"))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !next.ExpiryDate.Equal(now.Add(30 * day)) {
		t.Errorf("successor should start now: expiry %v", next.ExpiryDate)
	}
	if !next.RenewedFromID.Equal(old.ID) {
		t.Errorf("RenewedFromID: got %s", next.RenewedFromID)
	}

	stored, _ := h.engine.GetEntitlement(ctx, old.ID)
	if stored.IsActive || !stored.RenewedToID.Equal(next.ID) {
		t.Errorf("old record not superseded: active=%v renewedTo=%s", stored.IsActive, stored.RenewedToID)
	}
	if n := h.events.count(func(r *recorder) int { return r.expired }); n != 0 {
		t.Errorf("a renewed package should not also expire: %d", n)
	}

	active, err := h.engine.GetActiveEntitlement(ctx, "user-1")
	if err != nil || !active.ID.Equal(next.ID) {
		t.Errorf("GetActiveEntitlement: %v %v", active, err)
	}
}

// createFailer fails CreateEntitlement once armed.
type createFailer struct {
	*memory.Store
	armed atomic.Bool
}

func (s *createFailer) CreateEntitlement(ctx context.Context, e *entitlement.UserPackage) error {
	if s.armed.Load() {
		return errConnReset
	}
	return s.Store.CreateEntitlement(ctx, e)
}

func TestRenewKeepsCurrentWhenSuccessorFails(t *testing.T) {
	ctx := context.Background()
	var st *createFailer
	h := newHarnessOn(t, func(m *memory.Store) store.Store {
		st = &createFailer{Store: m}
		return st
	})
	p := h.plan(t, 30, 0, types.USD(4900))
	old := h.buy(t, "user-1", p)
	h.clock.Set(t0.Add(29 * day))

	st.armed.Store(true)
	if _, err := h.engine.Renew(ctx, "user-1", p.ID, card("r")); !errors.Is(err, entitle.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	stored, _ := h.engine.GetEntitlement(ctx, old.ID)
	if !stored.IsActive || !stored.RenewedToID.IsNil() {
		t.Errorf("old package should be untouched: active=%v renewedTo=%s", stored.IsActive, stored.RenewedToID)
	}
	o, _ := h.store.GetOwner(ctx, "user-1")
	if !o.Points(old.ID) {
		t.Error("owner pointer should still name the old package")
	}
	if n := h.events.count(func(r *recorder) int { return r.renewed }); n != 0 {
		t.Errorf("OnEntitlementRenewed: got %d", n)
	}
}

// purchaseAfterRead runs a purchase for the owner right after Renew has
// read the active entitlement.
type purchaseAfterRead struct {
	*memory.Store
	engine *entitle.Engine
	planID id.PlanID
	once   sync.Once
	err    error
}

func (s *purchaseAfterRead) GetActiveEntitlement(ctx context.Context, ownerID string) (*entitlement.UserPackage, error) {
	ent, err := s.Store.GetActiveEntitlement(ctx, ownerID)
	s.once.Do(func() {
		_, s.err = s.engine.ConfirmPurchase(ctx, ownerID, s.planID, card("racing"))
	})
	return ent, err
}

func TestRenewLosesRaceToPurchase(t *testing.T) {
	ctx := context.Background()
	var st *purchaseAfterRead
	h := newHarnessOn(t, func(m *memory.Store) store.Store {
		st = &purchaseAfterRead{Store: m}
		return st
	})
	p := h.plan(t, 30, 0, types.USD(4900))
	old := h.buy(t, "user-1", p)
	h.clock.Set(t0.Add(29 * day))
	st.engine, st.planID = h.engine, p.ID

	if _, err := h.engine.Renew(ctx, "user-1", p.ID, card("r")); !errors.Is(err, entitle.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if st.err != nil {
		t.Fatalf("racing purchase: %v", st.err)
	}

	active, err := h.engine.ListEntitlements(ctx, "user-1", entitlement.ListOpts{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(active) != 1 || active[0].Payment.PaymentID != "racing" {
		t.Fatalf("only the racing purchase should be active, got %d", len(active))
	}
	stored, _ := h.engine.GetEntitlement(ctx, old.ID)
	if !stored.RenewedToID.IsNil() {
		t.Errorf("old package must not link to a discarded successor: %s", stored.RenewedToID)
	}
}

func TestRecordUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 2, types.USD(4900))
	ent := h.buy(t, "user-1", p)

	for i := 0; i < 2; i++ {
		if _, err := h.engine.RecordUse(ctx, ent.ID); err != nil {
			t.Fatalf("RecordUse %d: %v", i+1, err)
		}
	}
	if _, err := h.engine.RecordUse(ctx, ent.ID); !errors.Is(err, entitle.ErrUsageLimitReached) {
		t.Errorf("expected ErrUsageLimitReached, got %v", err)
	}
	if n := h.events.count(func(r *recorder) int { return r.limit }); n != 1 {
		t.Errorf("OnUsageLimitReached: got %d", n)
	}

	stored, _ := h.engine.GetEntitlement(ctx, ent.ID)
	if stored.UsesConsumed != 2 {
		t.Errorf("UsesConsumed: got %d", stored.UsesConsumed)
	}

	other := h.buy(t, "user-2", h.plan(t, 30, 0, types.USD(100)))
	h.clock.Set(t0.Add(31 * day))
	if _, err := h.engine.RecordUse(ctx, other.ID); !errors.Is(err, entitle.ErrEntitlementInactive) {
		t.Errorf("expected ErrEntitlementInactive, got %v", err)
	}
}

// clearCounter counts successful owner pointer clears.
type clearCounter struct {
	*memory.Store
	cleared atomic.Int32
}

func (s *clearCounter) ClearCurrentIf(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) (bool, error) {
	ok, err := s.Store.ClearCurrentIf(ctx, ownerID, entID, now)
	if ok {
		s.cleared.Add(1)
	}
	return ok, err
}

func TestConcurrentReconcileClearsPointerOnce(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		fake := clock.NewFake(t0)
		st := &clearCounter{Store: memory.New()}
		engine := entitle.New(st, entitle.WithClock(fake), entitle.WithLogger(discardLogger()))

		p := &entitle.Plan{Name: "P", Type: "basic", Price: types.USD(100), DurationDays: 30, Active: true}
		if err := engine.CreatePlan(ctx, p); err != nil {
			t.Fatalf("CreatePlan: %v", err)
		}
		ent, err := engine.ConfirmPurchase(ctx, "user-1", p.ID, card("p"))
		if err != nil {
			t.Fatalf("ConfirmPurchase: %v", err)
		}
		fake.Set(t0.Add(30*day + time.Second))

		var wg sync.WaitGroup
		results := make([]*entitle.Status, 2)
		errs := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = engine.CheckExpiryNow(ctx, "user-1")
			}()
		}
		wg.Wait()

		for i := range results {
			if errs[i] != nil {
				t.Fatalf("CheckExpiryNow: %v", errs[i])
			}
			if results[i].Active != nil {
				t.Fatalf("caller %d still sees an active entitlement", i)
			}
		}
		if n := st.cleared.Load(); n != 1 {
			t.Fatalf("round %d: pointer cleared %d times", round, n)
		}

		stored, _ := engine.GetEntitlement(ctx, ent.ID)
		if stored.IsActive {
			t.Fatal("entitlement should be inactive")
		}
	}
}

func TestRenewalChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))

	first := h.buy(t, "user-1", p)
	h.clock.Set(t0.Add(29 * day))
	second, err := h.engine.Renew(ctx, "user-1", p.ID, card("r1"))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	h.clock.Set(second.ExpiryDate.Add(-day))
	third, err := h.engine.Renew(ctx, "user-1", p.ID, card("r2"))
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}

	for _, start := range []id.EntitlementID{first.ID, second.ID, third.ID} {
		chain, err := h.engine.RenewalChain(ctx, start)
		if err != nil {
			t.Fatalf("RenewalChain: %v", err)
		}
		if len(chain) != 3 || !chain[0].ID.Equal(first.ID) || !chain[2].ID.Equal(third.ID) {
			t.Errorf("chain from %s has wrong shape", start)
		}
	}
}

func TestRenewalChainDetectsCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(4900))

	a := h.buy(t, "user-1", p)
	b := h.buy(t, "user-2", p)
	a.RenewedFromID, a.RenewedToID = b.ID, b.ID
	b.RenewedFromID, b.RenewedToID = a.ID, a.ID
	for _, ent := range []*entitle.UserPackage{a, b} {
		if ok, err := h.store.UpdateEntitlement(ctx, ent); err != nil || !ok {
			t.Fatalf("UpdateEntitlement: ok=%v err=%v", ok, err)
		}
	}

	if _, err := h.engine.RenewalChain(ctx, a.ID); !errors.Is(err, entitle.ErrCorruptChain) {
		t.Errorf("expected ErrCorruptChain, got %v", err)
	}
}

func TestConcurrentRecordUseLosesNoUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 10, types.USD(4900))
	ent := h.buy(t, "user-1", p)

	const callers = 16
	var ok, limited, conflicted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RecordUse(ctx, ent.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, entitle.ErrUsageLimitReached):
				limited.Add(1)
			case errors.Is(err, entitle.ErrConcurrentModification):
				conflicted.Add(1)
			default:
				t.Errorf("RecordUse: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ok.Load() + limited.Load() + conflicted.Load(); got != callers {
		t.Fatalf("accounted for %d of %d calls", got, callers)
	}
	if ok.Load() > 10 {
		t.Errorf("cap exceeded: %d uses granted", ok.Load())
	}
	stored, _ := h.engine.GetEntitlement(ctx, ent.ID)
	if int32(stored.UsesConsumed) != ok.Load() {
		t.Errorf("UsesConsumed = %d, granted %d", stored.UsesConsumed, ok.Load())
	}
}
