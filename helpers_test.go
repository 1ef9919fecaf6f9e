package entitle_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/clock"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine *entitle.Engine
	clock  *clock.Fake
	store  *memory.Store
	events *recorder
}

func newHarness(t *testing.T, opts ...entitle.Option) *harness {
	t.Helper()
	return newHarnessOn(t, nil, opts...)
}

// newHarnessOn is newHarness with the memory store optionally wrapped.
func newHarnessOn(t *testing.T, wrap func(*memory.Store) store.Store, opts ...entitle.Option) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewFake(t0),
		store:  memory.New(),
		events: &recorder{},
	}
	base := []entitle.Option{
		entitle.WithLogger(discardLogger()),
		entitle.WithClock(h.clock),
		entitle.WithPlugin(h.events),
		entitle.WithSweepRetry(2, time.Millisecond),
	}
	var s store.Store = h.store
	if wrap != nil {
		s = wrap(h.store)
	}
	h.engine = entitle.New(s, append(base, opts...)...)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func (h *harness) plan(t *testing.T, days, maxUses int, price types.Money) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Name:         "Plan",
		Type:         plan.TypeStandard,
		Price:        price,
		DurationDays: days,
		MaxUses:      maxUses,
		Active:       true,
	}
	if err := h.engine.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	return p
}

func (h *harness) buy(t *testing.T, ownerID string, p *plan.Plan) *entitlement.UserPackage {
	t.Helper()
	ent, err := h.engine.ConfirmPurchase(context.Background(), ownerID, p.ID, card("pay_"+ownerID))
	if err != nil {
		t.Fatalf("ConfirmPurchase: %v", err)
	}
	return ent
}

func (h *harness) voucher(t *testing.T, amount types.Money) *voucher.Voucher {
	t.Helper()
	v, err := h.engine.ConfirmVoucherPurchase(context.Background(), voucher.Issue{
		BuyerID:          "buyer",
		Recipient:        voucher.Recipient{Name: "Grace", Email: "grace@example.com"},
		Amount:           amount,
		PaymentReference: "pay_voucher",
	})
	if err != nil {
		t.Fatalf("ConfirmVoucherPurchase: %v", err)
	}
	return v
}

func card(ref string) entitlement.Payment {
	return entitlement.Payment{Method: entitlement.MethodCard, PaymentID: ref, Status: entitlement.PaymentCompleted}
}

// recorder counts plugin events.
type recorder struct {
	mu        sync.Mutex
	purchased int
	renewed   int
	expired   int
	eligible  int
	limit     int
	issued    int
	applied   int
	sweeps    []plugin.SweepReport
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnEntitlementPurchased(context.Context, *entitlement.UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purchased++
	return nil
}

func (r *recorder) OnEntitlementRenewed(context.Context, *entitlement.UserPackage, *entitlement.UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewed++
	return nil
}

func (r *recorder) OnEntitlementExpired(context.Context, *entitlement.UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired++
	return nil
}

func (r *recorder) OnRenewalEligible(context.Context, *entitlement.UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eligible++
	return nil
}

func (r *recorder) OnUsageLimitReached(context.Context, *entitlement.UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit++
	return nil
}

func (r *recorder) OnVoucherIssued(context.Context, *voucher.Voucher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	return nil
}

func (r *recorder) OnVoucherApplied(context.Context, *voucher.Voucher, types.Money, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied++
	return nil
}

func (r *recorder) OnSweepCompleted(_ context.Context, report plugin.SweepReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, report)
	return nil
}

func (r *recorder) count(f func(*recorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}
