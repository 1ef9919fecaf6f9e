package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle"
	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/clock"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

type captured struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *captured) Record(_ context.Context, evt *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func (c *captured) find(action string) *audithook.AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Action == action {
			return e
		}
	}
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLifecycleIsAudited(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := &captured{}

	eng := entitle.New(memory.New(),
		entitle.WithLogger(quiet()),
		entitle.WithClock(clk),
		entitle.WithPlugin(audithook.New(rec, audithook.WithLogger(quiet()))),
	)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p := &plan.Plan{Name: "Monthly", Type: plan.TypeStandard, Price: types.USD(4000), DurationDays: 30, Active: true}
	if err := eng.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	pay := entitlement.Payment{Method: entitlement.MethodCard, PaymentID: "pay_1", Status: entitlement.PaymentCompleted}
	ent, err := eng.ConfirmPurchase(ctx, "alice", p.ID, pay)
	if err != nil {
		t.Fatalf("ConfirmPurchase: %v", err)
	}

	clk.Advance(31 * 24 * time.Hour)
	if _, err := eng.CheckExpiryNow(ctx, "alice"); err != nil {
		t.Fatalf("CheckExpiryNow: %v", err)
	}

	for _, action := range []string{
		audithook.ActionPlanCreated,
		audithook.ActionEntitlementPurchased,
		audithook.ActionEntitlementExpired,
	} {
		if rec.find(action) == nil {
			t.Errorf("missing audit action %s in %v", action, rec.actions())
		}
	}

	bought := rec.find(audithook.ActionEntitlementPurchased)
	if bought.ResourceID != ent.ID.String() {
		t.Errorf("ResourceID = %q, want %q", bought.ResourceID, ent.ID.String())
	}
	if bought.Metadata["owner_id"] != "alice" || bought.Metadata["payment_id"] != "pay_1" {
		t.Errorf("unexpected metadata: %v", bought.Metadata)
	}
}

func TestEnabledActions(t *testing.T) {
	ctx := context.Background()
	p := &plan.Plan{Slug: "basic"}
	ent := &entitlement.UserPackage{OwnerID: "bob"}

	tests := []struct {
		name string
		opts []audithook.Option
		want []string
	}{
		{"all by default", nil, []string{audithook.ActionPlanCreated, audithook.ActionEntitlementExpired}},
		{"allow list", []audithook.Option{audithook.WithEnabledActions(audithook.ActionEntitlementExpired)}, []string{audithook.ActionEntitlementExpired}},
		{"deny list", []audithook.Option{audithook.WithDisabledActions(audithook.ActionEntitlementExpired)}, []string{audithook.ActionPlanCreated}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captured{}
			ext := audithook.New(rec, tt.opts...)
			_ = ext.OnPlanCreated(ctx, p)
			_ = ext.OnEntitlementExpired(ctx, ent)

			got := rec.actions()
			if len(got) != len(tt.want) {
				t.Fatalf("actions = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("actions[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestVoucherEventsOmitCode(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)
	v := &voucher.Voucher{Code: "SECRET", Amount: types.USD(5000), AmountUsed: 5000, IsRedeemed: true}

	_ = ext.OnVoucherIssued(context.Background(), v)
	_ = ext.OnVoucherApplied(context.Background(), v, types.USD(5000), "carol")

	for _, evt := range rec.events {
		for k, val := range evt.Metadata {
			if s, ok := val.(string); ok && s == "SECRET" {
				t.Errorf("%s leaked the voucher code under %q", evt.Action, k)
			}
		}
	}
	if applied := rec.find(audithook.ActionVoucherApplied); applied.Outcome != audithook.OutcomeSuccess {
		t.Errorf("exhausting a voucher should be a success outcome, got %s", applied.Outcome)
	}
}

func TestSweepSeverity(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)
	_ = ext.OnSweepCompleted(context.Background(), plugin.SweepReport{Kind: "expiry", Total: 3, Errors: 1})

	evt := rec.find(audithook.ActionSweepCompleted)
	if evt.Severity != audithook.SeverityWarning || evt.Outcome != audithook.OutcomePartial {
		t.Errorf("got severity=%s outcome=%s", evt.Severity, evt.Outcome)
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("chronicle unavailable")
	}), audithook.WithLogger(quiet()))

	if err := ext.OnPlanArchived(context.Background(), &plan.Plan{}); err != nil {
		t.Errorf("recorder failure must not propagate, got %v", err)
	}
}
