package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/clock"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

func TestMetricsFromEngine(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	eng := entitle.New(memory.New(),
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithClock(clk),
		entitle.WithPlugin(metrics),
	)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p := &plan.Plan{Name: "Monthly", Type: plan.TypeStandard, Price: types.USD(4000), DurationDays: 30, Active: true}
	if err := eng.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	for i, owner := range []string{"a", "b"} {
		pay := entitlement.Payment{Method: entitlement.MethodCard, PaymentID: "pay_" + owner, Status: entitlement.PaymentCompleted}
		if _, err := eng.ConfirmPurchase(ctx, owner, p.ID, pay); err != nil {
			t.Fatalf("ConfirmPurchase %d: %v", i, err)
		}
	}

	clk.Advance(31 * 24 * time.Hour)
	if _, err := eng.SweepExpiry(ctx); err != nil {
		t.Fatalf("SweepExpiry: %v", err)
	}

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"plan created", metrics.PlanCreated.(prometheus.Counter), 1},
		{"purchased", metrics.EntitlementPurchased.(prometheus.Counter), 2},
		{"expired", metrics.EntitlementExpired.(prometheus.Counter), 2},
		{"sweep runs", metrics.SweepRuns.(prometheus.Counter), 1},
		{"sweep affected", metrics.SweepAffected.(prometheus.Counter), 2},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

type countingFactory struct {
	counters map[string]*fakeCounter
}

type fakeCounter struct{ n float64 }

func (c *fakeCounter) Inc()          { c.n++ }
func (c *fakeCounter) Add(v float64) { c.n += v }

type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}

func (f *countingFactory) Counter(name string) observability.Counter {
	c := &fakeCounter{}
	f.counters[name] = c
	return c
}

func (f *countingFactory) Histogram(string) observability.Histogram { return nopHistogram{} }

func TestVoucherMetrics(t *testing.T) {
	f := &countingFactory{counters: map[string]*fakeCounter{}}
	m := observability.NewMetricsExtension(f)
	ctx := context.Background()

	partial := &voucher.Voucher{Amount: types.USD(5000), AmountUsed: 1000}
	spent := &voucher.Voucher{Amount: types.USD(5000), AmountUsed: 5000, IsRedeemed: true}
	_ = m.OnVoucherApplied(ctx, partial, types.USD(1000), "x")
	_ = m.OnVoucherApplied(ctx, spent, types.USD(4000), "x")

	if got := f.counters["entitle.voucher.applied"].n; got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	if got := f.counters["entitle.voucher.exhausted"].n; got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}

	_ = m.OnSweepCompleted(ctx, plugin.SweepReport{Kind: "expiry", Affected: 3, Errors: 2})
	if got := f.counters["entitle.sweep.errors"].n; got != 2 {
		t.Errorf("sweep errors = %v, want 2", got)
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := observability.NewPrometheusFactory(reg).Counter("entitle.plan.created")
	second := observability.NewPrometheusFactory(reg).Counter("entitle.plan.created")
	first.Inc()
	second.Inc()

	if got := testutil.ToFloat64(first.(prometheus.Counter)); got != 2 {
		t.Errorf("shared counter = %v, want 2", got)
	}
	if n, err := testutil.GatherAndCount(reg, "entitle_plan_created"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}
