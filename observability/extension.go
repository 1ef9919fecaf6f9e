// Package observability provides a metrics extension for Entitle that records
// lifecycle event counts via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated          = (*MetricsExtension)(nil)
	_ plugin.OnPlanArchived         = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementPurchased = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementRenewed   = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementExpired   = (*MetricsExtension)(nil)
	_ plugin.OnRenewalEligible      = (*MetricsExtension)(nil)
	_ plugin.OnUsageLimitReached    = (*MetricsExtension)(nil)
	_ plugin.OnVoucherIssued        = (*MetricsExtension)(nil)
	_ plugin.OnVoucherApplied       = (*MetricsExtension)(nil)
	_ plugin.OnSweepCompleted       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an Entitle plugin to track purchases, renewals and sweeps.
type MetricsExtension struct {
	factory MetricFactory

	// Plan metrics
	PlanCreated  Counter
	PlanArchived Counter

	// Entitlement metrics
	EntitlementPurchased Counter
	EntitlementRenewed   Counter
	EntitlementExpired   Counter
	RenewalEligible      Counter
	UsageLimitReached    Counter
	PurchaseAmount       Histogram

	// Voucher metrics
	VoucherIssued    Counter
	VoucherApplied   Counter
	VoucherExhausted Counter
	VoucherAmount    Histogram

	// Sweep metrics
	SweepRuns     Counter
	SweepAffected Counter
	SweepErrors   Counter
	SweepLatency  Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewPrometheusFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PlanCreated:  factory.Counter("entitle.plan.created"),
		PlanArchived: factory.Counter("entitle.plan.archived"),

		EntitlementPurchased: factory.Counter("entitle.entitlement.purchased"),
		EntitlementRenewed:   factory.Counter("entitle.entitlement.renewed"),
		EntitlementExpired:   factory.Counter("entitle.entitlement.expired"),
		RenewalEligible:      factory.Counter("entitle.entitlement.renewal_eligible"),
		UsageLimitReached:    factory.Counter("entitle.entitlement.usage_limit_reached"),
		PurchaseAmount:       factory.Histogram("entitle.entitlement.purchase_amount"),

		VoucherIssued:    factory.Counter("entitle.voucher.issued"),
		VoucherApplied:   factory.Counter("entitle.voucher.applied"),
		VoucherExhausted: factory.Counter("entitle.voucher.exhausted"),
		VoucherAmount:    factory.Histogram("entitle.voucher.applied_amount"),

		SweepRuns:     factory.Counter("entitle.sweep.runs"),
		SweepAffected: factory.Counter("entitle.sweep.affected"),
		SweepErrors:   factory.Counter("entitle.sweep.errors"),
		SweepLatency:  factory.Histogram("entitle.sweep.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnPlanArchived implements plugin.OnPlanArchived.
func (m *MetricsExtension) OnPlanArchived(_ context.Context, _ *plan.Plan) error {
	m.PlanArchived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementPurchased implements plugin.OnEntitlementPurchased.
func (m *MetricsExtension) OnEntitlementPurchased(_ context.Context, e *entitlement.UserPackage) error {
	m.EntitlementPurchased.Inc()
	m.PurchaseAmount.Observe(float64(e.Price.Amount))
	return nil
}

// OnEntitlementRenewed implements plugin.OnEntitlementRenewed.
func (m *MetricsExtension) OnEntitlementRenewed(_ context.Context, _, next *entitlement.UserPackage) error {
	m.EntitlementRenewed.Inc()
	m.PurchaseAmount.Observe(float64(next.Price.Amount))
	return nil
}

// OnEntitlementExpired implements plugin.OnEntitlementExpired.
func (m *MetricsExtension) OnEntitlementExpired(_ context.Context, _ *entitlement.UserPackage) error {
	m.EntitlementExpired.Inc()
	return nil
}

// OnRenewalEligible implements plugin.OnRenewalEligible.
func (m *MetricsExtension) OnRenewalEligible(_ context.Context, _ *entitlement.UserPackage) error {
	m.RenewalEligible.Inc()
	return nil
}

// OnUsageLimitReached implements plugin.OnUsageLimitReached.
func (m *MetricsExtension) OnUsageLimitReached(_ context.Context, _ *entitlement.UserPackage) error {
	m.UsageLimitReached.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Voucher hooks
// ──────────────────────────────────────────────────

// OnVoucherIssued implements plugin.OnVoucherIssued.
func (m *MetricsExtension) OnVoucherIssued(_ context.Context, _ *voucher.Voucher) error {
	m.VoucherIssued.Inc()
	return nil
}

// OnVoucherApplied implements plugin.OnVoucherApplied.
func (m *MetricsExtension) OnVoucherApplied(_ context.Context, v *voucher.Voucher, amount types.Money, _ string) error {
	m.VoucherApplied.Inc()
	m.VoucherAmount.Observe(float64(amount.Amount))
	if v.IsRedeemed {
		m.VoucherExhausted.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(_ context.Context, r plugin.SweepReport) error {
	m.SweepRuns.Inc()
	m.SweepAffected.Add(float64(r.Affected))
	m.SweepErrors.Add(float64(r.Errors))
	m.SweepLatency.Observe(float64(r.Elapsed.Milliseconds()))
	return nil
}
