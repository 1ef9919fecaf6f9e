// Package audithook bridges Entitle lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnPlanCreated          = (*Extension)(nil)
	_ plugin.OnPlanArchived         = (*Extension)(nil)
	_ plugin.OnEntitlementPurchased = (*Extension)(nil)
	_ plugin.OnEntitlementRenewed   = (*Extension)(nil)
	_ plugin.OnEntitlementExpired   = (*Extension)(nil)
	_ plugin.OnRenewalEligible      = (*Extension)(nil)
	_ plugin.OnUsageLimitReached    = (*Extension)(nil)
	_ plugin.OnVoucherIssued        = (*Extension)(nil)
	_ plugin.OnVoucherApplied       = (*Extension)(nil)
	_ plugin.OnSweepCompleted       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Entitle lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryCatalog, nil,
		"slug", p.Slug,
		"price", p.Price.String(),
		"duration_days", p.DurationDays,
		"max_uses", p.MaxUses,
	)
}

// OnPlanArchived implements plugin.OnPlanArchived.
func (e *Extension) OnPlanArchived(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanArchived, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryCatalog, nil,
		"slug", p.Slug,
	)
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementPurchased implements plugin.OnEntitlementPurchased.
func (e *Extension) OnEntitlementPurchased(ctx context.Context, ent *entitlement.UserPackage) error {
	kv := entitlementMeta(ent)
	kv = append(kv,
		"price", ent.Price.String(),
		"payment_method", ent.Payment.Method,
	)
	// Voucher-funded purchases carry the code as their payment id.
	if ent.FundedByVoucher {
		kv = append(kv, "funded_by_voucher", true)
	} else {
		kv = append(kv, "payment_id", ent.Payment.PaymentID)
	}
	return e.record(ctx, ActionEntitlementPurchased, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryPayment, nil, kv...)
}

// OnEntitlementRenewed implements plugin.OnEntitlementRenewed.
func (e *Extension) OnEntitlementRenewed(ctx context.Context, previous, next *entitlement.UserPackage) error {
	kv := entitlementMeta(next)
	kv = append(kv,
		"renewed_from_id", previous.ID.String(),
		"price", next.Price.String(),
	)
	if !next.FundedByVoucher {
		kv = append(kv, "payment_id", next.Payment.PaymentID)
	}
	return e.record(ctx, ActionEntitlementRenewed, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, next.ID.String(), CategoryPayment, nil, kv...)
}

// OnEntitlementExpired implements plugin.OnEntitlementExpired.
func (e *Extension) OnEntitlementExpired(ctx context.Context, ent *entitlement.UserPackage) error {
	return e.record(ctx, ActionEntitlementExpired, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryEntitlement, nil,
		entitlementMeta(ent)...)
}

// OnRenewalEligible implements plugin.OnRenewalEligible.
func (e *Extension) OnRenewalEligible(ctx context.Context, ent *entitlement.UserPackage) error {
	return e.record(ctx, ActionRenewalEligible, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryEntitlement, nil,
		entitlementMeta(ent)...)
}

// OnUsageLimitReached implements plugin.OnUsageLimitReached.
func (e *Extension) OnUsageLimitReached(ctx context.Context, ent *entitlement.UserPackage) error {
	kv := entitlementMeta(ent)
	kv = append(kv, "uses_consumed", ent.UsesConsumed, "max_uses", ent.MaxUses)
	return e.record(ctx, ActionUsageLimitReached, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, ent.ID.String(), CategoryAccess, nil, kv...)
}

// ──────────────────────────────────────────────────
// Voucher hooks
// ──────────────────────────────────────────────────

// OnVoucherIssued implements plugin.OnVoucherIssued. The code itself is a
// bearer credential and is never recorded.
func (e *Extension) OnVoucherIssued(ctx context.Context, v *voucher.Voucher) error {
	return e.record(ctx, ActionVoucherIssued, SeverityInfo, OutcomeSuccess,
		ResourceVoucher, v.ID.String(), CategoryPayment, nil,
		"buyer_id", v.BuyerID,
		"amount", v.Amount.String(),
		"payment_reference", v.PaymentReference,
		"expiry_date", v.ExpiryDate,
	)
}

// OnVoucherApplied implements plugin.OnVoucherApplied.
func (e *Extension) OnVoucherApplied(ctx context.Context, v *voucher.Voucher, amount types.Money, redeemerID string) error {
	outcome := OutcomePartial
	if v.IsRedeemed {
		outcome = OutcomeSuccess
	}
	return e.record(ctx, ActionVoucherApplied, SeverityInfo, outcome,
		ResourceVoucher, v.ID.String(), CategoryPayment, nil,
		"redeemer_id", redeemerID,
		"amount", amount.String(),
		"remaining", voucher.RemainingBalance(v).String(),
	)
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (e *Extension) OnSweepCompleted(ctx context.Context, r plugin.SweepReport) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if r.Errors > 0 {
		severity, outcome = SeverityWarning, OutcomePartial
	}
	return e.record(ctx, ActionSweepCompleted, severity, outcome,
		ResourceSweep, r.Kind, CategoryMaintenance, nil,
		"total", r.Total,
		"affected", r.Affected,
		"errors", r.Errors,
		"elapsed_ms", r.Elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func entitlementMeta(ent *entitlement.UserPackage) []any {
	return []any{
		"owner_id", ent.OwnerID,
		"plan_id", ent.PlanID.String(),
		"expiry_date", ent.ExpiryDate,
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
