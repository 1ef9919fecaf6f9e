// Package plugin provides an extensible plugin system for Entitle.
// Plugins can hook into lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a plan is added to the catalog.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

// OnPlanArchived is called when a plan stops being purchasable.
type OnPlanArchived interface {
	Plugin
	OnPlanArchived(ctx context.Context, p *plan.Plan) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementPurchased is called after a purchase is persisted.
type OnEntitlementPurchased interface {
	Plugin
	OnEntitlementPurchased(ctx context.Context, e *entitlement.UserPackage) error
}

// OnEntitlementRenewed is called after a renewal is persisted.
type OnEntitlementRenewed interface {
	Plugin
	OnEntitlementRenewed(ctx context.Context, previous, next *entitlement.UserPackage) error
}

// OnEntitlementExpired is called when reconciliation deactivates an
// expired entitlement.
type OnEntitlementExpired interface {
	Plugin
	OnEntitlementExpired(ctx context.Context, e *entitlement.UserPackage) error
}

// OnRenewalEligible is called when an entitlement enters its renewal
// window.
type OnRenewalEligible interface {
	Plugin
	OnRenewalEligible(ctx context.Context, e *entitlement.UserPackage) error
}

// OnUsageLimitReached is called when a use is refused because the
// entitlement's cap is spent.
type OnUsageLimitReached interface {
	Plugin
	OnUsageLimitReached(ctx context.Context, e *entitlement.UserPackage) error
}

// ──────────────────────────────────────────────────
// Voucher hooks
// ──────────────────────────────────────────────────

// OnVoucherIssued is called after a voucher purchase is persisted.
type OnVoucherIssued interface {
	Plugin
	OnVoucherIssued(ctx context.Context, v *voucher.Voucher) error
}

// OnVoucherApplied is called after balance is consumed from a voucher.
type OnVoucherApplied interface {
	Plugin
	OnVoucherApplied(ctx context.Context, v *voucher.Voucher, amount types.Money, redeemerID string) error
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// SweepReport summarises one reconciliation sweep.
type SweepReport struct {
	Kind     string        `json:"kind"`
	Total    int           `json:"total"`
	Affected int           `json:"affected"`
	Errors   int           `json:"errors"`
	Elapsed  time.Duration `json:"elapsed"`
}

// OnSweepCompleted is called at the end of every sweep.
type OnSweepCompleted interface {
	Plugin
	OnSweepCompleted(ctx context.Context, report SweepReport) error
}
