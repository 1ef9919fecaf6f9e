package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// DefaultTimeout bounds each plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook lists are cached per interface at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onPlanCreated          []OnPlanCreated
	onPlanArchived         []OnPlanArchived
	onEntitlementPurchased []OnEntitlementPurchased
	onEntitlementRenewed   []OnEntitlementRenewed
	onEntitlementExpired   []OnEntitlementExpired
	onRenewalEligible      []OnRenewalEligible
	onUsageLimitReached    []OnUsageLimitReached
	onVoucherIssued        []OnVoucherIssued
	onVoucherApplied       []OnVoucherApplied
	onSweepCompleted       []OnSweepCompleted
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-plugin call timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
	}
	if v, ok := p.(OnPlanArchived); ok {
		r.onPlanArchived = append(r.onPlanArchived, v)
	}
	if v, ok := p.(OnEntitlementPurchased); ok {
		r.onEntitlementPurchased = append(r.onEntitlementPurchased, v)
	}
	if v, ok := p.(OnEntitlementRenewed); ok {
		r.onEntitlementRenewed = append(r.onEntitlementRenewed, v)
	}
	if v, ok := p.(OnEntitlementExpired); ok {
		r.onEntitlementExpired = append(r.onEntitlementExpired, v)
	}
	if v, ok := p.(OnRenewalEligible); ok {
		r.onRenewalEligible = append(r.onRenewalEligible, v)
	}
	if v, ok := p.(OnUsageLimitReached); ok {
		r.onUsageLimitReached = append(r.onUsageLimitReached, v)
	}
	if v, ok := p.(OnVoucherIssued); ok {
		r.onVoucherIssued = append(r.onVoucherIssued, v)
	}
	if v, ok := p.(OnVoucherApplied); ok {
		r.onVoucherApplied = append(r.onVoucherApplied, v)
	}
	if v, ok := p.(OnSweepCompleted); ok {
		r.onSweepCompleted = append(r.onSweepCompleted, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name  string
	iface reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnPlanCreated", reflect.TypeOf((*OnPlanCreated)(nil)).Elem()},
	{"OnPlanArchived", reflect.TypeOf((*OnPlanArchived)(nil)).Elem()},
	{"OnEntitlementPurchased", reflect.TypeOf((*OnEntitlementPurchased)(nil)).Elem()},
	{"OnEntitlementRenewed", reflect.TypeOf((*OnEntitlementRenewed)(nil)).Elem()},
	{"OnEntitlementExpired", reflect.TypeOf((*OnEntitlementExpired)(nil)).Elem()},
	{"OnRenewalEligible", reflect.TypeOf((*OnRenewalEligible)(nil)).Elem()},
	{"OnUsageLimitReached", reflect.TypeOf((*OnUsageLimitReached)(nil)).Elem()},
	{"OnVoucherIssued", reflect.TypeOf((*OnVoucherIssued)(nil)).Elem()},
	{"OnVoucherApplied", reflect.TypeOf((*OnVoucherApplied)(nil)).Elem()},
	{"OnSweepCompleted", reflect.TypeOf((*OnSweepCompleted)(nil)).Elem()},
}

func implementedInterfaces(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if t.Implements(h.iface) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every hook in list. Failures and timeouts are logged
// and never returned.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, fn func(T) error) {
	r.mu.RLock()
	hooks := *list
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, pl *plan.Plan) {
	emit(ctx, r, "OnPlanCreated", &r.onPlanCreated, func(p OnPlanCreated) error { return p.OnPlanCreated(ctx, pl) })
}

// EmitPlanArchived emits a plan archived event.
func (r *Registry) EmitPlanArchived(ctx context.Context, pl *plan.Plan) {
	emit(ctx, r, "OnPlanArchived", &r.onPlanArchived, func(p OnPlanArchived) error { return p.OnPlanArchived(ctx, pl) })
}

// EmitEntitlementPurchased emits a purchase event.
func (r *Registry) EmitEntitlementPurchased(ctx context.Context, e *entitlement.UserPackage) {
	emit(ctx, r, "OnEntitlementPurchased", &r.onEntitlementPurchased, func(p OnEntitlementPurchased) error {
		return p.OnEntitlementPurchased(ctx, e)
	})
}

// EmitEntitlementRenewed emits a renewal event.
func (r *Registry) EmitEntitlementRenewed(ctx context.Context, previous, next *entitlement.UserPackage) {
	emit(ctx, r, "OnEntitlementRenewed", &r.onEntitlementRenewed, func(p OnEntitlementRenewed) error {
		return p.OnEntitlementRenewed(ctx, previous, next)
	})
}

// EmitEntitlementExpired emits an expiry event.
func (r *Registry) EmitEntitlementExpired(ctx context.Context, e *entitlement.UserPackage) {
	emit(ctx, r, "OnEntitlementExpired", &r.onEntitlementExpired, func(p OnEntitlementExpired) error {
		return p.OnEntitlementExpired(ctx, e)
	})
}

// EmitRenewalEligible emits a renewal window opened event.
func (r *Registry) EmitRenewalEligible(ctx context.Context, e *entitlement.UserPackage) {
	emit(ctx, r, "OnRenewalEligible", &r.onRenewalEligible, func(p OnRenewalEligible) error {
		return p.OnRenewalEligible(ctx, e)
	})
}

// EmitUsageLimitReached emits a usage cap event.
func (r *Registry) EmitUsageLimitReached(ctx context.Context, e *entitlement.UserPackage) {
	emit(ctx, r, "OnUsageLimitReached", &r.onUsageLimitReached, func(p OnUsageLimitReached) error {
		return p.OnUsageLimitReached(ctx, e)
	})
}

// EmitVoucherIssued emits a voucher issued event.
func (r *Registry) EmitVoucherIssued(ctx context.Context, v *voucher.Voucher) {
	emit(ctx, r, "OnVoucherIssued", &r.onVoucherIssued, func(p OnVoucherIssued) error {
		return p.OnVoucherIssued(ctx, v)
	})
}

// EmitVoucherApplied emits a voucher applied event.
func (r *Registry) EmitVoucherApplied(ctx context.Context, v *voucher.Voucher, amount types.Money, redeemerID string) {
	emit(ctx, r, "OnVoucherApplied", &r.onVoucherApplied, func(p OnVoucherApplied) error {
		return p.OnVoucherApplied(ctx, v, amount, redeemerID)
	})
}

// EmitSweepCompleted emits a sweep completed event.
func (r *Registry) EmitSweepCompleted(ctx context.Context, report SweepReport) {
	emit(ctx, r, "OnSweepCompleted", &r.onSweepCompleted, func(p OnSweepCompleted) error {
		return p.OnSweepCompleted(ctx, report)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins never block the lifecycle pipeline for longer than the timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
