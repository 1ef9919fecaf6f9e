// Package notifyhook forwards renewal and expiry events to a Notifier,
// typically an email or push delivery service.
package notifyhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnRenewalEligible    = (*Extension)(nil)
	_ plugin.OnEntitlementExpired = (*Extension)(nil)
)

// Kind identifies the notice being sent.
type Kind string

const (
	KindRenewalEligible Kind = "renewal_eligible"
	KindExpired         Kind = "expired"
)

// Notice is the payload handed to a Notifier.
type Notice struct {
	Kind                Kind       `json:"kind"`
	OwnerID             string     `json:"owner_id"`
	EntitlementID       string     `json:"entitlement_id"`
	PlanID              string     `json:"plan_id"`
	ExpiryDate          time.Time  `json:"expiry_date"`
	RenewalEligibleDate *time.Time `json:"renewal_eligible_date,omitempty"`
}

// Notifier delivers notices. Delivery is best effort; errors are logged.
type Notifier interface {
	Notify(ctx context.Context, n *Notice) error
}

// NotifierFunc is an adapter to use a plain function as a Notifier.
type NotifierFunc func(ctx context.Context, n *Notice) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n *Notice) error { return f(ctx, n) }

// Extension is an Entitle plugin that turns lifecycle events into notices.
type Extension struct {
	notifier Notifier
	kinds    map[Kind]bool // nil = all
	logger   *slog.Logger
}

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithKinds restricts the notices sent.
func WithKinds(kinds ...Kind) Option {
	return func(e *Extension) {
		e.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			e.kinds[k] = true
		}
	}
}

// New creates an Extension sending through n.
func New(n Notifier, opts ...Option) *Extension {
	e := &Extension{notifier: n, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "notify-hook" }

// OnRenewalEligible implements plugin.OnRenewalEligible.
func (e *Extension) OnRenewalEligible(ctx context.Context, ent *entitlement.UserPackage) error {
	return e.send(ctx, KindRenewalEligible, ent)
}

// OnEntitlementExpired implements plugin.OnEntitlementExpired.
func (e *Extension) OnEntitlementExpired(ctx context.Context, ent *entitlement.UserPackage) error {
	return e.send(ctx, KindExpired, ent)
}

func (e *Extension) send(ctx context.Context, kind Kind, ent *entitlement.UserPackage) error {
	if e.kinds != nil && !e.kinds[kind] {
		return nil
	}
	n := &Notice{
		Kind:          kind,
		OwnerID:       ent.OwnerID,
		EntitlementID: ent.ID.String(),
		PlanID:        ent.PlanID.String(),
		ExpiryDate:    ent.ExpiryDate,
	}
	if ent.RenewalEligibleDate != nil {
		t := *ent.RenewalEligibleDate
		n.RenewalEligibleDate = &t
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notify_hook: delivery failed",
			"kind", string(kind),
			"owner_id", ent.OwnerID,
			"entitlement_id", n.EntitlementID,
			"error", err,
		)
	}
	return nil
}
