package entitle

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"github.com/xraph/entitle/clock"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// Defaults for Engine configuration.
const (
	DefaultSweepConcurrency   = 8
	DefaultSweepPageSize      = 500
	DefaultSweepRetries       = 3
	DefaultSweepRetryInterval = 200 * time.Millisecond
	DefaultCodeAttempts       = 10
	DefaultApplyAttempts      = 5
	DefaultVoucherValidity    = voucher.DefaultValidity
	DefaultInactiveRetention  = 365 * 24 * time.Hour
)

// RedemptionPolicy decides how a voucher smaller than the plan price is
// handled by PurchaseWithVoucher.
type RedemptionPolicy string

const (
	// PolicyFullCost requires the voucher to cover the whole price.
	PolicyFullCost RedemptionPolicy = "full_cost"

	// PolicyPartial consumes what the voucher holds and requires a
	// completed top-up payment for the rest.
	PolicyPartial RedemptionPolicy = "partial"
)

// Valid reports whether p is a known policy.
func (p RedemptionPolicy) Valid() bool {
	return p == PolicyFullCost || p == PolicyPartial
}

// Retention configures RetentionCleanup.
type Retention struct {
	InactiveFor       time.Duration `json:"inactive_for" mapstructure:"inactive_for" yaml:"inactive_for"`
	SnapshotsPerOwner int           `json:"snapshots_per_owner" mapstructure:"snapshots_per_owner" yaml:"snapshots_per_owner"`
	SessionsFor       time.Duration `json:"sessions_for" mapstructure:"sessions_for" yaml:"sessions_for"`
}

// DefaultRetention returns the standard retention windows.
func DefaultRetention() Retention {
	return Retention{
		InactiveFor:       DefaultInactiveRetention,
		SnapshotsPerOwner: history.DefaultSnapshotsPerOwner,
		SessionsFor:       history.DefaultSessionRetention,
	}
}

// Engine is the package lifecycle and renewal engine.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   clock.Clock
	rand    io.Reader

	// Configuration
	sweepConcurrency   int
	sweepPageSize      int
	sweepRetries       uint64
	sweepRetryInterval time.Duration
	codeAttempts       int
	applyAttempts      int
	voucherValidity    time.Duration
	redemptionPolicy   RedemptionPolicy
	retention          Retention
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		clock:              clock.System{},
		rand:               rand.Reader,
		sweepConcurrency:   DefaultSweepConcurrency,
		sweepPageSize:      DefaultSweepPageSize,
		sweepRetries:       DefaultSweepRetries,
		sweepRetryInterval: DefaultSweepRetryInterval,
		codeAttempts:       DefaultCodeAttempts,
		applyAttempts:      DefaultApplyAttempts,
		voucherValidity:    DefaultVoucherValidity,
		redemptionPolicy:   PolicyFullCost,
		retention:          DefaultRetention(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRandSource sets the entropy source for voucher codes.
func WithRandSource(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) { e.plugins.WithTimeout(d) }
}

// WithSweepConcurrency sets the number of sweep workers.
func WithSweepConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepConcurrency = n
		}
	}
}

// WithSweepPageSize sets how many records a sweep lists per store call.
func WithSweepPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepPageSize = n
		}
	}
}

// WithSweepRetry configures the per-item retry of transient store errors.
func WithSweepRetry(maxRetries uint64, initialInterval time.Duration) Option {
	return func(e *Engine) {
		e.sweepRetries = maxRetries
		if initialInterval > 0 {
			e.sweepRetryInterval = initialInterval
		}
	}
}

// WithCodeAttempts sets how many voucher codes are tried before giving up.
func WithCodeAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.codeAttempts = n
		}
	}
}

// WithVoucherValidity sets how long new vouchers stay redeemable.
func WithVoucherValidity(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.voucherValidity = d
		}
	}
}

// WithRedemptionPolicy sets the PurchaseWithVoucher policy.
func WithRedemptionPolicy(p RedemptionPolicy) Option {
	return func(e *Engine) {
		if p.Valid() {
			e.redemptionPolicy = p
		}
	}
}

// WithRetention overrides the retention windows. Zero fields keep defaults.
func WithRetention(r Retention) Option {
	return func(e *Engine) {
		if r.InactiveFor > 0 {
			e.retention.InactiveFor = r.InactiveFor
		}
		if r.SnapshotsPerOwner > 0 {
			e.retention.SnapshotsPerOwner = r.SnapshotsPerOwner
		}
		if r.SessionsFor > 0 {
			e.retention.SessionsFor = r.SessionsFor
		}
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Clock returns the engine time source.
func (e *Engine) Clock() clock.Clock { return e.clock }

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return &PersistenceError{Op: "migrate", Err: err}
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("entitle started",
		"sweep_concurrency", e.sweepConcurrency,
		"redemption_policy", e.redemptionPolicy,
		"voucher_validity", e.voucherValidity,
	)

	return nil
}

// Stop shuts down plugins and closes the store.
func (e *Engine) Stop() error {
	e.plugins.EmitShutdown(context.Background())
	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan validates and stores a new catalog plan.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	p.Price = types.New(p.Price.Amount, p.Price.Currency)
	if err := p.Validate(); err != nil {
		return err
	}
	p.Entity = types.NewEntity(e.clock.Now())

	if err := e.store.CreatePlan(ctx, p); err != nil {
		return persistErr("create plan", err)
	}

	e.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	p, err := e.store.GetPlan(ctx, planID)
	return p, persistErr("get plan", err)
}

// GetPlanBySlug retrieves a plan by slug.
func (e *Engine) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	p, err := e.store.GetPlanBySlug(ctx, slug)
	return p, persistErr("get plan by slug", err)
}

// ListPlans lists catalog plans.
func (e *Engine) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	plans, err := e.store.ListPlans(ctx, opts)
	return plans, persistErr("list plans", err)
}

// ArchivePlan makes a plan unpurchasable. Existing entitlements are not
// touched.
func (e *Engine) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return persistErr("get plan", err)
	}
	if !p.Active {
		return nil
	}

	p.Active = false
	p.Touch(e.clock.Now())
	if err := e.store.UpdatePlan(ctx, p); err != nil {
		return persistErr("archive plan", err)
	}

	e.plugins.EmitPlanArchived(ctx, p)
	return nil
}

// ──────────────────────────────────────────────────
// History
// ──────────────────────────────────────────────────

// RecordSnapshot stores a point-in-time copy of user-supplied data.
func (e *Engine) RecordSnapshot(ctx context.Context, ownerID, kind string, payload map[string]any) (*history.Snapshot, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	s := &history.Snapshot{
		ID:        id.NewSnapshotID(),
		OwnerID:   ownerID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateSnapshot(ctx, s); err != nil {
		return nil, persistErr("create snapshot", err)
	}
	return s, nil
}

// RecordSession stores a session record lasting ttl.
func (e *Engine) RecordSession(ctx context.Context, ownerID string, ttl time.Duration) (*history.Session, error) {
	if ownerID == "" {
		return nil, ErrInvalidOwner
	}
	now := e.clock.Now()
	s := &history.Session{
		ID:        id.NewSessionID(),
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, persistErr("create session", err)
	}
	return s, nil
}
