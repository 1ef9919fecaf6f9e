package extension

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store"
)

// Option configures the Entitle Forge extension.
type Option func(*Extension)

// WithStore sets the store for the entitle engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes an entitle.Option through to the underlying engine.
func WithEngineOption(opt entitle.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an entitle plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithPlugin(p))
	}
}

// WithLogger sets the structured logger shared by the engine and the
// scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithRedis supplies the client used for cross-replica sweep locks.
// The extension does not close a client it did not create.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Extension) { e.redis = client }
}

// WithLocker overrides the sweep lock implementation.
func WithLocker(l scheduler.Locker) Option {
	return func(e *Extension) { e.locker = l }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableScheduler turns off the background sweeps.
func WithDisableScheduler() Option {
	return func(e *Extension) { e.config.DisableScheduler = true }
}

// WithRunExpiryOnStart controls the expiry sweep run at start.
func WithRunExpiryOnStart(run bool) Option {
	return func(e *Extension) { e.config.RunExpiryOnStart = &run }
}

// WithSchedules sets the sweep cron specs.
func WithSchedules(s scheduler.Schedules) Option {
	return func(e *Extension) { e.config.Schedules = s }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSweepConcurrency sets the number of sweep workers.
func WithSweepConcurrency(n int) Option {
	return func(e *Extension) { e.config.SweepConcurrency = n }
}

// WithVoucherValidity sets how long new vouchers stay redeemable.
func WithVoucherValidity(d time.Duration) Option {
	return func(e *Extension) { e.config.VoucherValidity = d }
}

// WithRedemptionPolicy sets the PurchaseWithVoucher policy.
func WithRedemptionPolicy(p entitle.RedemptionPolicy) Option {
	return func(e *Extension) { e.config.RedemptionPolicy = string(p) }
}
