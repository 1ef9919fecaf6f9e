// Package extension provides the Forge extension adapter for Entitle.
//
// It implements the forge.Extension interface to integrate Entitle
// into a Forge application with DI registration, lifecycle management
// and the background sweep scheduler.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.entitle" or "entitle" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "entitle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Time-boxed package entitlements, renewals and gift vouchers"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Entitle as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *entitle.Engine
	scheduler  *scheduler.Scheduler
	store      store.Store
	logger     *slog.Logger
	engineOpts []entitle.Option

	redis     redis.UniversalClient
	ownsRedis bool
	locker    scheduler.Locker
}

// New creates a new Entitle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Engine.
// This is nil until Register is called.
func (e *Extension) Engine() *entitle.Engine { return e.engine }

// Scheduler returns the sweep scheduler, or nil when it is disabled.
func (e *Extension) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine and scheduler, and registers them in the DI
// container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*entitle.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	if e.scheduler == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*scheduler.Scheduler, error) {
		return e.scheduler, nil
	})
}

// build wires the engine and scheduler from the resolved config.
func (e *Extension) build() error {
	if e.logger == nil {
		e.logger = slog.Default()
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = entitle.New(e.store, opts...)

	if e.config.DisableScheduler {
		return nil
	}

	locker := e.locker
	if locker == nil {
		if e.redis == nil && e.config.RedisAddr != "" {
			e.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{e.config.RedisAddr}})
			e.ownsRedis = true
		}
		if e.redis != nil {
			locker = scheduler.NewRedisLocker(e.redis, e.config.LockPrefix)
		}
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithSchedules(e.config.schedules()),
		scheduler.WithLockTTL(e.config.LockTTL),
		scheduler.WithRunExpiryOnStart(e.config.runExpiryOnStart()),
	}
	if locker != nil {
		schedOpts = append(schedOpts, scheduler.WithLocker(locker))
	}
	e.scheduler = scheduler.New(e.engine, schedOpts...)
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	if e.scheduler != nil {
		if err := e.scheduler.Start(); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension]. Running sweeps get until ctx is done
// to finish.
func (e *Extension) Stop(ctx context.Context) error {
	var errs []error

	if e.scheduler != nil {
		if err := e.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
	}
	if e.ownsRedis && e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("entitle: store not initialized")
	}
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("entitle: redis: %w", err)
		}
	}
	return nil
}

// buildEngineOpts constructs entitle.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]entitle.Option, error) {
	policy := entitle.RedemptionPolicy(e.config.RedemptionPolicy)
	if !policy.Valid() {
		return nil, fmt.Errorf("entitle: unknown redemption_policy %q", e.config.RedemptionPolicy)
	}

	opts := make([]entitle.Option, 0, len(e.engineOpts)+7)
	opts = append(opts,
		entitle.WithLogger(e.logger),
		entitle.WithSweepConcurrency(e.config.SweepConcurrency),
		entitle.WithSweepPageSize(e.config.SweepPageSize),
		entitle.WithCodeAttempts(e.config.CodeAttempts),
		entitle.WithVoucherValidity(e.config.VoucherValidity),
		entitle.WithRedemptionPolicy(policy),
		entitle.WithRetention(e.config.Retention),
	)

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("entitle: configuration is required but not found in config files; " +
				"ensure 'extensions.entitle' or 'entitle' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("entitle: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("run_expiry_on_start", e.config.runExpiryOnStart()),
		forge.F("expiry_schedule", e.config.Schedules.Expiry),
		forge.F("eligibility_schedule", e.config.Schedules.RenewalEligibility),
		forge.F("retention_schedule", e.config.Schedules.Retention),
		forge.F("redemption_policy", e.config.RedemptionPolicy),
		forge.F("redis_locks", e.redis != nil || e.config.RedisAddr != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.entitle", "entitle"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("entitle: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("entitle: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.RunExpiryOnStart == nil {
		cfg.RunExpiryOnStart = d.RunExpiryOnStart
	}
	if cfg.Schedules.Expiry == "" {
		cfg.Schedules.Expiry = d.Schedules.Expiry
	}
	if cfg.Schedules.RenewalEligibility == "" {
		cfg.Schedules.RenewalEligibility = d.Schedules.RenewalEligibility
	}
	if cfg.Schedules.Retention == "" {
		cfg.Schedules.Retention = d.Schedules.Retention
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = d.LockTTL
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = d.LockPrefix
	}
	if cfg.SweepConcurrency == 0 {
		cfg.SweepConcurrency = d.SweepConcurrency
	}
	if cfg.SweepPageSize == 0 {
		cfg.SweepPageSize = d.SweepPageSize
	}
	if cfg.CodeAttempts == 0 {
		cfg.CodeAttempts = d.CodeAttempts
	}
	if cfg.VoucherValidity == 0 {
		cfg.VoucherValidity = d.VoucherValidity
	}
	if cfg.RedemptionPolicy == "" {
		cfg.RedemptionPolicy = d.RedemptionPolicy
	}
	if cfg.Retention.InactiveFor == 0 {
		cfg.Retention.InactiveFor = d.Retention.InactiveFor
	}
	if cfg.Retention.SnapshotsPerOwner == 0 {
		cfg.Retention.SnapshotsPerOwner = d.Retention.SnapshotsPerOwner
	}
	if cfg.Retention.SessionsFor == 0 {
		cfg.Retention.SessionsFor = d.Retention.SessionsFor
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}
	if yamlConfig.RunExpiryOnStart == nil {
		yamlConfig.RunExpiryOnStart = programmaticConfig.RunExpiryOnStart
	}

	// String fields: YAML takes precedence.
	fillString(&yamlConfig.Schedules.Expiry, programmaticConfig.Schedules.Expiry)
	fillString(&yamlConfig.Schedules.RenewalEligibility, programmaticConfig.Schedules.RenewalEligibility)
	fillString(&yamlConfig.Schedules.Retention, programmaticConfig.Schedules.Retention)
	fillString(&yamlConfig.LockPrefix, programmaticConfig.LockPrefix)
	fillString(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)
	fillString(&yamlConfig.RedemptionPolicy, programmaticConfig.RedemptionPolicy)

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.LockTTL == 0 {
		yamlConfig.LockTTL = programmaticConfig.LockTTL
	}
	if yamlConfig.SweepConcurrency == 0 {
		yamlConfig.SweepConcurrency = programmaticConfig.SweepConcurrency
	}
	if yamlConfig.SweepPageSize == 0 {
		yamlConfig.SweepPageSize = programmaticConfig.SweepPageSize
	}
	if yamlConfig.CodeAttempts == 0 {
		yamlConfig.CodeAttempts = programmaticConfig.CodeAttempts
	}
	if yamlConfig.VoucherValidity == 0 {
		yamlConfig.VoucherValidity = programmaticConfig.VoucherValidity
	}
	if yamlConfig.Retention == (entitle.Retention{}) {
		yamlConfig.Retention = programmaticConfig.Retention
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}

func fillString(dst *string, fallback string) {
	if *dst == "" {
		*dst = fallback
	}
}
