package extension

import (
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/scheduler"
)

// Config holds the Entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler turns off the background sweeps. Use it on replicas
	// that only serve reads when another process runs the scheduler.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// RunExpiryOnStart runs one expiry sweep when the extension starts
	// (default: true).
	RunExpiryOnStart *bool `json:"run_expiry_on_start" mapstructure:"run_expiry_on_start" yaml:"run_expiry_on_start"`

	// Schedules are the cron specs for the sweeps. Empty fields take the
	// defaults; set a job to "-" to disable it.
	Schedules scheduler.Schedules `json:"schedules" mapstructure:"schedules" yaml:"schedules"`

	// LockTTL bounds how long a crashed replica can hold a sweep lock
	// (default: 30m).
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// LockPrefix namespaces the Redis lock keys (default: "entitle:lock").
	LockPrefix string `json:"lock_prefix" mapstructure:"lock_prefix" yaml:"lock_prefix"`

	// RedisAddr, when set and no client was supplied with WithRedis, makes
	// the extension dial Redis for cross-replica sweep locks.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// SweepConcurrency is the number of entitlements processed in parallel
	// by a sweep (default: 8).
	SweepConcurrency int `json:"sweep_concurrency" mapstructure:"sweep_concurrency" yaml:"sweep_concurrency"`

	// SweepPageSize is the store page size used by sweeps (default: 500).
	SweepPageSize int `json:"sweep_page_size" mapstructure:"sweep_page_size" yaml:"sweep_page_size"`

	// CodeAttempts bounds voucher code generation retries (default: 10).
	CodeAttempts int `json:"code_attempts" mapstructure:"code_attempts" yaml:"code_attempts"`

	// VoucherValidity is how long an issued voucher can be redeemed
	// (default: 30 days).
	VoucherValidity time.Duration `json:"voucher_validity" mapstructure:"voucher_validity" yaml:"voucher_validity"`

	// RedemptionPolicy is "full_cost" or "partial" (default: "full_cost").
	RedemptionPolicy string `json:"redemption_policy" mapstructure:"redemption_policy" yaml:"redemption_policy"`

	// Retention configures RetentionCleanup.
	Retention entitle.Retention `json:"retention" mapstructure:"retention" yaml:"retention"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// scheduleDisabled marks a job as turned off in Config.Schedules.
const scheduleDisabled = "-"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	run := true
	return Config{
		RunExpiryOnStart: &run,
		Schedules:        scheduler.DefaultSchedules(),
		LockTTL:          scheduler.DefaultLockTTL,
		LockPrefix:       "entitle:lock",
		SweepConcurrency: entitle.DefaultSweepConcurrency,
		SweepPageSize:    entitle.DefaultSweepPageSize,
		CodeAttempts:     entitle.DefaultCodeAttempts,
		VoucherValidity:  entitle.DefaultVoucherValidity,
		RedemptionPolicy: string(entitle.PolicyFullCost),
		Retention:        entitle.DefaultRetention(),
	}
}

// schedules resolves the "-" marker into the empty spec the scheduler
// treats as disabled.
func (c Config) schedules() scheduler.Schedules {
	s := c.Schedules
	for _, f := range []*string{&s.Expiry, &s.RenewalEligibility, &s.Retention} {
		if *f == scheduleDisabled {
			*f = ""
		}
	}
	return s
}

func (c Config) runExpiryOnStart() bool {
	return c.RunExpiryOnStart == nil || *c.RunExpiryOnStart
}
