package extension

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{SweepConcurrency: 2})
	d := DefaultConfig()

	if cfg.SweepConcurrency != 2 {
		t.Errorf("SweepConcurrency overwritten: %d", cfg.SweepConcurrency)
	}
	if cfg.Schedules != d.Schedules {
		t.Errorf("Schedules = %+v, want defaults", cfg.Schedules)
	}
	if !cfg.runExpiryOnStart() {
		t.Error("RunExpiryOnStart should default to true")
	}
	if cfg.RedemptionPolicy != string(entitle.PolicyFullCost) {
		t.Errorf("RedemptionPolicy = %q", cfg.RedemptionPolicy)
	}
	if cfg.Retention != entitle.DefaultRetention() {
		t.Errorf("Retention = %+v", cfg.Retention)
	}
}

func TestMergeConfigurations(t *testing.T) {
	off := false
	yaml := Config{
		Schedules:        scheduler.Schedules{Expiry: "*/30 * * * *"},
		RedemptionPolicy: "partial",
		RunExpiryOnStart: &off,
	}
	programmatic := Config{
		DisableMigrate:   true,
		RedemptionPolicy: "full_cost",
		Schedules:        scheduler.Schedules{Retention: "-"},
		RedisAddr:        "localhost:6379",
	}

	cfg := mergeConfigurations(yaml, programmatic)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"yaml schedule wins", cfg.Schedules.Expiry, "*/30 * * * *"},
		{"programmatic fills gap", cfg.Schedules.Retention, "-"},
		{"default fills rest", cfg.Schedules.RenewalEligibility, scheduler.DefaultEligibilitySchedule},
		{"yaml policy wins", cfg.RedemptionPolicy, "partial"},
		{"bool flag ORed", cfg.DisableMigrate, true},
		{"redis from code", cfg.RedisAddr, "localhost:6379"},
		{"run on start from yaml", cfg.runExpiryOnStart(), false},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if s := cfg.schedules(); s.Retention != "" {
		t.Errorf("disabled marker not resolved: %q", s.Retention)
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuild(t *testing.T) {
	t.Run("with scheduler", func(t *testing.T) {
		e := New(WithStore(memory.New()), WithLogger(quiet()), WithRunExpiryOnStart(false))
		e.config = mergeWithDefaults(e.config)
		if err := e.build(); err != nil {
			t.Fatalf("build: %v", err)
		}
		if e.Engine() == nil || e.Scheduler() == nil {
			t.Fatal("engine and scheduler should be wired")
		}
		if err := e.engine.Start(context.Background()); err != nil {
			t.Fatalf("engine Start: %v", err)
		}
		ran, err := e.Scheduler().RunNow(context.Background(), scheduler.JobExpiry)
		if !ran || err != nil {
			t.Errorf("RunNow: ran=%v err=%v", ran, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.Scheduler().Stop(ctx); err != nil {
			t.Errorf("scheduler Stop: %v", err)
		}
		if err := e.engine.Stop(); err != nil {
			t.Errorf("engine Stop: %v", err)
		}
	})

	t.Run("scheduler disabled", func(t *testing.T) {
		e := New(WithLogger(quiet()), WithDisableScheduler())
		e.config = mergeWithDefaults(e.config)
		if err := e.build(); err != nil {
			t.Fatalf("build: %v", err)
		}
		if e.Scheduler() != nil {
			t.Error("scheduler should be nil")
		}
	})

	t.Run("bad policy", func(t *testing.T) {
		e := New(WithLogger(quiet()), WithRedemptionPolicy("half"))
		e.config = mergeWithDefaults(e.config)
		if err := e.build(); err == nil {
			t.Error("expected error for unknown redemption policy")
		}
	})
}
