package entitle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plugin"
)

// Sweep kinds reported through OnSweepCompleted.
const (
	SweepKindExpiry      = "expiry"
	SweepKindEligibility = "renewal_eligibility"
	SweepKindRetention   = "retention"
)

// ExpiryReport summarises SweepExpiry.
type ExpiryReport struct {
	Total   int           `json:"total"`
	Expired int           `json:"expired"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed"`
}

// EligibilityReport summarises SweepRenewalEligibility.
type EligibilityReport struct {
	Total       int           `json:"total"`
	Eligible    int           `json:"eligible"`
	NotEligible int           `json:"not_eligible"`
	Errors      int           `json:"errors"`
	Elapsed     time.Duration `json:"elapsed"`
}

// RetentionReport summarises RetentionCleanup.
type RetentionReport struct {
	EntitlementsDeleted int64         `json:"entitlements_deleted"`
	SnapshotsDeleted    int64         `json:"snapshots_deleted"`
	SessionsDeleted     int64         `json:"sessions_deleted"`
	Errors              int           `json:"errors"`
	Elapsed             time.Duration `json:"elapsed"`
}

// ──────────────────────────────────────────────────
// Expiry sweep
// ──────────────────────────────────────────────────

// SweepExpiry deactivates every active entitlement past its expiry date.
// Item failures are counted and logged; they never abort the sweep.
func (e *Engine) SweepExpiry(ctx context.Context) (ExpiryReport, error) {
	start := time.Now()
	now := e.clock.Now()

	var report ExpiryReport
	active, err := e.listActive(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(active)

	var expired, failed atomic.Int64
	err = e.forEach(ctx, active, func(ent *entitlement.UserPackage) error {
		return e.retry(ctx, func() error {
			current, err := e.store.GetEntitlement(ctx, ent.ID)
			if err != nil {
				return persistErr("get entitlement", err)
			}
			did, _, err := e.expire(ctx, current, now)
			if did {
				expired.Add(1)
			}
			return err
		})
	}, &failed)

	report.Expired = int(expired.Load())
	report.Errors = int(failed.Load())
	report.Elapsed = time.Since(start)

	e.logger.Info("expiry sweep completed",
		"total", report.Total,
		"expired", report.Expired,
		"errors", report.Errors,
		"elapsed", report.Elapsed,
	)
	e.plugins.EmitSweepCompleted(ctx, plugin.SweepReport{
		Kind:     SweepKindExpiry,
		Total:    report.Total,
		Affected: report.Expired,
		Errors:   report.Errors,
		Elapsed:  report.Elapsed,
	})
	return report, err
}

// ──────────────────────────────────────────────────
// Renewal eligibility sweep
// ──────────────────────────────────────────────────

// SweepRenewalEligibility refreshes the renewal flag of every active
// entitlement and notifies owners whose window just opened. Entitlements
// already past expiry are left to the expiry sweep.
func (e *Engine) SweepRenewalEligibility(ctx context.Context) (EligibilityReport, error) {
	start := time.Now()
	now := e.clock.Now()

	var report EligibilityReport
	active, err := e.listActive(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(active)

	var eligible, notEligible, failed atomic.Int64
	err = e.forEach(ctx, active, func(ent *entitlement.UserPackage) error {
		return e.retry(ctx, func() error {
			current, err := e.store.GetEntitlement(ctx, ent.ID)
			if err != nil {
				return persistErr("get entitlement", err)
			}
			if !current.IsActive || entitlement.IsExpired(current, now) {
				notEligible.Add(1)
				return nil
			}
			if err := e.refreshEligibility(ctx, current, now); err != nil {
				return err
			}
			if current.IsRenewalEligible {
				eligible.Add(1)
			} else {
				notEligible.Add(1)
			}
			return nil
		})
	}, &failed)

	report.Eligible = int(eligible.Load())
	report.NotEligible = int(notEligible.Load())
	report.Errors = int(failed.Load())
	report.Elapsed = time.Since(start)

	e.logger.Info("renewal eligibility sweep completed",
		"total", report.Total,
		"eligible", report.Eligible,
		"not_eligible", report.NotEligible,
		"errors", report.Errors,
		"elapsed", report.Elapsed,
	)
	e.plugins.EmitSweepCompleted(ctx, plugin.SweepReport{
		Kind:     SweepKindEligibility,
		Total:    report.Total,
		Affected: report.Eligible,
		Errors:   report.Errors,
		Elapsed:  report.Elapsed,
	})
	return report, err
}

// ──────────────────────────────────────────────────
// Retention
// ──────────────────────────────────────────────────

// RetentionCleanup deletes long-inactive entitlements, trims snapshots to
// the newest few per owner and deletes old sessions. Each step runs even
// if an earlier one failed.
func (e *Engine) RetentionCleanup(ctx context.Context) (RetentionReport, error) {
	start := time.Now()
	now := e.clock.Now()

	var report RetentionReport
	var errs MultiError

	step := func(name string, fn func() (int64, error)) int64 {
		var n int64
		err := e.retry(ctx, func() error {
			var err error
			n, err = fn()
			return persistErr(name, err)
		})
		if err != nil {
			report.Errors++
			errs.Add(err)
			e.logger.Warn("retention step failed", "step", name, "error", err)
		}
		return n
	}

	report.EntitlementsDeleted = step("delete inactive entitlements", func() (int64, error) {
		return e.store.DeleteInactiveBefore(ctx, now.Add(-e.retention.InactiveFor))
	})
	report.SnapshotsDeleted = step("prune snapshots", func() (int64, error) {
		return e.store.PruneSnapshots(ctx, e.retention.SnapshotsPerOwner)
	})
	report.SessionsDeleted = step("delete sessions", func() (int64, error) {
		return e.store.DeleteSessionsBefore(ctx, now.Add(-e.retention.SessionsFor))
	})
	report.Elapsed = time.Since(start)

	e.logger.Info("retention cleanup completed",
		"entitlements_deleted", report.EntitlementsDeleted,
		"snapshots_deleted", report.SnapshotsDeleted,
		"sessions_deleted", report.SessionsDeleted,
		"errors", report.Errors,
		"elapsed", report.Elapsed,
	)
	e.plugins.EmitSweepCompleted(ctx, plugin.SweepReport{
		Kind:     SweepKindRetention,
		Total:    3,
		Affected: int(report.EntitlementsDeleted + report.SnapshotsDeleted + report.SessionsDeleted),
		Errors:   report.Errors,
		Elapsed:  report.Elapsed,
	})

	if errs.HasErrors() {
		return report, errs
	}
	return report, nil
}

// ──────────────────────────────────────────────────
// Sweep plumbing
// ──────────────────────────────────────────────────

// listActive collects every active entitlement page by page before any is
// processed, so deactivations during the sweep cannot shift the pages.
func (e *Engine) listActive(ctx context.Context) ([]*entitlement.UserPackage, error) {
	var all []*entitlement.UserPackage
	for offset := 0; ; offset += e.sweepPageSize {
		var batch []*entitlement.UserPackage
		err := e.retry(ctx, func() error {
			var err error
			batch, err = e.store.ListActiveEntitlements(ctx, entitlement.ListOpts{
				ActiveOnly: true,
				Limit:      e.sweepPageSize,
				Offset:     offset,
			})
			return persistErr("list active entitlements", err)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < e.sweepPageSize {
			return all, nil
		}
	}
}

// forEach runs fn over items on a bounded pool. Failures increment failed
// and are logged. Cancelling ctx stops dispatch; in-flight items finish.
func (e *Engine) forEach(ctx context.Context, items []*entitlement.UserPackage, fn func(*entitlement.UserPackage) error, failed *atomic.Int64) error {
	p := pool.New().WithMaxGoroutines(e.sweepConcurrency)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		p.Go(func() {
			if err := fn(item); err != nil {
				failed.Add(1)
				e.logger.Warn("sweep item failed",
					"owner_id", item.OwnerID,
					"entitlement_id", item.ID.String(),
					"error", err,
				)
			}
		})
	}
	p.Wait()
	return ctx.Err()
}

// retry runs op with exponential backoff while it fails with a retryable
// error.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.sweepRetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, e.sweepRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
