package entitle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

// flakyStore fails GetEntitlement while failures remain. A negative
// count fails forever.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

var errConnReset = errors.New("connection reset")

func (s *flakyStore) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	s.calls.Add(1)
	if n := s.failures.Load(); n < 0 {
		return nil, errConnReset
	} else if n > 0 && s.failures.CompareAndSwap(n, n-1) {
		return nil, errConnReset
	}
	return s.Store.GetEntitlement(ctx, entID)
}

func TestSweepExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, entitle.WithSweepPageSize(2))
	short := h.plan(t, 30, 0, types.USD(1000))
	long := h.plan(t, 90, 0, types.USD(2500))

	for _, owner := range []string{"a", "b", "c", "d"} {
		h.buy(t, owner, short)
	}
	h.buy(t, "e", long)

	h.clock.Set(t0.Add(31 * day))
	report, err := h.engine.SweepExpiry(ctx)
	if err != nil {
		t.Fatalf("SweepExpiry: %v", err)
	}
	if report.Total != 5 || report.Expired != 4 || report.Errors != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if n := h.events.count(func(r *recorder) int { return r.expired }); n != 4 {
		t.Errorf("OnEntitlementExpired: got %d", n)
	}

	o, err := h.store.GetOwner(ctx, "a")
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if !o.CurrentEntitlementID.IsNil() {
		t.Errorf("owner pointer should be cleared, got %s", o.CurrentEntitlementID)
	}

	again, err := h.engine.SweepExpiry(ctx)
	if err != nil {
		t.Fatalf("second SweepExpiry: %v", err)
	}
	if again.Total != 1 || again.Expired != 0 {
		t.Errorf("second sweep should be a no-op, got %+v", again)
	}

	h.events.mu.Lock()
	last := h.events.sweeps[len(h.events.sweeps)-1]
	h.events.mu.Unlock()
	if last.Kind != entitle.SweepKindExpiry || last.Total != 1 {
		t.Errorf("unexpected sweep report: %+v", last)
	}
}

func TestSweepRenewalEligibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	short := h.plan(t, 30, 0, types.USD(1000))
	long := h.plan(t, 90, 0, types.USD(2500))

	h.buy(t, "a", short)
	h.buy(t, "b", short)
	h.buy(t, "c", long)

	// The 36h window for the 30 day plans opened at day 28.5.
	h.clock.Set(t0.Add(29 * day))
	report, err := h.engine.SweepRenewalEligibility(ctx)
	if err != nil {
		t.Fatalf("SweepRenewalEligibility: %v", err)
	}
	if report.Total != 3 || report.Eligible != 2 || report.NotEligible != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if n := h.events.count(func(r *recorder) int { return r.eligible }); n != 2 {
		t.Errorf("OnRenewalEligible: got %d", n)
	}

	// Re-running keeps the flags but does not notify twice.
	if _, err := h.engine.SweepRenewalEligibility(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n := h.events.count(func(r *recorder) int { return r.eligible }); n != 2 {
		t.Errorf("OnRenewalEligible after rerun: got %d", n)
	}

	// Past expiry the eligibility sweep leaves the entitlement to the expiry sweep.
	h.clock.Set(t0.Add(31 * day))
	report, err = h.engine.SweepRenewalEligibility(ctx)
	if err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if report.Eligible != 0 || report.NotEligible != 3 {
		t.Errorf("unexpected report after expiry: %+v", report)
	}
	ent, _ := h.engine.ListEntitlements(ctx, "a", entitlement.ListOpts{})
	if len(ent) != 1 || !ent[0].IsActive {
		t.Errorf("eligibility sweep must not deactivate: %+v", ent)
	}
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	var fs *flakyStore
	h := newHarnessOn(t, func(m *memory.Store) store.Store {
		fs = &flakyStore{Store: m}
		return fs
	})
	p := h.plan(t, 30, 0, types.USD(1000))
	h.buy(t, "a", p)
	h.buy(t, "b", p)
	h.clock.Set(t0.Add(31 * day))

	fs.failures.Store(1)
	report, err := h.engine.SweepExpiry(ctx)
	if err != nil {
		t.Fatalf("SweepExpiry: %v", err)
	}
	if report.Expired != 2 || report.Errors != 0 {
		t.Errorf("transient failure should be retried, got %+v", report)
	}
}

func TestSweepCountsPersistentFailures(t *testing.T) {
	ctx := context.Background()
	var fs *flakyStore
	h := newHarnessOn(t, func(m *memory.Store) store.Store {
		fs = &flakyStore{Store: m}
		return fs
	})
	p := h.plan(t, 30, 0, types.USD(1000))
	h.buy(t, "a", p)
	h.buy(t, "b", p)
	h.clock.Set(t0.Add(31 * day))

	fs.calls.Store(0)
	fs.failures.Store(-1)
	report, err := h.engine.SweepExpiry(ctx)
	if err != nil {
		t.Fatalf("item failures must not fail the sweep: %v", err)
	}
	if report.Total != 2 || report.Expired != 0 || report.Errors != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
	// One attempt plus two retries per item.
	if got := fs.calls.Load(); got != 6 {
		t.Errorf("GetEntitlement calls: got %d, want 6", got)
	}
	if n := h.events.count(func(r *recorder) int { return r.expired }); n != 0 {
		t.Errorf("no expiry should be emitted, got %d", n)
	}
}

func TestSweepStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(1000))
	h.buy(t, "a", p)
	h.clock.Set(t0.Add(31 * day))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.engine.SweepExpiry(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Expired != 0 {
		t.Errorf("nothing should be processed after cancel, got %+v", report)
	}
}

func TestRetentionCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, 30, 0, types.USD(1000))
	h.buy(t, "a", p)

	if _, err := h.engine.RecordSession(ctx, "a", time.Hour); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	for i := 0; i < 12; i++ {
		h.clock.Advance(time.Minute)
		if _, err := h.engine.RecordSnapshot(ctx, "a", "questionnaire", map[string]any{"n": i}); err != nil {
			t.Fatalf("RecordSnapshot: %v", err)
		}
	}

	h.clock.Set(t0.Add(31 * day))
	if _, err := h.engine.SweepExpiry(ctx); err != nil {
		t.Fatalf("SweepExpiry: %v", err)
	}

	// Nothing is old enough yet except surplus snapshots.
	report, err := h.engine.RetentionCleanup(ctx)
	if err != nil {
		t.Fatalf("RetentionCleanup: %v", err)
	}
	if report.EntitlementsDeleted != 0 || report.SnapshotsDeleted != 2 || report.SessionsDeleted != 0 {
		t.Errorf("unexpected first report: %+v", report)
	}

	h.clock.Set(t0.Add(31*day + 366*day))
	report, err = h.engine.RetentionCleanup(ctx)
	if err != nil {
		t.Fatalf("RetentionCleanup: %v", err)
	}
	if report.EntitlementsDeleted != 1 || report.SnapshotsDeleted != 0 || report.SessionsDeleted != 1 {
		t.Errorf("unexpected second report: %+v", report)
	}

	snaps, _ := h.store.ListSnapshots(ctx, "a", 0)
	if len(snaps) != 10 {
		t.Errorf("snapshots kept: got %d", len(snaps))
	}

	h.events.mu.Lock()
	last := h.events.sweeps[len(h.events.sweeps)-1]
	h.events.mu.Unlock()
	if last.Kind != entitle.SweepKindRetention || last.Affected != 2 {
		t.Errorf("unexpected sweep report: %+v", last)
	}
}

func TestRecordHistoryRejectsEmptyOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.engine.RecordSnapshot(ctx, "", "questionnaire", nil); !errors.Is(err, entitle.ErrInvalidOwner) {
		t.Errorf("RecordSnapshot: expected ErrInvalidOwner, got %v", err)
	}
	if _, err := h.engine.RecordSession(ctx, "", time.Hour); !errors.Is(err, entitle.ErrInvalidOwner) {
		t.Errorf("RecordSession: expected ErrInvalidOwner, got %v", err)
	}
}

// renewAfterRead renews the owner's package right after a sweep has read
// it, so the sweep's write-back carries a stale copy.
type renewAfterRead struct {
	*memory.Store
	engine *entitle.Engine
	planID id.PlanID
	armed  atomic.Bool
	next   *entitlement.UserPackage
	err    error
}

func (s *renewAfterRead) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	ent, err := s.Store.GetEntitlement(ctx, entID)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		s.next, s.err = s.engine.Renew(ctx, ent.OwnerID, s.planID, card("racing"))
	}
	return ent, err
}

func TestSweepDoesNotResurrectRenewedEntitlement(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		at    time.Duration
		sweep func(*entitle.Engine) error
	}{
		{"eligibility", 29 * day, func(e *entitle.Engine) error {
			_, err := e.SweepRenewalEligibility(ctx)
			return err
		}},
		{"expiry", 30*day + time.Hour, func(e *entitle.Engine) error {
			_, err := e.SweepExpiry(ctx)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var st *renewAfterRead
			h := newHarnessOn(t, func(m *memory.Store) store.Store {
				st = &renewAfterRead{Store: m}
				return st
			})
			p := h.plan(t, 30, 0, types.USD(4900))
			old := h.buy(t, "user-1", p)
			st.engine, st.planID = h.engine, p.ID

			h.clock.Set(t0.Add(tt.at))
			st.armed.Store(true)
			if err := tt.sweep(h.engine); err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if st.err != nil || st.next == nil {
				t.Fatalf("renewal during sweep: %v", st.err)
			}

			stored, _ := h.store.GetEntitlement(ctx, old.ID)
			if stored.IsActive || !stored.RenewedToID.Equal(st.next.ID) {
				t.Errorf("renewed package overwritten: active=%v renewedTo=%s", stored.IsActive, stored.RenewedToID)
			}

			active, err := h.store.ListEntitlements(ctx, "user-1", entitlement.ListOpts{ActiveOnly: true})
			if err != nil {
				t.Fatalf("ListEntitlements: %v", err)
			}
			if len(active) != 1 || !active[0].ID.Equal(st.next.ID) {
				t.Fatalf("expected only the successor active, got %d", len(active))
			}

			o, _ := h.store.GetOwner(ctx, "user-1")
			if !o.Points(st.next.ID) {
				t.Error("owner pointer should name the successor")
			}
			if n := h.events.count(func(r *recorder) int { return r.expired + r.eligible }); n != 0 {
				t.Errorf("stale sweep emitted %d events", n)
			}
		})
	}
}
