// Package memory is an in-process store.Store for tests and single-node
// development. Records are copied on the way in and out so callers never
// share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/owner"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/voucher"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	plans        map[string]*plan.Plan
	entitlements map[string]*entitlement.UserPackage
	owners       map[string]*owner.Owner
	vouchers     map[string]*voucher.Voucher
	voucherCodes map[string]string // code -> voucher id
	snapshots    map[string]*history.Snapshot
	sessions     map[string]*history.Session
}

func New() *Store {
	return &Store{
		plans:        make(map[string]*plan.Plan),
		entitlements: make(map[string]*entitlement.UserPackage),
		owners:       make(map[string]*owner.Owner),
		vouchers:     make(map[string]*voucher.Voucher),
		voucherCodes: make(map[string]string),
		snapshots:    make(map[string]*history.Snapshot),
		sessions:     make(map[string]*history.Session),
	}
}

// ──────────────────────────────────────────────────
// Plan Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	if p.Slug != "" {
		for _, existing := range s.plans {
			if existing.Slug == p.Slug {
				return entitle.ErrAlreadyExists
			}
		}
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, entitle.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return clonePlan(p), nil
		}
	}
	return nil, entitle.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.ActiveOnly && !p.Active {
			continue
		}
		if opts.Type != "" && p.Type != opts.Type {
			continue
		}
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return entitle.ErrPlanNotFound
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) DeletePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[planID.String()]; !exists {
		return entitle.ErrPlanNotFound
	}
	delete(s.plans, planID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateEntitlement(_ context.Context, e *entitlement.UserPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entitlements[e.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.entitlements[e.ID.String()] = e.Clone()
	return nil
}

func (s *Store) GetEntitlement(_ context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entitlements[entID.String()]; ok {
		return e.Clone(), nil
	}
	return nil, entitle.ErrEntitlementNotFound
}

func (s *Store) UpdateEntitlement(_ context.Context, e *entitlement.UserPackage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.entitlements[e.ID.String()]
	if !exists {
		return false, entitle.ErrEntitlementNotFound
	}
	if cur.Version != e.Version {
		return false, nil
	}
	e.Version++
	s.entitlements[e.ID.String()] = e.Clone()
	return true, nil
}

func (s *Store) GetActiveEntitlement(_ context.Context, ownerID string) (*entitlement.UserPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *entitlement.UserPackage
	for _, e := range s.entitlements {
		if e.OwnerID != ownerID || !e.IsActive {
			continue
		}
		if newest == nil || newerThan(e, newest) {
			newest = e
		}
	}
	if newest == nil {
		return nil, entitle.ErrNoActiveEntitlement
	}
	return newest.Clone(), nil
}

func (s *Store) ListEntitlements(_ context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.UserPackage, 0)
	for _, e := range s.entitlements {
		if e.OwnerID != ownerID || (opts.ActiveOnly && !e.IsActive) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return newerThan(result[i], result[j]) })

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListActiveEntitlements(_ context.Context, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.UserPackage, 0)
	for _, e := range s.entitlements {
		if e.IsActive {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.entitlements {
		if !e.IsActive && e.DeactivatedAt != nil && e.DeactivatedAt.Before(cutoff) {
			delete(s.entitlements, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Owner Store implementation
// ──────────────────────────────────────────────────

func (s *Store) GetOwner(_ context.Context, ownerID string) (*owner.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.owners[ownerID]; ok {
		c := *o
		return &c, nil
	}
	return nil, entitle.ErrOwnerNotFound
}

func (s *Store) SetCurrent(_ context.Context, ownerID string, entID id.EntitlementID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owners[ownerID] = &owner.Owner{ID: ownerID, CurrentEntitlementID: entID, UpdatedAt: now}
	return nil
}

func (s *Store) ClearCurrentIf(_ context.Context, ownerID string, entID id.EntitlementID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[ownerID]
	if !ok || !o.Points(entID) {
		return false, nil
	}
	o.CurrentEntitlementID = id.Nil
	o.UpdatedAt = now
	return true, nil
}

// ──────────────────────────────────────────────────
// Voucher Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateVoucher(_ context.Context, v *voucher.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vouchers[v.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	if _, taken := s.voucherCodes[v.Code]; taken {
		return entitle.ErrAlreadyExists
	}
	s.vouchers[v.ID.String()] = cloneVoucher(v)
	s.voucherCodes[v.Code] = v.ID.String()
	return nil
}

func (s *Store) GetVoucher(_ context.Context, voucherID id.VoucherID) (*voucher.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.vouchers[voucherID.String()]; ok {
		return cloneVoucher(v), nil
	}
	return nil, entitle.ErrVoucherNotFound
}

func (s *Store) GetVoucherByCode(_ context.Context, code string) (*voucher.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if vid, ok := s.voucherCodes[code]; ok {
		return cloneVoucher(s.vouchers[vid]), nil
	}
	return nil, entitle.ErrVoucherNotFound
}

func (s *Store) ListVouchers(_ context.Context, buyerID string, opts voucher.ListOpts) ([]*voucher.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*voucher.Voucher, 0)
	for _, v := range s.vouchers {
		if v.BuyerID == buyerID {
			result = append(result, cloneVoucher(v))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateVoucherUsage(_ context.Context, v *voucher.Voucher, expectedUsed int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.vouchers[v.ID.String()]
	if !ok {
		return false, entitle.ErrVoucherNotFound
	}
	if stored.AmountUsed != expectedUsed {
		return false, nil
	}
	stored.AmountUsed = v.AmountUsed
	stored.IsRedeemed = v.IsRedeemed
	stored.RedeemedBy = v.RedeemedBy
	stored.RedeemedAt = copyTime(v.RedeemedAt)
	stored.UpdatedAt = v.UpdatedAt
	return true, nil
}

// ──────────────────────────────────────────────────
// History Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSnapshot(_ context.Context, snap *history.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	s.snapshots[snap.ID.String()] = &c
	return nil
}

func (s *Store) ListSnapshots(_ context.Context, ownerID string, limit int) ([]*history.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.ownerSnapshots(ownerID)
	return page(result, 0, limit), nil
}

func (s *Store) PruneSnapshots(_ context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make(map[string]struct{})
	for _, snap := range s.snapshots {
		owners[snap.OwnerID] = struct{}{}
	}

	var n int64
	for ownerID := range owners {
		list := s.ownerSnapshots(ownerID)
		if len(list) <= keep {
			continue
		}
		for _, snap := range list[keep:] {
			delete(s.snapshots, snap.ID.String())
			n++
		}
	}
	return n, nil
}

// ownerSnapshots returns copies newest first. Caller holds the lock.
func (s *Store) ownerSnapshots(ownerID string) []*history.Snapshot {
	result := make([]*history.Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.OwnerID == ownerID {
			c := *snap
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() > result[j].ID.String()
	})
	return result
}

func (s *Store) CreateSession(_ context.Context, sess *history.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sess
	s.sessions[sess.ID.String()] = &c
	return nil
}

func (s *Store) ListSessions(_ context.Context, ownerID string) ([]*history.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*history.Session, 0)
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			c := *sess
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Store management
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}

// Helper functions

func page[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func newerThan(a, b *entitlement.UserPackage) bool {
	if !a.PurchaseDate.Equal(b.PurchaseDate) {
		return a.PurchaseDate.After(b.PurchaseDate)
	}
	return a.ID.String() > b.ID.String()
}

func clonePlan(p *plan.Plan) *plan.Plan {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneVoucher(v *voucher.Voucher) *voucher.Voucher {
	c := *v
	c.RedeemedAt = copyTime(v.RedeemedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
