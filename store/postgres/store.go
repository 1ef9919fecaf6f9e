package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/owner"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/voucher"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: entitle/postgres: %w", entitle.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.pg.NewInsert(toPlanModel(p)).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.ActiveOnly {
		argIdx++
		q = q.Where(fmt.Sprintf("active = $%d", argIdx), true)
	}
	if opts.Type != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("type = $%d", argIdx), string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.pg.NewUpdate(toPlanModel(p)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return affectedOr(res, entitle.ErrPlanNotFound)
}

func (s *Store) DeletePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.pg.NewDelete((*planModel)(nil)).
		Where("id = $1", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return affectedOr(res, entitle.ErrPlanNotFound)
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *entitlement.UserPackage) error {
	res, err := s.pg.NewInsert(toEntitlementModel(e)).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	m := new(entitlementModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", entID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrEntitlementNotFound
		}
		return nil, err
	}
	return fromEntitlementModel(m)
}

// UpdateEntitlement writes the mutable columns only while version still
// matches, so a stale copy never overwrites a newer one.
func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.UserPackage) (bool, error) {
	res, err := s.pg.NewUpdate((*entitlementModel)(nil)).
		Set("is_active = $1", e.IsActive).
		Set("uses_consumed = $2", e.UsesConsumed).
		Set("renewal_eligible_date = $3", e.RenewalEligibleDate).
		Set("is_renewal_eligible = $4", e.IsRenewalEligible).
		Set("renewed_to_id = $5", e.RenewedToID.String()).
		Set("deactivated_at = $6", e.DeactivatedAt).
		Set("updated_at = $7", e.UpdatedAt).
		Set("version = $8", e.Version+1).
		Where("id = $9", e.ID.String()).
		Where("version = $10", e.Version).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		e.Version++
		return true, nil
	}

	// Distinguish a lost race from a missing entitlement.
	if _, err := s.GetEntitlement(ctx, e.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) GetActiveEntitlement(ctx context.Context, ownerID string) (*entitlement.UserPackage, error) {
	m := new(entitlementModel)
	err := s.pg.NewSelect(m).
		Where("owner_id = $1", ownerID).
		Where("is_active = $2", true).
		OrderExpr("purchase_date DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrNoActiveEntitlement
		}
		return nil, err
	}
	return fromEntitlementModel(m)
}

func (s *Store) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	var models []entitlementModel
	q := s.pg.NewSelect(&models).Where("owner_id = $1", ownerID)

	if opts.ActiveOnly {
		q = q.Where("is_active = $2", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("purchase_date DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models)
}

func (s *Store) ListActiveEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	var models []entitlementModel
	q := s.pg.NewSelect(&models).Where("is_active = $1", true)

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models)
}

func (s *Store) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*entitlementModel)(nil)).
		Where("is_active = $1", false).
		Where("deactivated_at < $2", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Owner Store ====================

func (s *Store) GetOwner(ctx context.Context, ownerID string) (*owner.Owner, error) {
	m := new(ownerModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", ownerID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrOwnerNotFound
		}
		return nil, err
	}
	return fromOwnerModel(m)
}

func (s *Store) SetCurrent(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) error {
	m := &ownerModel{
		ID:                   ownerID,
		CurrentEntitlementID: entID.String(),
		UpdatedAt:            now,
	}
	_, err := s.pg.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("current_entitlement_id = EXCLUDED.current_entitlement_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// ClearCurrentIf clears the pointer in a single conditional UPDATE, so of
// two concurrent callers retiring the same entitlement exactly one wins.
func (s *Store) ClearCurrentIf(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) (bool, error) {
	res, err := s.pg.NewUpdate((*ownerModel)(nil)).
		Set("current_entitlement_id = $1", "").
		Set("updated_at = $2", now).
		Where("id = $3", ownerID).
		Where("current_entitlement_id = $4", entID.String()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ==================== Voucher Store ====================

func (s *Store) CreateVoucher(ctx context.Context, v *voucher.Voucher) error {
	res, err := s.pg.NewInsert(toVoucherModel(v)).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetVoucher(ctx context.Context, voucherID id.VoucherID) (*voucher.Voucher, error) {
	m := new(voucherModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", voucherID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrVoucherNotFound
		}
		return nil, err
	}
	return fromVoucherModel(m)
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	m := new(voucherModel)
	err := s.pg.NewSelect(m).
		Where("code = $1", code).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrVoucherNotFound
		}
		return nil, err
	}
	return fromVoucherModel(m)
}

func (s *Store) ListVouchers(ctx context.Context, buyerID string, opts voucher.ListOpts) ([]*voucher.Voucher, error) {
	var models []voucherModel
	q := s.pg.NewSelect(&models).Where("buyer_id = $1", buyerID)

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*voucher.Voucher, len(models))
	for i := range models {
		v, err := fromVoucherModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// UpdateVoucherUsage writes the redemption fields only while amount_used
// still equals expectedUsed.
func (s *Store) UpdateVoucherUsage(ctx context.Context, v *voucher.Voucher, expectedUsed int64) (bool, error) {
	res, err := s.pg.NewUpdate((*voucherModel)(nil)).
		Set("amount_used = $1", v.AmountUsed).
		Set("is_redeemed = $2", v.IsRedeemed).
		Set("redeemed_at = $3", v.RedeemedAt).
		Set("redeemed_by = $4", v.RedeemedBy).
		Set("updated_at = $5", v.UpdatedAt).
		Where("id = $6", v.ID.String()).
		Where("amount_used = $7", expectedUsed).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing voucher.
	if _, err := s.GetVoucher(ctx, v.ID); err != nil {
		return false, err
	}
	return false, nil
}

// ==================== History Store ====================

func (s *Store) CreateSnapshot(ctx context.Context, snap *history.Snapshot) error {
	_, err := s.pg.NewInsert(toSnapshotModel(snap)).Exec(ctx)
	return err
}

func (s *Store) ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*history.Snapshot, error) {
	var models []snapshotModel
	q := s.pg.NewSelect(&models).
		Where("owner_id = $1", ownerID).
		OrderExpr("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*history.Snapshot, len(models))
	for i := range models {
		snap, err := fromSnapshotModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = snap
	}
	return result, nil
}

func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := s.pg.NewDelete((*snapshotModel)(nil)).
		Where(`id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY owner_id ORDER BY created_at DESC, id DESC) AS rn
				FROM entitle_snapshots
			) ranked WHERE rn > $1
		)`, keep).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateSession(ctx context.Context, sess *history.Session) error {
	_, err := s.pg.NewInsert(toSessionModel(sess)).Exec(ctx)
	return err
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*history.Session, error) {
	var models []sessionModel
	err := s.pg.NewSelect(&models).
		Where("owner_id = $1", ownerID).
		OrderExpr("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*history.Session, len(models))
	for i := range models {
		sess, err := fromSessionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sess
	}
	return result, nil
}

func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*sessionModel)(nil)).
		Where("created_at < $1", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Helpers ====================

func fromEntitlementModels(models []entitlementModel) ([]*entitlement.UserPackage, error) {
	result := make([]*entitlement.UserPackage, len(models))
	for i := range models {
		e, err := fromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// affectedOr returns notFound when res touched no rows.
func affectedOr(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// insertedOrExists maps an ON CONFLICT DO NOTHING miss to ErrAlreadyExists.
func insertedOrExists(res sql.Result) error {
	return affectedOr(res, entitle.ErrAlreadyExists)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
