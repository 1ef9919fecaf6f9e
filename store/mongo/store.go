package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/owner"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/voucher"
)

// Collection name constants.
const (
	colPlans        = "entitle_plans"
	colEntitlements = "entitle_user_packages"
	colOwners       = "entitle_owners"
	colVouchers     = "entitle_vouchers"
	colSnapshots    = "entitle_snapshots"
	colSessions     = "entitle_sessions"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: entitle/mongo: %s indexes: %w", entitle.ErrMigrationFailed, col, err)
		}
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
	_, err := s.mdb.NewInsert(toPlanModel(p)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list plans: %w", err)
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
	m := toPlanModel(p)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: update plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

func (s *Store) DeletePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.mdb.NewDelete((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete plan: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *entitlement.UserPackage) error {
	_, err := s.mdb.NewInsert(toEntitlementModel(e)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.UserPackage, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": entID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get entitlement: %w", err)
	}
	return fromEntitlementModel(&m)
}

// UpdateEntitlement matches on version so a stale copy misses instead of
// overwriting a newer one.
func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.UserPackage) (bool, error) {
	res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
		Filter(bson.M{"_id": e.ID.String(), "version": e.Version}).
		Set("is_active", e.IsActive).
		Set("uses_consumed", e.UsesConsumed).
		Set("renewal_eligible_date", e.RenewalEligibleDate).
		Set("is_renewal_eligible", e.IsRenewalEligible).
		Set("renewed_to_id", e.RenewedToID.String()).
		Set("deactivated_at", e.DeactivatedAt).
		Set("updated_at", e.UpdatedAt).
		Set("version", e.Version+1).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("entitle/mongo: update entitlement: %w", err)
	}
	if res.MatchedCount() > 0 {
		e.Version++
		return true, nil
	}
	if _, err := s.GetEntitlement(ctx, e.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) GetActiveEntitlement(ctx context.Context, ownerID string) (*entitlement.UserPackage, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"owner_id": ownerID, "is_active": true}).
		Sort(bson.D{{Key: "purchase_date", Value: -1}, {Key: "_id", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrNoActiveEntitlement
		}
		return nil, fmt.Errorf("entitle/mongo: get active entitlement: %w", err)
	}
	return fromEntitlementModel(&m)
}

func (s *Store) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.ActiveOnly {
		filter["is_active"] = true
	}
	return s.findEntitlements(ctx, filter,
		bson.D{{Key: "purchase_date", Value: -1}, {Key: "_id", Value: -1}}, opts)
}

func (s *Store) ListActiveEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	return s.findEntitlements(ctx, bson.M{"is_active": true},
		bson.D{{Key: "_id", Value: 1}}, opts)
}

func (s *Store) findEntitlements(ctx context.Context, filter bson.M, sort bson.D, opts entitlement.ListOpts) ([]*entitlement.UserPackage, error) {
	var models []entitlementModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(sort)

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list entitlements: %w", err)
	}

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

func (s *Store) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*entitlementModel)(nil)).
		Filter(bson.M{
			"is_active":      false,
			"deactivated_at": bson.M{"$lt": cutoff},
		}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: delete inactive entitlements: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Owner Store ====================

func (s *Store) GetOwner(ctx context.Context, ownerID string) (*owner.Owner, error) {
	var m ownerModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": ownerID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get owner: %w", err)
	}
	return fromOwnerModel(&m)
}

func (s *Store) SetCurrent(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) error {
	_, err := s.mdb.NewUpdate(&ownerModel{ID: ownerID}).
		Filter(bson.M{"_id": ownerID}).
		SetUpdate(bson.M{"$set": bson.M{
			"current_entitlement_id": entID.String(),
			"updated_at":             now,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: set current entitlement: %w", err)
	}
	return nil
}

// ClearCurrentIf matches on the current pointer so only one of several
// concurrent callers clears it.
func (s *Store) ClearCurrentIf(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) (bool, error) {
	res, err := s.mdb.NewUpdate((*ownerModel)(nil)).
		Filter(bson.M{"_id": ownerID, "current_entitlement_id": entID.String()}).
		Set("current_entitlement_id", "").
		Set("updated_at", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("entitle/mongo: clear current entitlement: %w", err)
	}
	return res.MatchedCount() > 0, nil
}

// ==================== Voucher Store ====================

func (s *Store) CreateVoucher(ctx context.Context, v *voucher.Voucher) error {
	_, err := s.mdb.NewInsert(toVoucherModel(v)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create voucher: %w", err)
	}
	return nil
}

func (s *Store) GetVoucher(ctx context.Context, voucherID id.VoucherID) (*voucher.Voucher, error) {
	return s.findVoucher(ctx, bson.M{"_id": voucherID.String()})
}

func (s *Store) GetVoucherByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	return s.findVoucher(ctx, bson.M{"code": code})
}

func (s *Store) findVoucher(ctx context.Context, filter bson.M) (*voucher.Voucher, error) {
	var m voucherModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrVoucherNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get voucher: %w", err)
	}
	return fromVoucherModel(&m)
}

func (s *Store) ListVouchers(ctx context.Context, buyerID string, opts voucher.ListOpts) ([]*voucher.Voucher, error) {
	var models []voucherModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"buyer_id": buyerID}).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list vouchers: %w", err)
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

// UpdateVoucherUsage matches on amount_used so a concurrent redemption
// makes this update miss instead of overwrite.
func (s *Store) UpdateVoucherUsage(ctx context.Context, v *voucher.Voucher, expectedUsed int64) (bool, error) {
	res, err := s.mdb.NewUpdate((*voucherModel)(nil)).
		Filter(bson.M{"_id": v.ID.String(), "amount_used": expectedUsed}).
		Set("amount_used", v.AmountUsed).
		Set("is_redeemed", v.IsRedeemed).
		Set("redeemed_at", v.RedeemedAt).
		Set("redeemed_by", v.RedeemedBy).
		Set("updated_at", v.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("entitle/mongo: update voucher usage: %w", err)
	}
	if res.MatchedCount() > 0 {
		return true, nil
	}
	if _, err := s.GetVoucher(ctx, v.ID); err != nil {
		return false, err
	}
	return false, nil
}

// ==================== History Store ====================

func (s *Store) CreateSnapshot(ctx context.Context, snap *history.Snapshot) error {
	_, err := s.mdb.NewInsert(toSnapshotModel(snap)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: create snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, ownerID string, limit int) ([]*history.Snapshot, error) {
	var models []snapshotModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"owner_id": ownerID}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list snapshots: %w", err)
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

// PruneSnapshots groups snapshots per owner newest first and deletes
// everything past the first keep.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	pipeline := bson.A{
		bson.M{"$sort": bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		bson.M{"$group": bson.M{
			"_id": "$owner_id",
			"ids": bson.M{"$push": "$_id"},
		}},
		bson.M{"$project": bson.M{
			"surplus": bson.M{"$slice": bson.A{"$ids", keep, bson.M{"$size": "$ids"}}},
		}},
		bson.M{"$match": bson.M{"surplus.0": bson.M{"$exists": true}}},
	}

	cursor, err := s.mdb.Collection(colSnapshots).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: prune snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []struct {
		Surplus []string `bson:"surplus"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return 0, fmt.Errorf("entitle/mongo: prune snapshots decode: %w", err)
	}

	var ids []string
	for _, g := range groups {
		ids = append(ids, g.Surplus...)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.mdb.NewDelete((*snapshotModel)(nil)).
		Filter(bson.M{"_id": bson.M{"$in": ids}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: prune snapshots: %w", err)
	}
	return res.DeletedCount(), nil
}

func (s *Store) CreateSession(ctx context.Context, sess *history.Session) error {
	_, err := s.mdb.NewInsert(toSessionModel(sess)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: create session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*history.Session, error) {
	var models []sessionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"owner_id": ownerID}).
		Sort(bson.D{{Key: "created_at", Value: -1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitle/mongo: list sessions: %w", err)
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
	res, err := s.mdb.NewDelete((*sessionModel)(nil)).
		Filter(bson.M{"created_at": bson.M{"$lt": cutoff}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: delete sessions: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys: bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"slug": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "type", Value: 1}}},
		},
		colEntitlements: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "is_active", Value: 1}, {Key: "purchase_date", Value: -1}}},
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "deactivated_at", Value: 1}}},
		},
		colOwners: {
			{Keys: bson.D{{Key: "current_entitlement_id", Value: 1}}},
		},
		colVouchers: {
			{
				Keys:    bson.D{{Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "buyer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colSnapshots: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colSessions: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}}},
		},
	}
}
