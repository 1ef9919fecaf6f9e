package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/owner"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// moneyModel is the embedded document form of types.Money.
type moneyModel struct {
	Amount   int64  `bson:"amount"`
	Currency string `bson:"currency"`
}

func toMoneyModel(m types.Money) moneyModel {
	return moneyModel{Amount: m.Amount, Currency: m.Currency}
}

func (m moneyModel) money() types.Money {
	return types.New(m.Amount, m.Currency)
}

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID           string            `grove:"id,pk"         bson:"_id"`
	Name         string            `grove:"name"          bson:"name"`
	Slug         string            `grove:"slug"          bson:"slug,omitempty"`
	Description  string            `grove:"description"   bson:"description"`
	Type         string            `grove:"type"          bson:"type"`
	Price        moneyModel        `grove:"price"         bson:"price"`
	DurationDays int               `grove:"duration_days" bson:"duration_days"`
	MaxUses      int               `grove:"max_uses"      bson:"max_uses"`
	Active       bool              `grove:"active"        bson:"active"`
	Metadata     map[string]string `grove:"metadata"      bson:"metadata,omitempty"`
	CreatedAt    time.Time         `grove:"created_at"    bson:"created_at"`
	UpdatedAt    time.Time         `grove:"updated_at"    bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:           p.ID.String(),
		Name:         p.Name,
		Slug:         p.Slug,
		Description:  p.Description,
		Type:         string(p.Type),
		Price:        toMoneyModel(p.Price),
		DurationDays: p.DurationDays,
		MaxUses:      p.MaxUses,
		Active:       p.Active,
		Metadata:     p.Metadata,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           planID,
		Name:         m.Name,
		Slug:         m.Slug,
		Description:  m.Description,
		Type:         plan.Type(m.Type),
		Price:        m.Price.money(),
		DurationDays: m.DurationDays,
		MaxUses:      m.MaxUses,
		Active:       m.Active,
		Metadata:     m.Metadata,
	}, nil
}

// ==================== Entitlement models ====================

type paymentModel struct {
	Method    string `bson:"method"`
	PaymentID string `bson:"payment_id"`
	Status    string `bson:"status"`
}

type entitlementModel struct {
	grove.BaseModel `grove:"table:entitle_user_packages"`

	ID                  string       `grove:"id,pk"                 bson:"_id"`
	OwnerID             string       `grove:"owner_id"              bson:"owner_id"`
	PlanID              string       `grove:"plan_id"               bson:"plan_id"`
	PackageType         string       `grove:"package_type"          bson:"package_type"`
	PurchaseDate        time.Time    `grove:"purchase_date"         bson:"purchase_date"`
	ExpiryDate          time.Time    `grove:"expiry_date"           bson:"expiry_date"`
	IsActive            bool         `grove:"is_active"             bson:"is_active"`
	UsesConsumed        int          `grove:"uses_consumed"         bson:"uses_consumed"`
	MaxUses             int          `grove:"max_uses"              bson:"max_uses"`
	Price               moneyModel   `grove:"price"                 bson:"price"`
	Payment             paymentModel `grove:"payment"               bson:"payment"`
	FundedByVoucher     bool         `grove:"funded_by_voucher"     bson:"funded_by_voucher"`
	VoucherCode         string       `grove:"voucher_code"          bson:"voucher_code,omitempty"`
	RenewalEligibleDate *time.Time   `grove:"renewal_eligible_date" bson:"renewal_eligible_date,omitempty"`
	IsRenewalEligible   bool         `grove:"is_renewal_eligible"   bson:"is_renewal_eligible"`
	RenewedFromID       string       `grove:"renewed_from_id"       bson:"renewed_from_id,omitempty"`
	RenewedToID         string       `grove:"renewed_to_id"         bson:"renewed_to_id,omitempty"`
	DeactivatedAt       *time.Time   `grove:"deactivated_at"        bson:"deactivated_at,omitempty"`
	Version             int64        `grove:"version"               bson:"version"`
	CreatedAt           time.Time    `grove:"created_at"            bson:"created_at"`
	UpdatedAt           time.Time    `grove:"updated_at"            bson:"updated_at"`
}

func toEntitlementModel(e *entitlement.UserPackage) *entitlementModel {
	return &entitlementModel{
		ID:           e.ID.String(),
		OwnerID:      e.OwnerID,
		PlanID:       e.PlanID.String(),
		PackageType:  string(e.PackageType),
		PurchaseDate: e.PurchaseDate,
		ExpiryDate:   e.ExpiryDate,
		IsActive:     e.IsActive,
		UsesConsumed: e.UsesConsumed,
		MaxUses:      e.MaxUses,
		Price:        toMoneyModel(e.Price),
		Payment: paymentModel{
			Method:    e.Payment.Method,
			PaymentID: e.Payment.PaymentID,
			Status:    string(e.Payment.Status),
		},
		FundedByVoucher:     e.FundedByVoucher,
		VoucherCode:         e.VoucherCode,
		RenewalEligibleDate: e.RenewalEligibleDate,
		IsRenewalEligible:   e.IsRenewalEligible,
		RenewedFromID:       e.RenewedFromID.String(),
		RenewedToID:         e.RenewedToID.String(),
		DeactivatedAt:       e.DeactivatedAt,
		Version:             e.Version,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}

func fromEntitlementModel(m *entitlementModel) (*entitlement.UserPackage, error) {
	entID, err := id.ParseEntitlementID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse entitlement id: %w", err)
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	fromID, err := id.ParseOptional(m.RenewedFromID)
	if err != nil {
		return nil, fmt.Errorf("parse renewed_from_id: %w", err)
	}
	toID, err := id.ParseOptional(m.RenewedToID)
	if err != nil {
		return nil, fmt.Errorf("parse renewed_to_id: %w", err)
	}
	return &entitlement.UserPackage{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           entID,
		OwnerID:      m.OwnerID,
		PlanID:       planID,
		PackageType:  plan.Type(m.PackageType),
		PurchaseDate: m.PurchaseDate,
		ExpiryDate:   m.ExpiryDate,
		IsActive:     m.IsActive,
		UsesConsumed: m.UsesConsumed,
		MaxUses:      m.MaxUses,
		Price:        m.Price.money(),
		Payment: entitlement.Payment{
			Method:    m.Payment.Method,
			PaymentID: m.Payment.PaymentID,
			Status:    entitlement.PaymentStatus(m.Payment.Status),
		},
		FundedByVoucher:     m.FundedByVoucher,
		VoucherCode:         m.VoucherCode,
		RenewalEligibleDate: m.RenewalEligibleDate,
		IsRenewalEligible:   m.IsRenewalEligible,
		RenewedFromID:       fromID,
		RenewedToID:         toID,
		DeactivatedAt:       m.DeactivatedAt,
		Version:             m.Version,
	}, nil
}

// ==================== Owner models ====================

type ownerModel struct {
	grove.BaseModel `grove:"table:entitle_owners"`

	ID                   string    `grove:"id,pk"                  bson:"_id"`
	CurrentEntitlementID string    `grove:"current_entitlement_id" bson:"current_entitlement_id"`
	UpdatedAt            time.Time `grove:"updated_at"             bson:"updated_at"`
}

func fromOwnerModel(m *ownerModel) (*owner.Owner, error) {
	current, err := id.ParseOptional(m.CurrentEntitlementID)
	if err != nil {
		return nil, fmt.Errorf("parse current_entitlement_id: %w", err)
	}
	return &owner.Owner{
		ID:                   m.ID,
		CurrentEntitlementID: current,
		UpdatedAt:            m.UpdatedAt,
	}, nil
}

// ==================== Voucher models ====================

type recipientModel struct {
	Name  string `bson:"name,omitempty"`
	Email string `bson:"email"`
}

type voucherModel struct {
	grove.BaseModel `grove:"table:entitle_vouchers"`

	ID               string         `grove:"id,pk"             bson:"_id"`
	Code             string         `grove:"code"              bson:"code"`
	Amount           moneyModel     `grove:"amount"            bson:"amount"`
	AmountUsed       int64          `grove:"amount_used"       bson:"amount_used"`
	BuyerID          string         `grove:"buyer_id"          bson:"buyer_id"`
	Recipient        recipientModel `grove:"recipient"         bson:"recipient"`
	Message          string         `grove:"message"           bson:"message,omitempty"`
	PaymentReference string         `grove:"payment_reference" bson:"payment_reference"`
	ExpiryDate       time.Time      `grove:"expiry_date"       bson:"expiry_date"`
	IsRedeemed       bool           `grove:"is_redeemed"       bson:"is_redeemed"`
	RedeemedAt       *time.Time     `grove:"redeemed_at"       bson:"redeemed_at,omitempty"`
	RedeemedBy       string         `grove:"redeemed_by"       bson:"redeemed_by,omitempty"`
	CreatedAt        time.Time      `grove:"created_at"        bson:"created_at"`
	UpdatedAt        time.Time      `grove:"updated_at"        bson:"updated_at"`
}

func toVoucherModel(v *voucher.Voucher) *voucherModel {
	return &voucherModel{
		ID:         v.ID.String(),
		Code:       v.Code,
		Amount:     toMoneyModel(v.Amount),
		AmountUsed: v.AmountUsed,
		BuyerID:    v.BuyerID,
		Recipient: recipientModel{
			Name:  v.Recipient.Name,
			Email: v.Recipient.Email,
		},
		Message:          v.Message,
		PaymentReference: v.PaymentReference,
		ExpiryDate:       v.ExpiryDate,
		IsRedeemed:       v.IsRedeemed,
		RedeemedAt:       v.RedeemedAt,
		RedeemedBy:       v.RedeemedBy,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

func fromVoucherModel(m *voucherModel) (*voucher.Voucher, error) {
	voucherID, err := id.ParseVoucherID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse voucher id: %w", err)
	}
	return &voucher.Voucher{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         voucherID,
		Code:       m.Code,
		Amount:     m.Amount.money(),
		AmountUsed: m.AmountUsed,
		BuyerID:    m.BuyerID,
		Recipient: voucher.Recipient{
			Name:  m.Recipient.Name,
			Email: m.Recipient.Email,
		},
		Message:          m.Message,
		PaymentReference: m.PaymentReference,
		ExpiryDate:       m.ExpiryDate,
		IsRedeemed:       m.IsRedeemed,
		RedeemedAt:       m.RedeemedAt,
		RedeemedBy:       m.RedeemedBy,
	}, nil
}

// ==================== History models ====================

type snapshotModel struct {
	grove.BaseModel `grove:"table:entitle_snapshots"`

	ID        string         `grove:"id,pk"      bson:"_id"`
	OwnerID   string         `grove:"owner_id"   bson:"owner_id"`
	Kind      string         `grove:"kind"       bson:"kind"`
	Payload   map[string]any `grove:"payload"    bson:"payload,omitempty"`
	CreatedAt time.Time      `grove:"created_at" bson:"created_at"`
}

func toSnapshotModel(s *history.Snapshot) *snapshotModel {
	return &snapshotModel{
		ID:        s.ID.String(),
		OwnerID:   s.OwnerID,
		Kind:      s.Kind,
		Payload:   s.Payload,
		CreatedAt: s.CreatedAt,
	}
}

func fromSnapshotModel(m *snapshotModel) (*history.Snapshot, error) {
	snapID, err := id.ParseSnapshotID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot id: %w", err)
	}
	return &history.Snapshot{
		ID:        snapID,
		OwnerID:   m.OwnerID,
		Kind:      m.Kind,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}, nil
}

type sessionModel struct {
	grove.BaseModel `grove:"table:entitle_sessions"`

	ID        string    `grove:"id,pk"      bson:"_id"`
	OwnerID   string    `grove:"owner_id"   bson:"owner_id"`
	CreatedAt time.Time `grove:"created_at" bson:"created_at"`
	ExpiresAt time.Time `grove:"expires_at" bson:"expires_at"`
}

func toSessionModel(s *history.Session) *sessionModel {
	return &sessionModel{
		ID:        s.ID.String(),
		OwnerID:   s.OwnerID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func fromSessionModel(m *sessionModel) (*history.Session, error) {
	sessID, err := id.ParseSessionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	return &history.Session{
		ID:        sessID,
		OwnerID:   m.OwnerID,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}, nil
}
