package postgres

import (
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

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID           string            `grove:"id,pk"`
	Name         string            `grove:"name"`
	Slug         string            `grove:"slug"`
	Description  string            `grove:"description"`
	Type         string            `grove:"type"`
	PriceAmount  int64             `grove:"price_amount"`
	Currency     string            `grove:"currency"`
	DurationDays int               `grove:"duration_days"`
	MaxUses      int               `grove:"max_uses"`
	Active       bool              `grove:"active"`
	Metadata     map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt    time.Time         `grove:"created_at"`
	UpdatedAt    time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:           p.ID.String(),
		Name:         p.Name,
		Slug:         p.Slug,
		Description:  p.Description,
		Type:         string(p.Type),
		PriceAmount:  p.Price.Amount,
		Currency:     p.Price.Currency,
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
		return nil, err
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
		Price:        types.New(m.PriceAmount, m.Currency),
		DurationDays: m.DurationDays,
		MaxUses:      m.MaxUses,
		Active:       m.Active,
		Metadata:     m.Metadata,
	}, nil
}

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:entitle_user_packages"`

	ID                  string     `grove:"id,pk"`
	OwnerID             string     `grove:"owner_id"`
	PlanID              string     `grove:"plan_id"`
	PackageType         string     `grove:"package_type"`
	PurchaseDate        time.Time  `grove:"purchase_date"`
	ExpiryDate          time.Time  `grove:"expiry_date"`
	IsActive            bool       `grove:"is_active"`
	UsesConsumed        int        `grove:"uses_consumed"`
	MaxUses             int        `grove:"max_uses"`
	PriceAmount         int64      `grove:"price_amount"`
	Currency            string     `grove:"currency"`
	PaymentMethod       string     `grove:"payment_method"`
	PaymentID           string     `grove:"payment_id"`
	PaymentStatus       string     `grove:"payment_status"`
	FundedByVoucher     bool       `grove:"funded_by_voucher"`
	VoucherCode         string     `grove:"voucher_code"`
	RenewalEligibleDate *time.Time `grove:"renewal_eligible_date"`
	IsRenewalEligible   bool       `grove:"is_renewal_eligible"`
	RenewedFromID       string     `grove:"renewed_from_id"`
	RenewedToID         string     `grove:"renewed_to_id"`
	DeactivatedAt       *time.Time `grove:"deactivated_at"`
	Version             int64      `grove:"version"`
	CreatedAt           time.Time  `grove:"created_at"`
	UpdatedAt           time.Time  `grove:"updated_at"`
}

func toEntitlementModel(e *entitlement.UserPackage) *entitlementModel {
	return &entitlementModel{
		ID:                  e.ID.String(),
		OwnerID:             e.OwnerID,
		PlanID:              e.PlanID.String(),
		PackageType:         string(e.PackageType),
		PurchaseDate:        e.PurchaseDate,
		ExpiryDate:          e.ExpiryDate,
		IsActive:            e.IsActive,
		UsesConsumed:        e.UsesConsumed,
		MaxUses:             e.MaxUses,
		PriceAmount:         e.Price.Amount,
		Currency:            e.Price.Currency,
		PaymentMethod:       e.Payment.Method,
		PaymentID:           e.Payment.PaymentID,
		PaymentStatus:       string(e.Payment.Status),
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
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}
	fromID, err := id.ParseOptional(m.RenewedFromID)
	if err != nil {
		return nil, err
	}
	toID, err := id.ParseOptional(m.RenewedToID)
	if err != nil {
		return nil, err
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
		Price:        types.New(m.PriceAmount, m.Currency),
		Payment: entitlement.Payment{
			Method:    m.PaymentMethod,
			PaymentID: m.PaymentID,
			Status:    entitlement.PaymentStatus(m.PaymentStatus),
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

	ID                   string    `grove:"id,pk"`
	CurrentEntitlementID string    `grove:"current_entitlement_id"`
	UpdatedAt            time.Time `grove:"updated_at"`
}

func fromOwnerModel(m *ownerModel) (*owner.Owner, error) {
	current, err := id.ParseOptional(m.CurrentEntitlementID)
	if err != nil {
		return nil, err
	}
	return &owner.Owner{
		ID:                   m.ID,
		CurrentEntitlementID: current,
		UpdatedAt:            m.UpdatedAt,
	}, nil
}

// ==================== Voucher models ====================

type voucherModel struct {
	grove.BaseModel `grove:"table:entitle_vouchers"`

	ID               string     `grove:"id,pk"`
	Code             string     `grove:"code"`
	Amount           int64      `grove:"amount"`
	Currency         string     `grove:"currency"`
	AmountUsed       int64      `grove:"amount_used"`
	BuyerID          string     `grove:"buyer_id"`
	RecipientName    string     `grove:"recipient_name"`
	RecipientEmail   string     `grove:"recipient_email"`
	Message          string     `grove:"message"`
	PaymentReference string     `grove:"payment_reference"`
	ExpiryDate       time.Time  `grove:"expiry_date"`
	IsRedeemed       bool       `grove:"is_redeemed"`
	RedeemedAt       *time.Time `grove:"redeemed_at"`
	RedeemedBy       string     `grove:"redeemed_by"`
	CreatedAt        time.Time  `grove:"created_at"`
	UpdatedAt        time.Time  `grove:"updated_at"`
}

func toVoucherModel(v *voucher.Voucher) *voucherModel {
	return &voucherModel{
		ID:               v.ID.String(),
		Code:             v.Code,
		Amount:           v.Amount.Amount,
		Currency:         v.Amount.Currency,
		AmountUsed:       v.AmountUsed,
		BuyerID:          v.BuyerID,
		RecipientName:    v.Recipient.Name,
		RecipientEmail:   v.Recipient.Email,
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
		return nil, err
	}
	return &voucher.Voucher{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         voucherID,
		Code:       m.Code,
		Amount:     types.New(m.Amount, m.Currency),
		AmountUsed: m.AmountUsed,
		BuyerID:    m.BuyerID,
		Recipient: voucher.Recipient{
			Name:  m.RecipientName,
			Email: m.RecipientEmail,
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

	ID        string         `grove:"id,pk"`
	OwnerID   string         `grove:"owner_id"`
	Kind      string         `grove:"kind"`
	Payload   map[string]any `grove:"payload,type:jsonb"`
	CreatedAt time.Time      `grove:"created_at"`
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
		return nil, err
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

	ID        string    `grove:"id,pk"`
	OwnerID   string    `grove:"owner_id"`
	CreatedAt time.Time `grove:"created_at"`
	ExpiresAt time.Time `grove:"expires_at"`
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
		return nil, err
	}
	return &history.Session{
		ID:        sessID,
		OwnerID:   m.OwnerID,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}, nil
}
