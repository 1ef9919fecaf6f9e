// Package voucher implements prepaid gift vouchers: code generation,
// balance accounting and redemption rules. All functions are pure.
package voucher

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

const (
	// CodeLength is the number of symbols in a voucher code.
	CodeLength = 6

	// CodeAlphabet is the symbol set codes are drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// MaxMessageLength caps the gift message, in characters.
	MaxMessageLength = 200

	// DefaultValidity is how long a voucher can be redeemed after issue.
	DefaultValidity = 30 * 24 * time.Hour
)

var (
	ErrInvalidVoucher      = errors.New("entitle: invalid voucher")
	ErrInvalidAmount       = errors.New("entitle: invalid voucher amount")
	ErrCurrencyMismatch    = errors.New("entitle: currency mismatch")
	ErrVoucherExpired      = errors.New("entitle: voucher expired")
	ErrVoucherExhausted    = errors.New("entitle: voucher exhausted")
	ErrInsufficientBalance = errors.New("entitle: insufficient voucher balance")
)

// Status is the derived redemption state of a voucher.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
)

// Recipient is who the voucher was bought for.
type Recipient struct {
	Name  string `json:"name" validate:"max=150"`
	Email string `json:"email" validate:"required,email,max=254"`
}

var validate = validator.New()

// Voucher is a prepaid balance redeemable by code. AmountUsed is in the
// minor units of Amount.Currency and never decreases.
type Voucher struct {
	types.Entity
	ID               id.VoucherID `json:"id"`
	Code             string       `json:"code"`
	Amount           types.Money  `json:"amount"`
	AmountUsed       int64        `json:"amount_used"`
	BuyerID          string       `json:"buyer_id"`
	Recipient        Recipient    `json:"recipient"`
	Message          string       `json:"message,omitempty"`
	PaymentReference string       `json:"payment_reference"`
	ExpiryDate       time.Time    `json:"expiry_date"`
	IsRedeemed       bool         `json:"is_redeemed"`
	RedeemedAt       *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedBy       string       `json:"redeemed_by,omitempty"`
}

// Issue describes a voucher purchase.
type Issue struct {
	BuyerID          string
	Recipient        Recipient
	Amount           types.Money
	Message          string
	PaymentReference string
}

// New builds a voucher from a confirmed purchase. The code must already be
// known to be unique.
func New(in Issue, code string, validity time.Duration, now time.Time) (*Voucher, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	now = now.UTC()
	v := &Voucher{
		Entity:           types.NewEntity(now),
		ID:               id.NewVoucherID(),
		Code:             code,
		Amount:           types.New(in.Amount.Amount, in.Amount.Currency),
		BuyerID:          in.BuyerID,
		Recipient:        in.Recipient,
		Message:          in.Message,
		PaymentReference: in.PaymentReference,
		ExpiryDate:       now.Add(validity),
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks a voucher's static constraints.
func Validate(v *Voucher) error {
	switch {
	case !ValidCode(v.Code):
		return fmt.Errorf("%w: malformed code %q", ErrInvalidVoucher, v.Code)
	case !v.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	case !types.IsSupportedCurrency(v.Amount.Currency):
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidVoucher, v.Amount.Currency)
	case v.BuyerID == "":
		return fmt.Errorf("%w: buyer id is required", ErrInvalidVoucher)
	case v.PaymentReference == "":
		return fmt.Errorf("%w: payment reference is required", ErrInvalidVoucher)
	case utf8.RuneCountInString(v.Message) > MaxMessageLength:
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidVoucher, MaxMessageLength)
	case v.AmountUsed < 0 || v.AmountUsed > v.Amount.Amount:
		return fmt.Errorf("%w: amount used out of range", ErrInvalidVoucher)
	}
	if err := validate.Struct(v.Recipient); err != nil {
		return fmt.Errorf("%w: recipient: %v", ErrInvalidVoucher, err)
	}
	return nil
}

// ValidCode reports whether code has the voucher code shape.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
