package voucher

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xraph/entitle/types"
)

// GenerateCode draws CodeLength symbols uniformly from CodeAlphabet using
// rand, which should be crypto/rand.Reader in production.
func GenerateCode(rand io.Reader) (string, error) {
	const n = len(CodeAlphabet)
	// Largest multiple of n below 256; bytes at or above it are rejected.
	limit := 256 - 256%n

	var b strings.Builder
	b.Grow(CodeLength)
	buf := make([]byte, CodeLength*2)
	for b.Len() < CodeLength {
		if _, err := io.ReadFull(rand, buf); err != nil {
			return "", fmt.Errorf("voucher: generate code: %w", err)
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			b.WriteByte(CodeAlphabet[int(c)%n])
			if b.Len() == CodeLength {
				break
			}
		}
	}
	return b.String(), nil
}

// IsExpired reports whether now is strictly after the expiry date.
func IsExpired(v *Voucher, now time.Time) bool {
	return now.After(v.ExpiryDate)
}

// RemainingBalance is Amount minus AmountUsed, never negative.
func RemainingBalance(v *Voucher) types.Money {
	rem := v.Amount.Amount - v.AmountUsed
	if rem < 0 {
		rem = 0
	}
	return types.Money{Amount: rem, Currency: v.Amount.Currency}
}

// StatusOf derives the status. Expiry takes precedence over exhaustion.
func StatusOf(v *Voucher, now time.Time) Status {
	switch {
	case IsExpired(v, now):
		return StatusExpired
	case RemainingBalance(v).IsZero():
		return StatusExhausted
	default:
		return StatusActive
	}
}

// Apply consumes amount from v on behalf of redeemer. On any error v is
// left untouched.
func Apply(v *Voucher, amount types.Money, redeemer string, now time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !amount.SameCurrency(v.Amount) {
		return fmt.Errorf("%w: voucher is %s, charge is %s", ErrCurrencyMismatch, v.Amount.Currency, amount.Currency)
	}
	switch StatusOf(v, now) {
	case StatusExpired:
		return ErrVoucherExpired
	case StatusExhausted:
		return ErrVoucherExhausted
	}
	remaining := RemainingBalance(v)
	if amount.GreaterThan(remaining) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, amount, remaining)
	}

	now = now.UTC()
	v.AmountUsed += amount.Amount
	if RemainingBalance(v).IsZero() {
		v.IsRedeemed = true
		v.RedeemedAt = &now
		v.RedeemedBy = redeemer
	}
	v.Touch(now)
	return nil
}

// Summary is the read-side view of a voucher.
type Summary struct {
	Code       string      `json:"code"`
	Status     Status      `json:"status"`
	Amount     types.Money `json:"amount"`
	Remaining  types.Money `json:"remaining"`
	ExpiryDate time.Time   `json:"expiry_date"`
	IsRedeemed bool        `json:"is_redeemed"`
}

// Summarize builds the read-side view at now.
func Summarize(v *Voucher, now time.Time) *Summary {
	return &Summary{
		Code:       v.Code,
		Status:     StatusOf(v, now),
		Amount:     v.Amount,
		Remaining:  RemainingBalance(v),
		ExpiryDate: v.ExpiryDate,
		IsRedeemed: v.IsRedeemed,
	}
}
