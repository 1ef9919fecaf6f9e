// Package types provides value types shared across Entitle.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Money is a monetary value in the smallest currency unit.
// All arithmetic is integer-only.
//
// Examples:
//   - USD(4900) = $49.00
//   - NGN(500000) = ₦5,000.00 rendered as "₦5000.00"
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, kobo, paise, ...)
	Currency string `json:"currency"` // ISO 4217 lowercase
}

// Supported currency codes. Vouchers may only be issued in one of these.
const (
	CurrencyUSD = "usd"
	CurrencyEUR = "eur"
	CurrencyGBP = "gbp"
	CurrencyNGN = "ngn"
	CurrencyINR = "inr"
)

var supportedCurrencies = map[string]string{
	CurrencyUSD: "$",
	CurrencyEUR: "€",
	CurrencyGBP: "£",
	CurrencyNGN: "₦",
	CurrencyINR: "₹",
}

// SupportedCurrencies returns the fixed set of currency codes.
func SupportedCurrencies() []string {
	return []string{CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyNGN, CurrencyINR}
}

// IsSupportedCurrency reports whether code is in the fixed currency set.
func IsSupportedCurrency(code string) bool {
	_, ok := supportedCurrencies[strings.ToLower(code)]
	return ok
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: CurrencyUSD} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: CurrencyEUR} }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return Money{Amount: pence, Currency: CurrencyGBP} }

// NGN creates a Money value in Nigerian Naira (kobo).
func NGN(kobo int64) Money { return Money{Amount: kobo, Currency: CurrencyNGN} }

// INR creates a Money value in Indian Rupees (paise).
func INR(paise int64) Money { return Money{Amount: paise, Currency: CurrencyINR} }

// New creates a Money value, normalising the currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(other Money) bool {
	return strings.EqualFold(m.Currency, other.Currency)
}

// Equal returns true if both Money values have the same amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.SameCurrency(other)
}

// LessThan returns true if this Money is less than other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount < other.Amount
}

// GreaterThan returns true if this Money is greater than other. Panics if currencies don't match.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount > other.Amount
}

// Min returns the smaller of two Money values. Panics if currencies don't match.
func (m Money) Min(other Money) Money {
	m.assertSameCurrency(other)
	if m.Amount < other.Amount {
		return m
	}
	return other
}

// FormatMajor returns the major unit string without symbol: "49.00" for USD(4900).
func (m Money) FormatMajor() string {
	abs := m.Amount
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String returns a human-readable string with currency symbol.
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = New(raw.Amount, raw.Currency)
	return nil
}

func (m Money) assertSameCurrency(other Money) {
	if !m.SameCurrency(other) {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

func currencySymbol(currency string) string {
	if sym, ok := supportedCurrencies[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}
