package voucher_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func issue(amount types.Money) voucher.Issue {
	return voucher.Issue{
		BuyerID:          "buyer-1",
		Recipient:        voucher.Recipient{Name: "Ada", Email: "ada@example.com"},
		Amount:           amount,
		Message:          "Happy birthday",
		PaymentReference: "pay_abc",
	}
}

func newVoucher(t *testing.T, amount types.Money) *voucher.Voucher {
	t.Helper()
	v, err := voucher.New(issue(amount), "ABC123", 0, t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := voucher.GenerateCode(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if !voucher.ValidCode(code) {
			t.Fatalf("invalid code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 195 {
		t.Errorf("too many collisions: %d unique of 200", len(seen))
	}
}

func TestGenerateCodeRejectsBiasedBytes(t *testing.T) {
	// 252..255 are above the largest multiple of 36 and must be skipped.
	src := bytes.NewReader(append(
		bytes.Repeat([]byte{255}, 12),
		[]byte{0, 1, 2, 35, 36, 71, 0, 0, 0, 0, 0, 0}...,
	))
	code, err := voucher.GenerateCode(src)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if code != "ABC9A9" {
		t.Errorf("got %q, want ABC9A9", code)
	}
}

func TestGenerateCodeShortRead(t *testing.T) {
	if _, err := voucher.GenerateCode(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Error("expected error on exhausted random source")
	}
}

func TestNew(t *testing.T) {
	v := newVoucher(t, types.NGN(500000))
	if !v.ExpiryDate.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Errorf("default validity: got %v", v.ExpiryDate)
	}
	if voucher.StatusOf(v, t0) != voucher.StatusActive {
		t.Errorf("status: got %s", voucher.StatusOf(v, t0))
	}

	v2, err := voucher.New(issue(types.USD(100)), "ZZZ999", 7*24*time.Hour, t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !v2.ExpiryDate.Equal(t0.Add(7 * 24 * time.Hour)) {
		t.Errorf("custom validity: got %v", v2.ExpiryDate)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *voucher.Issue)
		code   string
		want   error
	}{
		{"zero amount", func(in *voucher.Issue) { in.Amount = types.USD(0) }, "ABC123", voucher.ErrInvalidAmount},
		{"unsupported currency", func(in *voucher.Issue) { in.Amount = types.New(100, "jpy") }, "ABC123", voucher.ErrInvalidVoucher},
		{"long message", func(in *voucher.Issue) { in.Message = strings.Repeat("x", 201) }, "ABC123", voucher.ErrInvalidVoucher},
		{"bad email", func(in *voucher.Issue) { in.Recipient.Email = "nope" }, "ABC123", voucher.ErrInvalidVoucher},
		{"no buyer", func(in *voucher.Issue) { in.BuyerID = "" }, "ABC123", voucher.ErrInvalidVoucher},
		{"lowercase code", func(*voucher.Issue) {}, "abc123", voucher.ErrInvalidVoucher},
		{"short code", func(*voucher.Issue) {}, "ABC12", voucher.ErrInvalidVoucher},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := issue(types.USD(5000))
			tt.mutate(&in)
			if _, err := voucher.New(in, tt.code, 0, t0); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	in := issue(types.USD(5000))
	in.Message = strings.Repeat("é", 200)
	if _, err := voucher.New(in, "ABC123", 0, t0); err != nil {
		t.Errorf("200 characters should be allowed: %v", err)
	}
}

func TestApplyExactBalanceExhausts(t *testing.T) {
	v := newVoucher(t, types.USD(5000))
	now := t0.Add(time.Hour)

	if err := voucher.Apply(v, types.USD(5000), "user-9", now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v.AmountUsed != 5000 {
		t.Errorf("AmountUsed: got %d", v.AmountUsed)
	}
	if got := voucher.StatusOf(v, now); got != voucher.StatusExhausted {
		t.Errorf("status: got %s, want exhausted", got)
	}
	if !v.IsRedeemed || v.RedeemedBy != "user-9" || v.RedeemedAt == nil || !v.RedeemedAt.Equal(now) {
		t.Errorf("redemption fields not set: %+v", v)
	}

	if err := voucher.Apply(v, types.USD(1), "user-9", now); !errors.Is(err, voucher.ErrVoucherExhausted) {
		t.Errorf("expected ErrVoucherExhausted, got %v", err)
	}
}

func TestApplyInsufficientBalance(t *testing.T) {
	v := newVoucher(t, types.USD(5000))
	if err := voucher.Apply(v, types.USD(1000), "u", t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err := voucher.Apply(v, types.USD(6000), "u", t0)
	if !errors.Is(err, voucher.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if v.AmountUsed != 1000 {
		t.Errorf("AmountUsed changed: got %d", v.AmountUsed)
	}
	if got := voucher.RemainingBalance(v); !got.Equal(types.USD(4000)) {
		t.Errorf("RemainingBalance: got %v", got)
	}
}

func TestApplyRejects(t *testing.T) {
	tests := []struct {
		name   string
		amount types.Money
		at     time.Time
		want   error
	}{
		{"zero", types.USD(0), t0, voucher.ErrInvalidAmount},
		{"negative", types.USD(-5), t0, voucher.ErrInvalidAmount},
		{"other currency", types.EUR(100), t0, voucher.ErrCurrencyMismatch},
		{"expired", types.USD(100), t0.Add(31 * 24 * time.Hour), voucher.ErrVoucherExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVoucher(t, types.USD(5000))
			if err := voucher.Apply(v, tt.amount, "u", tt.at); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if v.AmountUsed != 0 {
				t.Error("failed apply must not change AmountUsed")
			}
		})
	}
}

func TestStatusPriority(t *testing.T) {
	v := newVoucher(t, types.USD(5000))
	if err := voucher.Apply(v, types.USD(5000), "u", t0); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	expired := v.ExpiryDate.Add(time.Second)
	if got := voucher.StatusOf(v, expired); got != voucher.StatusExpired {
		t.Errorf("expired and exhausted should report expired, got %s", got)
	}
	if got := voucher.StatusOf(v, v.ExpiryDate); got != voucher.StatusExhausted {
		t.Errorf("at expiry instant should not be expired, got %s", got)
	}
}

func TestRemainingBalanceClamped(t *testing.T) {
	v := newVoucher(t, types.USD(5000))
	v.AmountUsed = 7000
	if got := voucher.RemainingBalance(v); !got.IsZero() {
		t.Errorf("RemainingBalance should clamp to zero, got %v", got)
	}
}

func TestSummarize(t *testing.T) {
	v := newVoucher(t, types.GBP(2500))
	_ = voucher.Apply(v, types.GBP(500), "u", t0)

	s := voucher.Summarize(v, t0)
	if s.Code != "ABC123" || s.Status != voucher.StatusActive || !s.Remaining.Equal(types.GBP(2000)) {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := voucher.NormalizeCode("  abc123 "); got != "ABC123" {
		t.Errorf("NormalizeCode: got %q", got)
	}
}
