package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4900, "usd", "$49.00"},
		{"EUR", EUR(19900), 19900, "eur", "€199.00"},
		{"GBP", GBP(9900), 9900, "gbp", "£99.00"},
		{"NGN", NGN(500000), 500000, "ngn", "₦5000.00"},
		{"INR", INR(7550), 7550, "inr", "₹75.50"},
		{"New normalises", New(100, "USD"), 100, "usd", "$1.00"},
		{"Zero EUR", Zero("EUR"), 0, "eur", "€0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return USD(100).Add(USD(200)) }, USD(300)},
		{"Subtract", func() Money { return USD(500).Subtract(USD(200)) }, USD(300)},
		{"Min", func() Money { return USD(500).Min(USD(200)) }, USD(200)},
		{"Mixed case currency", func() Money { return New(100, "USD").Add(USD(1)) }, USD(101)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.op()
			if !result.Equal(tt.expected) {
				t.Errorf("Got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD(100).Add(EUR(100))
}

func TestMoneyComparison(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Money
		less    bool
		greater bool
		equal   bool
	}{
		{"Equal", USD(100), USD(100), false, false, true},
		{"Less", USD(50), USD(100), true, false, false},
		{"Greater", USD(200), USD(100), false, true, false},
		{"Zero equal", USD(0), Zero("usd"), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.LessThan(tt.b); got != tt.less {
				t.Errorf("LessThan: got %v, want %v", got, tt.less)
			}
			if got := tt.a.GreaterThan(tt.b); got != tt.greater {
				t.Errorf("GreaterThan: got %v, want %v", got, tt.greater)
			}
			if got := tt.a.Equal(tt.b); got != tt.equal {
				t.Errorf("Equal: got %v, want %v", got, tt.equal)
			}
		})
	}
}

func TestMoneyFormatMajor(t *testing.T) {
	tests := []struct {
		money    Money
		expected string
	}{
		{USD(4900), "49.00"},
		{USD(1), "0.01"},
		{USD(0), "0.00"},
		{USD(-4900), "-49.00"},
		{EUR(9999), "99.99"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.expected {
				t.Errorf("FormatMajor: got %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(USD(4900))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	expected := `{"amount":4900,"currency":"usd","display":"$49.00"}`
	if string(data) != expected {
		t.Errorf("JSON: got %s, want %s", string(data), expected)
	}

	var back Money
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !back.Equal(USD(4900)) {
		t.Errorf("Unmarshal: got %v", back)
	}
}

func TestSupportedCurrencies(t *testing.T) {
	for _, c := range SupportedCurrencies() {
		if !IsSupportedCurrency(c) {
			t.Errorf("%s should be supported", c)
		}
	}
	if !IsSupportedCurrency("USD") {
		t.Error("currency check should be case-insensitive")
	}
	if IsSupportedCurrency("jpy") {
		t.Error("jpy is not in the fixed set")
	}
	if got := currencySymbol("jpy"); got != "JPY " {
		t.Errorf("fallback symbol: got %q", got)
	}
}

func TestEntity(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := NewEntity(created)
	if e.CreatedAt.Location() != time.UTC {
		t.Error("expected UTC timestamps")
	}
	if !e.CreatedAt.Equal(e.UpdatedAt) {
		t.Error("new entity should have equal timestamps")
	}

	later := created.Add(2 * time.Hour)
	e.Touch(later)
	if !e.UpdatedAt.Equal(later) {
		t.Errorf("Touch: got %v, want %v", e.UpdatedAt, later)
	}
	if got := e.Age(later); got != 2*time.Hour {
		t.Errorf("Age: got %v", got)
	}
}

func BenchmarkMoneyString(b *testing.B) {
	m := USD(4900)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.String()
	}
}
