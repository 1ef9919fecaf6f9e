package entitle_test

import (
	"context"
	"log"
	"log/slog"
	"testing"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// TestDocumentationExamples verifies that the examples in the documentation compile and run.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		e := entitle.New(store,
			entitle.WithLogger(slog.Default()),
			entitle.WithSweepConcurrency(4),
		)

		ctx := context.Background()
		if err := e.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()

		// Create a 30 day plan with 20 uses
		p := &plan.Plan{
			Name:         "Standard",
			Slug:         "standard-30",
			Type:         plan.TypeStandard,
			Price:        types.USD(2900), // $29.00
			DurationDays: 30,
			MaxUses:      20,
			Active:       true,
		}
		if err := e.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}

		// Confirm a completed card payment
		ent, err := e.ConfirmPurchase(ctx, "user_123", p.ID, entitlement.Payment{
			Method:    entitlement.MethodCard,
			PaymentID: "pi_123",
			Status:    entitlement.PaymentCompleted,
		})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Entitlement %s expires %s\n", ent.ID, ent.ExpiryDate)

		// Consume a use
		if _, err := e.RecordUse(ctx, ent.ID); err != nil {
			t.Fatal(err)
		}

		// Ask when renewal opens
		elig, err := e.GetRenewalEligibility(ctx, "user_123")
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Renewal eligible: %v (opens %s)\n", elig.Eligible, elig.EligibleAt)
	})

	t.Run("VoucherExample", func(t *testing.T) {
		e := entitle.New(memory.New(), entitle.WithLogger(slog.Default()))
		ctx := context.Background()

		v, err := e.ConfirmVoucherPurchase(ctx, voucher.Issue{
			BuyerID:          "user_123",
			Recipient:        voucher.Recipient{Name: "Ada", Email: "ada@example.com"},
			Amount:           types.USD(5000),
			Message:          "Happy birthday!",
			PaymentReference: "pi_456",
		})
		if err != nil {
			t.Fatal(err)
		}

		status, err := e.GetVoucherStatus(ctx, v.Code)
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Voucher %s: %s remaining\n", status.Code, status.Remaining)
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		_ = types.USD(4900) // $49.00
		_ = types.EUR(9900) // €99.00
		_ = types.Zero("usd")

		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)      // $3.00
		_ = m2.Subtract(m1) // $1.00

		if m1.LessThan(m2) {
			_ = m1.Min(m2)
		}

		_ = m1.String()      // "$1.00"
		_ = m1.FormatMajor() // "1.00"
	})
}
