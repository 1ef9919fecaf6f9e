// Package entitle is a package lifecycle and renewal engine for Go
// applications.
//
// Users hold time-boxed entitlements ("packages") bought directly or with
// prepaid gift vouchers. Entitle keeps each user's entitlement state
// consistent with wall-clock time without a central transaction:
//
//   - Purchase and renewal with renewal chaining
//   - A 36-hour renewal window before expiry
//   - On-demand and scheduled expiry reconciliation
//   - Gift vouchers with partial balances and an explicit redemption policy
//   - Retention cleanup of inactive records
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/memory"
//	)
//
//	engine := entitle.New(memory.New())
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// Plans define price, duration and use limits:
//
//	p := &plan.Plan{
//	    Name:         "Premium",
//	    Type:         plan.TypePremium,
//	    Price:        entitle.USD(4900),
//	    DurationDays: 30,
//	    Active:       true,
//	}
//	err := engine.CreatePlan(ctx, p)
//
// The payment collaborator confirms purchases:
//
//	ent, err := engine.ConfirmPurchase(ctx, userID, p.ID, entitle.Payment{
//	    Method:    entitlement.MethodCard,
//	    PaymentID: "pay_123",
//	    Status:    entitlement.PaymentCompleted,
//	})
//
// Read paths reconcile before answering:
//
//	ent, err := engine.GetActiveEntitlement(ctx, userID)
//	if errors.Is(err, entitle.ErrNoActiveEntitlement) {
//	    // prompt to buy
//	}
//
// Renewal is allowed from 36 hours before expiry. The successor starts
// where the current entitlement ends, so no paid time is lost:
//
//	next, err := engine.Renew(ctx, userID, p.ID, payment)
//
// # Time
//
// Every transition takes the current instant explicitly. The engine reads
// its clock once per operation; inject clock.Fake in tests with
// WithClock.
//
// # Money
//
// All monetary calculations use integer arithmetic in the smallest
// currency unit (cents, kobo, paise).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	upkg_01h2xcejqtf2nbrexx3vqjhp41  // Entitlement ID
//	gc_01h455vb4pex5vsknk084sn02q    // Voucher ID
package entitle
