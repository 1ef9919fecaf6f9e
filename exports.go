package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// Re-export common types for convenience so users don't have to import
// the leaf packages for everyday calls.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Plan is re-exported from plan package.
type Plan = plan.Plan

// UserPackage is re-exported from entitlement package.
type UserPackage = entitlement.UserPackage

// Payment is re-exported from entitlement package.
type Payment = entitlement.Payment

// Voucher is re-exported from voucher package.
type Voucher = voucher.Voucher

// VoucherIssue is re-exported from voucher package.
type VoucherIssue = voucher.Issue

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	NGN  = types.NGN
	INR  = types.INR
	Zero = types.Zero
)

// RenewalWindow is re-exported from entitlement package.
const RenewalWindow = entitlement.RenewalWindow
