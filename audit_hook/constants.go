package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated  = "plan.created"
	ActionPlanArchived = "plan.archived"

	// Entitlement actions
	ActionEntitlementPurchased = "entitlement.purchased"
	ActionEntitlementRenewed   = "entitlement.renewed"
	ActionEntitlementExpired   = "entitlement.expired"
	ActionRenewalEligible      = "entitlement.renewal_eligible"
	ActionUsageLimitReached    = "entitlement.usage_limit_reached"

	// Voucher actions
	ActionVoucherIssued  = "voucher.issued"
	ActionVoucherApplied = "voucher.applied"

	// Maintenance actions
	ActionSweepCompleted = "sweep.completed"
)

// Resource constants for audit events.
const (
	ResourcePlan        = "plan"
	ResourceEntitlement = "entitlement"
	ResourceVoucher     = "voucher"
	ResourceSweep       = "sweep"
)

// Category constants for audit events.
const (
	CategoryCatalog     = "catalog"
	CategoryEntitlement = "entitlement"
	CategoryAccess      = "access"
	CategoryPayment     = "payment"
	CategoryMaintenance = "maintenance"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
