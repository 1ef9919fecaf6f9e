package entitlement

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// Store persists entitlements.
type Store interface {
	CreateEntitlement(ctx context.Context, e *UserPackage) error
	GetEntitlement(ctx context.Context, entID id.EntitlementID) (*UserPackage, error)

	// UpdateEntitlement writes the mutable fields of e only while the stored
	// version still equals e.Version, then advances e.Version. It reports
	// false when another writer updated the record first.
	UpdateEntitlement(ctx context.Context, e *UserPackage) (bool, error)

	// GetActiveEntitlement returns the newest active entitlement for an owner.
	GetActiveEntitlement(ctx context.Context, ownerID string) (*UserPackage, error)
	ListEntitlements(ctx context.Context, ownerID string, opts ListOpts) ([]*UserPackage, error)

	// ListActiveEntitlements pages over every active entitlement, ordered by ID.
	ListActiveEntitlements(ctx context.Context, opts ListOpts) ([]*UserPackage, error)

	// DeleteInactiveBefore removes entitlements deactivated before cutoff.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ListOpts pages entitlement listings.
type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
