// Package owner holds the per-user pointer to the current entitlement.
//
// The pointer is the only shared mutable per-user resource. It is set by
// whoever creates the newest entitlement and cleared only through
// Store.ClearCurrentIf, which confirms the pointer still names the
// entitlement being retired.
package owner

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// Owner is a user as seen by the entitlement engine.
type Owner struct {
	ID                   string           `json:"id"`
	CurrentEntitlementID id.EntitlementID `json:"current_entitlement_id,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Points reports whether the owner's pointer names entID.
func (o *Owner) Points(entID id.EntitlementID) bool {
	return !o.CurrentEntitlementID.IsNil() && o.CurrentEntitlementID.Equal(entID)
}

// Store persists owner pointers.
type Store interface {
	// GetOwner returns the owner record, or a not-found error.
	GetOwner(ctx context.Context, ownerID string) (*Owner, error)

	// SetCurrent points ownerID at entID, creating the record if needed.
	SetCurrent(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) error

	// ClearCurrentIf clears the pointer only if it still names entID and
	// reports whether it did.
	ClearCurrentIf(ctx context.Context, ownerID string, entID id.EntitlementID, now time.Time) (bool, error)
}
