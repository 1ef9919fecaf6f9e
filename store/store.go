// Package store defines the aggregate persistence interface the engine
// runs on. Backends live in subpackages: memory, postgres, sqlite, mongo.
package store

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/history"
	"github.com/xraph/entitle/owner"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/voucher"
)

// Store is the unified storage interface for all Entitle entities.
// Method names are prefixed by entity so the domain interfaces can be
// embedded without conflicts.
type Store interface {
	plan.Store
	entitlement.Store
	owner.Store
	voucher.Store
	history.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
