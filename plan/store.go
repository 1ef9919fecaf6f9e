package plan

import (
	"context"

	"github.com/xraph/entitle/id"
)

// Store persists catalog plans.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	ListPlans(ctx context.Context, opts ListOpts) ([]*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	DeletePlan(ctx context.Context, planID id.PlanID) error
}

// ListOpts filters plan listings.
type ListOpts struct {
	ActiveOnly bool
	Type       Type
	Limit      int
	Offset     int
}
