// Package plan defines the package catalog: the plans an entitlement is
// purchased against.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// ErrInvalidPlan is returned when a plan fails validation or cannot be
// purchased.
var ErrInvalidPlan = errors.New("entitle: invalid plan")

// Type is the service tier a plan grants.
type Type string

const (
	TypeBasic    Type = "basic"
	TypeStandard Type = "standard"
	TypePremium  Type = "premium"
)

// Valid reports whether t is a known tier.
func (t Type) Valid() bool {
	switch t {
	case TypeBasic, TypeStandard, TypePremium:
		return true
	}
	return false
}

// Plan is a catalog entry. Entitlements snapshot the fields they depend
// on, so editing a plan never rewrites existing entitlements.
type Plan struct {
	types.Entity
	ID           id.PlanID         `json:"id"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Description  string            `json:"description"`
	Type         Type              `json:"type"`
	Price        types.Money       `json:"price"`
	DurationDays int               `json:"duration_days"`
	MaxUses      int               `json:"max_uses"` // 0 = unlimited
	Active       bool              `json:"active"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Duration is the length of one entitlement period.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Unlimited reports whether entitlements for this plan have no use cap.
func (p *Plan) Unlimited() bool { return p.MaxUses == 0 }

// Validate checks the plan's static constraints.
func (p *Plan) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	case !p.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPlan, p.Type)
	case p.DurationDays < 1:
		return fmt.Errorf("%w: duration_days must be at least 1", ErrInvalidPlan)
	case p.MaxUses < 0:
		return fmt.Errorf("%w: max_uses must not be negative", ErrInvalidPlan)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidPlan)
	case p.Price.Currency == "":
		return fmt.Errorf("%w: price currency is required", ErrInvalidPlan)
	}
	return nil
}

// Purchasable validates the plan and additionally requires it to be active.
func (p *Plan) Purchasable() error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if !p.Active {
		return fmt.Errorf("%w: plan %s is not active", ErrInvalidPlan, p.ID)
	}
	return nil
}
