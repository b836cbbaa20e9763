// Package domain contains the plan catalog model.
package domain

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

func ParseCadence(raw string) (Cadence, bool) {
	switch Cadence(strings.ToLower(strings.TrimSpace(raw))) {
	case CadenceMonthly:
		return CadenceMonthly, true
	case CadenceYearly:
		return CadenceYearly, true
	default:
		return "", false
	}
}

// Plan is a sellable tier. Each provider price id maps to at most one plan.
type Plan struct {
	ID                   string                      `gorm:"primaryKey;type:text" json:"id"`
	Name                 string                      `gorm:"type:text;not null" json:"name"`
	Description          string                      `gorm:"type:text;not null;default:''" json:"description"`
	StripePriceIDMonthly string                      `gorm:"type:text;not null;uniqueIndex:ux_plans_stripe_price_monthly" json:"stripe_price_id_monthly"`
	StripePriceIDYearly  string                      `gorm:"type:text;not null;uniqueIndex:ux_plans_stripe_price_yearly" json:"stripe_price_id_yearly"`
	PriceMonthly         int64                       `gorm:"not null;default:0" json:"price_monthly"`
	PriceYearly          int64                       `gorm:"not null;default:0" json:"price_yearly"`
	Limits               datatypes.JSONMap           `gorm:"type:jsonb;not null" json:"limits"`
	Features             datatypes.JSONSlice[string] `gorm:"type:jsonb;not null" json:"features"`
	IsActive             bool                        `gorm:"not null;index" json:"is_active"`
	DisplayOrder         int                         `gorm:"not null;default:0" json:"display_order"`
	CreatedAt            time.Time                   `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time                   `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

// PriceFor returns the provider price id for cadence.
func (p Plan) PriceFor(cadence Cadence) string {
	if cadence == CadenceYearly {
		return p.StripePriceIDYearly
	}
	return p.StripePriceIDMonthly
}

// Resolution is the outcome of mapping a provider price id to a plan.
// Found=false is a normal answer, not an error.
type Resolution struct {
	Found   bool    `json:"found"`
	Plan    Plan    `json:"plan"`
	Cadence Cadence `json:"cadence"`
}

var (
	ErrPlanNotFound   = errors.New("plan_not_found")
	ErrPlanInactive   = errors.New("plan_inactive")
	ErrInvalidCadence = errors.New("invalid_billing_cycle")
	ErrInvalidPlanID  = errors.New("invalid_plan_id")
)
