// Package domain contains persistence models for the org service.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization represents a tenant. StripeCustomerID is written once and
// never reassigned.
type Organization struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Name             string       `gorm:"type:text;not null" json:"name"`
	Slug             string       `gorm:"type:text;not null;uniqueIndex:ux_organizations_slug" json:"slug"`
	StripeCustomerID *string      `gorm:"type:text;uniqueIndex:ux_organizations_stripe_customer_id" json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

func (o Organization) CustomerID() string {
	if o.StripeCustomerID == nil {
		return ""
	}
	return *o.StripeCustomerID
}

// Via records which lookup matched an organization.
type Via string

const (
	ViaOrganizationID   Via = "organization_id"
	ViaOrganizationSlug Via = "organization_slug"
	ViaCustomer         Via = "customer"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetadataOrganizationID   = "organization_id"
	MetadataOrganizationSlug = "organization_slug"
)

type Resolution struct {
	Found        bool
	Organization Organization
	Via          Via
}

type CreateOrganizationRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

var (
	ErrInvalidName           = errors.New("invalid_name")
	ErrInvalidSlug           = errors.New("invalid_slug")
	ErrOrganizationNotFound  = errors.New("organization_not_found")
	ErrSlugTaken             = errors.New("organization_slug_taken")
	ErrCustomerAlreadyLinked = errors.New("customer_already_linked")
)
