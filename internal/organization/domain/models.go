// Package domain contains persistence models for organizations and the
// records derived from their billing status.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Type string

const (
	TypeReferringPractice Type = "referring_practice"
	TypeRadiologyGroup    Type = "radiology_group"
)

// Status is the operational lifecycle of an organization. Relationships reuse it.
type Status string

const (
	StatusActive     Status = "active"
	StatusPurgatory  Status = "purgatory"
	StatusTerminated Status = "terminated"
)

// Organization represents a tenant.
type Organization struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Name             string       `gorm:"type:text;not null" json:"name"`
	Type             Type         `gorm:"type:text;not null" json:"type"`
	Status           Status       `gorm:"type:text;not null;default:'active'" json:"status"`
	SubscriptionTier *string      `gorm:"type:text;column:subscription_tier" json:"subscription_tier"`
	CreditBalance    int64        `gorm:"not null;default:0" json:"credit_balance"`
	BillingReference *string      `gorm:"type:text;column:billing_reference;uniqueIndex:ux_organizations_billing_reference" json:"billing_reference"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// Tier returns the current subscription tier or "" when unset.
func (o Organization) Tier() string {
	if o.SubscriptionTier == nil {
		return ""
	}
	return *o.SubscriptionTier
}

// AdminRole is the user role that receives billing notices for this organization type.
func (o Organization) AdminRole() string {
	if o.Type == TypeRadiologyGroup {
		return RoleAdminRadiology
	}
	return RoleAdminReferring
}

// Relationship is an undirected partnership between two organizations.
type Relationship struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgAID    snowflake.ID `gorm:"column:org_a_id;not null;index" json:"org_a_id"`
	OrgBID    snowflake.ID `gorm:"column:org_b_id;not null;index" json:"org_b_id"`
	Status    Status       `gorm:"type:text;not null" json:"status"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Relationship) TableName() string { return "organization_relationships" }

type PurgatoryEventStatus string

const (
	PurgatoryEventOpen     PurgatoryEventStatus = "open"
	PurgatoryEventResolved PurgatoryEventStatus = "resolved"
)

const (
	PurgatoryReasonSubscriptionDeleted = "subscription_deleted"
	PurgatoryReasonPaymentPastDue      = "payment_past_due"
)

// PurgatoryEvent records why and when an organization was placed on hold.
type PurgatoryEvent struct {
	ID             snowflake.ID         `gorm:"primaryKey" json:"id"`
	OrganizationID snowflake.ID         `gorm:"column:organization_id;not null;index" json:"organization_id"`
	Reason         string               `gorm:"type:text;not null" json:"reason"`
	TriggeredBy    string               `gorm:"type:text;not null" json:"triggered_by"`
	Status         PurgatoryEventStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt      time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ResolvedAt     *time.Time           `gorm:"column:resolved_at" json:"resolved_at"`
}

// TableName sets the database table name.
func (PurgatoryEvent) TableName() string { return "purgatory_events" }

const (
	RoleAdminReferring = "admin_referring"
	RoleAdminRadiology = "admin_radiology"
)

// AdminUser is the read-only slice of a user needed to address notifications.
type AdminUser struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrganizationID snowflake.ID `gorm:"column:organization_id" json:"organization_id"`
	Email          string       `gorm:"type:text" json:"email"`
	FirstName      string       `gorm:"column:first_name" json:"first_name"`
	LastName       string       `gorm:"column:last_name" json:"last_name"`
	Role           string       `gorm:"type:text" json:"role"`
}

// TableName sets the database table name.
func (AdminUser) TableName() string { return "users" }

// DisplayName returns the best available greeting name.
func (u AdminUser) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Email
	}
}
