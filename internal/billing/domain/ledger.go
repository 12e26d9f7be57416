package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEntry is the idempotency witness: one row per applied provider event.
type LedgerEntry struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrganizationID *snowflake.ID  `gorm:"column:organization_id" json:"organization_id"`
	StripeEventID  string         `gorm:"column:stripe_event_id;type:text;not null;uniqueIndex:ux_billing_events_stripe_event_id" json:"stripe_event_id"`
	EventType      string         `gorm:"column:event_type;type:text;not null" json:"event_type"`
	Amount         int64          `gorm:"not null;default:0" json:"amount"`
	Currency       string         `gorm:"type:text;not null;default:''" json:"currency"`
	Description    string         `gorm:"type:text;not null;default:''" json:"description"`
	Payload        datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "billing_events" }
