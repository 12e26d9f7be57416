package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists organization billing state. Every mutating method must be
// called on a repository bound to the caller's transaction via WithTx.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// LockByBillingReference reads the organization holding a row lock for the
	// rest of the transaction. Returns ErrNotFound when nothing matches.
	LockByBillingReference(ctx context.Context, billingReference string) (*Organization, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Organization, error)
	UpdateStatus(ctx context.Context, id snowflake.ID, status Status, now time.Time) error
	UpdateSubscriptionTier(ctx context.Context, id snowflake.ID, tier *string, now time.Time) error
	SetCreditBalance(ctx context.Context, id snowflake.ID, balance int64, now time.Time) error
	// OpenPurgatoryEvent inserts the event unless one is already open for the
	// organization. Reports whether a row was written.
	OpenPurgatoryEvent(ctx context.Context, event PurgatoryEvent) (bool, error)
	ResolveOpenPurgatoryEvents(ctx context.Context, orgID snowflake.ID, resolvedAt time.Time) (int64, error)
	ListPurgatoryEvents(ctx context.Context, orgID snowflake.ID) ([]PurgatoryEvent, error)
	ListRelationships(ctx context.Context, orgID snowflake.ID) ([]Relationship, error)
	ListAdmins(ctx context.Context, orgID snowflake.ID, role string) ([]AdminUser, error)
}

var (
	ErrNotFound            = errors.New("organization_not_found")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrNegativeBalance     = errors.New("negative_credit_balance")
)
