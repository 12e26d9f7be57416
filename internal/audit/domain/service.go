package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Entry describes one audited action. ActorID is usually the provider event id.
type Entry struct {
	OrgID      *snowflake.ID
	ActorType  string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]AuditLog, error)
}

type Service interface {
	// Record writes the entry using tx so it commits or rolls back with the
	// caller's unit of work. A nil tx falls back to the service connection.
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	ListByOrg(ctx context.Context, orgID snowflake.ID, limit int) ([]AuditLog, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAction       = errors.New("invalid_action")
)
