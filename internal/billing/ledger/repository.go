// Package ledger persists the idempotency witness for provider events.
package ledger

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/radbridge/internal/billing/domain"
	pkgdb "github.com/smallbiznis/radbridge/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Exists(ctx context.Context, stripeEventID string) (bool, error)
	// Claim inserts the entry unless the event id is already recorded.
	// Reports false when another delivery got there first.
	Claim(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	FindByEventID(ctx context.Context, stripeEventID string) (*domain.LedgerEntry, error)
	ListByOrganization(ctx context.Context, orgID snowflake.ID) ([]domain.LedgerEntry, error)
}

var ErrNotFound = errors.New("ledger_entry_not_found")

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

func (r *repository) Exists(ctx context.Context, stripeEventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM billing_events WHERE stripe_event_id = ?`,
		stripeEventID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) Claim(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_event_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByEventID(ctx context.Context, stripeEventID string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := r.db.WithContext(ctx).Where("stripe_event_id = ?", stripeEventID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByOrganization(ctx context.Context, orgID snowflake.ID) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
