package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/radbridge/internal/organization/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) LockByBillingReference(ctx context.Context, billingReference string) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("billing_reference = ?", billingReference).
		Take(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *repository) GetByID(ctx context.Context, id snowflake.ID) (*domain.Organization, error) {
	var org domain.Organization
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id snowflake.ID, status domain.Status, now time.Time) error {
	return r.exec(ctx,
		`UPDATE organizations SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id,
	)
}

func (r *repository) UpdateSubscriptionTier(ctx context.Context, id snowflake.ID, tier *string, now time.Time) error {
	return r.exec(ctx,
		`UPDATE organizations SET subscription_tier = ?, updated_at = ? WHERE id = ?`,
		tier, now, id,
	)
}

func (r *repository) SetCreditBalance(ctx context.Context, id snowflake.ID, balance int64, now time.Time) error {
	if balance < 0 {
		return domain.ErrNegativeBalance
	}
	return r.exec(ctx,
		`UPDATE organizations SET credit_balance = ?, updated_at = ? WHERE id = ?`,
		balance, now, id,
	)
}

func (r *repository) OpenPurgatoryEvent(ctx context.Context, event domain.PurgatoryEvent) (bool, error) {
	var open int64
	if err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM purgatory_events WHERE organization_id = ? AND status = ?`,
		event.OrganizationID, domain.PurgatoryEventOpen,
	).Scan(&open).Error; err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	err := r.db.WithContext(ctx).Exec(
		`INSERT INTO purgatory_events (id, organization_id, reason, triggered_by, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrganizationID,
		event.Reason,
		event.TriggeredBy,
		domain.PurgatoryEventOpen,
		event.CreatedAt,
	).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) ResolveOpenPurgatoryEvents(ctx context.Context, orgID snowflake.ID, resolvedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE purgatory_events SET status = ?, resolved_at = ?
		 WHERE organization_id = ? AND status = ?`,
		domain.PurgatoryEventResolved, resolvedAt, orgID, domain.PurgatoryEventOpen,
	)
	return res.RowsAffected, res.Error
}

func (r *repository) ListPurgatoryEvents(ctx context.Context, orgID snowflake.ID) ([]domain.PurgatoryEvent, error) {
	var events []domain.PurgatoryEvent
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, organization_id, reason, triggered_by, status, created_at, resolved_at
		 FROM purgatory_events
		 WHERE organization_id = ?
		 ORDER BY created_at ASC, id ASC`,
		orgID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) ListRelationships(ctx context.Context, orgID snowflake.ID) ([]domain.Relationship, error) {
	var rels []domain.Relationship
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, org_a_id, org_b_id, status, created_at, updated_at
		 FROM organization_relationships
		 WHERE org_a_id = ? OR org_b_id = ?
		 ORDER BY id ASC`,
		orgID, orgID,
	).Scan(&rels).Error
	if err != nil {
		return nil, err
	}
	return rels, nil
}

func (r *repository) ListAdmins(ctx context.Context, orgID snowflake.ID, role string) ([]domain.AdminUser, error) {
	var users []domain.AdminUser
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, organization_id, email, first_name, last_name, role
		 FROM users
		 WHERE organization_id = ? AND role = ? AND email <> ''
		 ORDER BY id ASC`,
		orgID, role,
	).Scan(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *repository) exec(ctx context.Context, query string, args ...any) error {
	res := r.db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
