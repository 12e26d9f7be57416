// Package cascade mirrors an organization's status change onto its partner
// relationships.
package cascade

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/radbridge/internal/clock"
	"github.com/smallbiznis/radbridge/internal/config"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Cascader interface {
	// Cascade moves every relationship of orgID currently in status from to
	// status to, inside tx. Returns the number of relationships updated.
	Cascade(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, from, to orgdomain.Status) (int64, error)
}

type Policy string

const (
	// PolicyMirror applies the triggering organization's status without looking at the partner.
	PolicyMirror Policy = config.CascadePolicyMirror
	// PolicyRequirePartnerActive only reactivates a relationship whose partner is active.
	PolicyRequirePartnerActive Policy = config.CascadePolicyRequirePartnerActive
)

func ParsePolicy(raw string) Policy {
	if Policy(strings.ToLower(strings.TrimSpace(raw))) == PolicyRequirePartnerActive {
		return PolicyRequirePartnerActive
	}
	return PolicyMirror
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Clock  clock.Clock
}

type Service struct {
	log    *zap.Logger
	policy Policy
	clock  clock.Clock
}

func NewCascader(p Params) Cascader {
	return New(p.Log, ParsePolicy(p.Config.Billing.CascadePolicy), p.Clock)
}

func New(log *zap.Logger, policy Policy, clk clock.Clock) *Service {
	return &Service{
		log:    log.Named("billing.cascade"),
		policy: policy,
		clock:  clk,
	}
}

func (s *Service) Cascade(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, from, to orgdomain.Status) (int64, error) {
	if from == to {
		return 0, nil
	}

	query := `UPDATE organization_relationships
		SET status = ?, updated_at = ?
		WHERE (org_a_id = ? OR org_b_id = ?) AND status = ?`
	args := []any{to, s.clock.Now(), orgID, orgID, from}

	if s.policy == PolicyRequirePartnerActive && to == orgdomain.StatusActive {
		query += ` AND EXISTS (
			SELECT 1 FROM organizations p
			WHERE p.id = CASE WHEN organization_relationships.org_a_id = ? THEN organization_relationships.org_b_id ELSE organization_relationships.org_a_id END
			AND p.status = ?
		)`
		args = append(args, orgID, orgdomain.StatusActive)
	}

	res := tx.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Debug("relationships cascaded",
			zap.String("org_id", orgID.String()),
			zap.String("from_status", string(from)),
			zap.String("to_status", string(to)),
			zap.Int64("relationships", res.RowsAffected),
			zap.String("policy", string(s.policy)),
		)
	}
	return res.RowsAffected, nil
}
