// Package credit resets an organization's credit balance to its tier quota.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/radbridge/internal/billing/tier"
	"github.com/smallbiznis/radbridge/internal/clock"
	orgdomain "github.com/smallbiznis/radbridge/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrUnknownTier = errors.New("unknown_tier")

type Replenisher interface {
	// ReplenishCreditsForTier overwrites credit_balance with the tier quota
	// using tx and returns the new balance. The write is not additive.
	ReplenishCreditsForTier(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, t tier.Tier) (int64, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Catalog tier.Catalog
	OrgRepo orgdomain.Repository
	Clock   clock.Clock
}

type Service struct {
	log     *zap.Logger
	catalog tier.Catalog
	orgRepo orgdomain.Repository
	clock   clock.Clock
}

func NewReplenisher(p Params) Replenisher {
	return &Service{
		log:     p.Log.Named("billing.credit"),
		catalog: p.Catalog,
		orgRepo: p.OrgRepo,
		clock:   p.Clock,
	}
}

func (s *Service) ReplenishCreditsForTier(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, t tier.Tier) (int64, error) {
	quota, ok := s.catalog.QuotaForTier(t)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	if err := s.orgRepo.WithTx(tx).SetCreditBalance(ctx, orgID, quota, s.clock.Now()); err != nil {
		return 0, err
	}
	s.log.Debug("credits replenished",
		zap.String("org_id", orgID.String()),
		zap.String("tier", string(t)),
		zap.Int64("balance", quota),
	)
	return quota, nil
}
