// Package tier maps provider price ids onto internal subscription tiers and
// their credit quotas.
package tier

import (
	"strings"

	"github.com/smallbiznis/radbridge/internal/config"
)

// Tier is an internal subscription level such as "tier_1".
type Tier string

func (t Tier) String() string { return string(t) }

// Ptr returns a pointer suitable for the nullable subscription_tier column.
func (t Tier) Ptr() *string {
	if t == "" {
		return nil
	}
	s := string(t)
	return &s
}

type Catalog interface {
	// MapPriceIDToTier is a pure lookup. Unknown ids report false, meaning "no tier change".
	MapPriceIDToTier(priceID string) (Tier, bool)
	QuotaForTier(t Tier) (int64, bool)
}

type catalog struct {
	holder *config.BillingConfigHolder
}

// NewCatalog reads the current billing config on every lookup so reloads take effect immediately.
func NewCatalog(holder *config.BillingConfigHolder) Catalog {
	return &catalog{holder: holder}
}

func (c *catalog) MapPriceIDToTier(priceID string) (Tier, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	for _, tc := range c.holder.Get().Tiers {
		for _, candidate := range tc.PriceIDs {
			if strings.TrimSpace(candidate) == priceID {
				return Tier(strings.TrimSpace(tc.Name)), true
			}
		}
	}
	return "", false
}

func (c *catalog) QuotaForTier(t Tier) (int64, bool) {
	for _, tc := range c.holder.Get().Tiers {
		if strings.TrimSpace(tc.Name) == string(t) {
			return tc.Credits, true
		}
	}
	return 0, false
}
