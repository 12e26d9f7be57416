package tier

import (
	"testing"

	"github.com/smallbiznis/radbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) Catalog {
	t.Helper()
	holder, err := config.NewStaticBillingConfigHolder(config.BillingConfig{
		Tiers: []config.TierConfig{
			{Name: "tier_1", Credits: 100, PriceIDs: []string{"price_basic_m", "price_basic_y"}},
			{Name: "tier_2", Credits: 500, PriceIDs: []string{" price_pro_m "}},
		},
	})
	require.NoError(t, err)
	return NewCatalog(holder)
}

func TestMapPriceIDToTier(t *testing.T) {
	catalog := newTestCatalog(t)

	cases := []struct {
		priceID string
		want    Tier
		ok      bool
	}{
		{"price_basic_m", "tier_1", true},
		{"price_basic_y", "tier_1", true},
		{"price_pro_m", "tier_2", true},
		{"price_unknown", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := catalog.MapPriceIDToTier(tc.priceID)
		assert.Equal(t, tc.ok, ok, tc.priceID)
		assert.Equal(t, tc.want, got, tc.priceID)
	}
}

func TestQuotaForTier(t *testing.T) {
	catalog := newTestCatalog(t)

	quota, ok := catalog.QuotaForTier("tier_2")
	assert.True(t, ok)
	assert.Equal(t, int64(500), quota)

	_, ok = catalog.QuotaForTier("tier_9")
	assert.False(t, ok)
}

func TestTierPtr(t *testing.T) {
	assert.Nil(t, Tier("").Ptr())
	require.NotNil(t, Tier("tier_1").Ptr())
	assert.Equal(t, "tier_1", *Tier("tier_1").Ptr())
}
