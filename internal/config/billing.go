package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig describes the subscription catalog: which provider prices map
// to which internal tier, and the credit quota each tier grants.
type BillingConfig struct {
	Tiers []TierConfig `mapstructure:"tiers"`
}

type TierConfig struct {
	Name     string   `mapstructure:"name"`
	Credits  int64    `mapstructure:"credits"`
	PriceIDs []string `mapstructure:"priceIds"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Tiers: []TierConfig{
			{Name: "tier_1", Credits: 100, PriceIDs: []string{"price_tier_1_monthly", "price_tier_1_yearly"}},
			{Name: "tier_2", Credits: 500, PriceIDs: []string{"price_tier_2_monthly", "price_tier_2_yearly"}},
			{Name: "tier_3", Credits: 2000, PriceIDs: []string{"price_tier_3_monthly", "price_tier_3_yearly"}},
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
	log     *zap.Logger
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) (*BillingConfigHolder, error) {
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &BillingConfigHolder{log: zap.NewNop()}
	holder.current.Store(cfg)
	return holder, nil
}

func NewBillingConfigHolder(appCfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if appCfg.Billing.CatalogSearchPath != "" {
		v.AddConfigPath(appCfg.Billing.CatalogSearchPath)
	}
	v.AddConfigPath("/etc/radbridge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RADBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
		v.SetDefault("billing.tiers", DefaultBillingConfig().Tiers)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}

	holder, err := NewStaticBillingConfigHolder(cfg)
	if err != nil {
		return nil, err
	}
	if log != nil {
		holder.log = log.Named("config.billing")
	}

	if fileLoaded {
		holder.log.Info("billing catalog loaded", zap.String("file", v.ConfigFileUsed()), zap.Int("tiers", len(cfg.Tiers)))
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			holder.reload(v, e.Name)
		})
	}

	return holder, nil
}

// reload swaps in the catalog held by v. An invalid catalog is logged and the
// previous one stays active.
func (h *BillingConfigHolder) reload(v *viper.Viper, source string) bool {
	var updated BillingConfig
	if err := v.UnmarshalKey("billing", &updated); err != nil {
		h.log.Error("billing catalog reload failed", zap.String("file", source), zap.Error(err))
		return false
	}
	if err := ValidateBillingConfig(updated); err != nil {
		h.log.Warn("invalid billing catalog ignored", zap.String("file", source), zap.Error(err))
		return false
	}
	h.current.Store(updated)
	h.log.Info("billing catalog reloaded", zap.String("file", source), zap.Int("tiers", len(updated.Tiers)))
	return true
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// ValidateBillingConfig rejects catalogs with unnamed tiers, negative quotas,
// or a price id claimed by more than one tier.
func ValidateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("billing.tiers cannot be empty")
	}
	names := map[string]struct{}{}
	prices := map[string]string{}
	for _, tier := range cfg.Tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return errors.New("billing.tiers: name is required")
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("billing.tiers: duplicate tier %q", name)
		}
		names[name] = struct{}{}
		if tier.Credits < 0 {
			return fmt.Errorf("billing.tiers: tier %q has negative credits", name)
		}
		for _, priceID := range tier.PriceIDs {
			priceID = strings.TrimSpace(priceID)
			if priceID == "" {
				continue
			}
			if owner, taken := prices[priceID]; taken {
				return fmt.Errorf("billing.tiers: price %q mapped to both %q and %q", priceID, owner, name)
			}
			prices[priceID] = name
		}
	}
	return nil
}
