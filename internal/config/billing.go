package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the business-rule constants for usage windows and credits.
type BillingConfig struct {
	ShortWindow       time.Duration `mapstructure:"shortWindow"`
	LongWindow        time.Duration `mapstructure:"longWindow"`
	CacheSafetyMargin time.Duration `mapstructure:"cacheSafetyMargin"`
	RechargeAmounts   []float64     `mapstructure:"rechargeAmounts"`
	DefaultPlan       PlanDefaults  `mapstructure:"defaultPlan"`
}

// PlanDefaults is the hard fallback when no plan rows are seeded.
type PlanDefaults struct {
	Slug             string  `mapstructure:"slug"`
	ShortWindowLimit float64 `mapstructure:"shortWindowLimit"`
	LongWindowLimit  float64 `mapstructure:"longWindowLimit"`
	CreditMarkup     float64 `mapstructure:"creditMarkup"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		ShortWindow:       5 * time.Hour,
		LongWindow:        7 * 24 * time.Hour,
		CacheSafetyMargin: time.Hour,
		RechargeAmounts:   []float64{5, 10, 25, 50, 100},
		DefaultPlan: PlanDefaults{
			Slug:             "base",
			ShortWindowLimit: 2.50,
			LongWindowLimit:  25.00,
			CreditMarkup:     1.5,
		},
	}
}

// BillingConfigHolder exposes the current billing config with hot reload.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolder loads billing.yml and watches it for changes.
func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/usagegate/config")
	v.AddConfigPath("/etc/usagegate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("USAGEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.shortWindow", defaults.ShortWindow)
	v.SetDefault("billing.longWindow", defaults.LongWindow)
	v.SetDefault("billing.cacheSafetyMargin", defaults.CacheSafetyMargin)
	v.SetDefault("billing.rechargeAmounts", defaults.RechargeAmounts)
	v.SetDefault("billing.defaultPlan", defaults.DefaultPlan)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.ShortWindow <= 0 || cfg.LongWindow <= 0 {
		return errors.New("billing window durations must be positive")
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return errors.New("billing.shortWindow must be shorter than billing.longWindow")
	}
	if len(cfg.RechargeAmounts) == 0 {
		return errors.New("billing.rechargeAmounts cannot be empty")
	}
	for _, amount := range cfg.RechargeAmounts {
		if amount <= 0 {
			return errors.New("billing.rechargeAmounts must be positive")
		}
	}
	if cfg.DefaultPlan.CreditMarkup < 1.0 {
		return errors.New("billing.defaultPlan.creditMarkup must be >= 1.0")
	}
	return nil
}
