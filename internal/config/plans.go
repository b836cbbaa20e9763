package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanSpec is one catalog entry. Prices are in minor units.
type PlanSpec struct {
	ID                   string         `mapstructure:"id"`
	Name                 string         `mapstructure:"name"`
	Description          string         `mapstructure:"description"`
	StripePriceIDMonthly string         `mapstructure:"stripePriceIdMonthly"`
	StripePriceIDYearly  string         `mapstructure:"stripePriceIdYearly"`
	PriceMonthly         int64          `mapstructure:"priceMonthly"`
	PriceYearly          int64          `mapstructure:"priceYearly"`
	Limits               map[string]int `mapstructure:"limits"`
	Features             []string       `mapstructure:"features"`
	DisplayOrder         int            `mapstructure:"displayOrder"`
}

type PlanCatalog struct {
	Plans []PlanSpec `mapstructure:"plans"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		Plans: []PlanSpec{
			{
				ID:                   "starter",
				Name:                 "Starter",
				Description:          "For small teams getting started",
				StripePriceIDMonthly: "price_starter_monthly",
				StripePriceIDYearly:  "price_starter_yearly",
				PriceMonthly:         2900,
				PriceYearly:          29000,
				Limits:               map[string]int{"users": 5, "projects": 10},
				Features:             []string{"Basic analytics", "Email support", "Projects: 10"},
				DisplayOrder:         1,
			},
			{
				ID:                   "pro",
				Name:                 "Pro",
				Description:          "For growing teams that need more",
				StripePriceIDMonthly: "price_pro_monthly",
				StripePriceIDYearly:  "price_pro_yearly",
				PriceMonthly:         9900,
				PriceYearly:          99000,
				Limits:               map[string]int{"users": 25, "projects": 100},
				Features:             []string{"Advanced analytics", "Priority support", "SSO (SAML/OIDC)"},
				DisplayOrder:         2,
			},
			{
				ID:                   "enterprise",
				Name:                 "Enterprise",
				Description:          "For organizations with advanced needs",
				StripePriceIDMonthly: "price_enterprise_monthly",
				StripePriceIDYearly:  "price_enterprise_yearly",
				PriceMonthly:         29900,
				PriceYearly:          299000,
				Limits:               map[string]int{"users": 500, "projects": 1000},
				Features:             []string{"Dedicated support", "Custom SLA", "Security reviews"},
				DisplayOrder:         3,
			},
		},
	}
}

// PlanCatalogHolder keeps the current catalog and swaps it on file change.
type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog

	mu        sync.Mutex
	listeners []func(PlanCatalog)
}

// NewPlanCatalogHolderWith is used by tests and the seed command.
func NewPlanCatalogHolderWith(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func NewPlanCatalogHolder(log *zap.Logger) (*PlanCatalogHolder, error) {
	log = log.Named("config.plans")
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/saasbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SAASBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanCatalogHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(DefaultPlanCatalog())
		return holder, nil
	}

	var catalog PlanCatalog
	if err := v.Unmarshal(&catalog); err != nil {
		return nil, err
	}
	if err := ValidatePlanCatalog(catalog); err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlanCatalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("plan catalog reload failed", zap.Error(err))
			return
		}
		if err := ValidatePlanCatalog(updated); err != nil {
			log.Warn("invalid plan catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("plan catalog reloaded", zap.String("file", e.Name))
		holder.notify(updated)
	})

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

// OnChange registers fn to run after every successful reload.
func (h *PlanCatalogHolder) OnChange(fn func(PlanCatalog)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *PlanCatalogHolder) notify(catalog PlanCatalog) {
	h.mu.Lock()
	listeners := append([]func(PlanCatalog){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(catalog)
	}
}

func ValidatePlanCatalog(catalog PlanCatalog) error {
	if len(catalog.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seenIDs := map[string]struct{}{}
	seenPrices := map[string]struct{}{}
	for _, p := range catalog.Plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("plan id is required")
		}
		if _, ok := seenIDs[id]; ok {
			return fmt.Errorf("duplicate plan id %q", id)
		}
		seenIDs[id] = struct{}{}
		for _, price := range []string{p.StripePriceIDMonthly, p.StripePriceIDYearly} {
			price = strings.TrimSpace(price)
			if price == "" {
				return fmt.Errorf("plan %q: stripe price ids are required", id)
			}
			if _, ok := seenPrices[price]; ok {
				return fmt.Errorf("plan %q: price %q already used", id, price)
			}
			seenPrices[price] = struct{}{}
		}
	}
	return nil
}
