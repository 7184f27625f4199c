package provider

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/sony/gobreaker"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/signature"
)

// ConfigSource returns merchant-provider pairings
type ConfigSource interface {
	ProviderConfigs(ctx context.Context, merchantID string) ([]models.ProviderConfig, error)
	ProviderConfig(ctx context.Context, merchantID string, provider string) (models.ProviderConfig, error)
}

// Registry maps provider names to gateways bound to merchant credentials
type Registry struct {
	variants map[string]Variant
	catalog  Catalog
	configs  ConfigSource
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	logger   logger.Logger
}

// NewRegistry registers variants; every variant must have a catalog entry
func NewRegistry(catalog Catalog, configs ConfigSource, client *http.Client, logger logger.Logger, variants ...Variant) (*Registry, error) {
	if client == nil {
		client = &http.Client{}
	}

	r := &Registry{
		variants: make(map[string]Variant, len(variants)),
		catalog:  catalog,
		configs:  configs,
		client:   client,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(variants)),
		logger:   logger,
	}

	for _, v := range variants {
		name := v.Name()
		if _, ok := r.variants[name]; ok {
			return nil, fmt.Errorf("provider %s registered twice", name)
		}
		entry, ok := catalog.Providers[name]
		if !ok {
			return nil, fmt.Errorf("provider %s is missing in catalog", name)
		}

		r.variants[name] = v
		r.breakers[name] = NewBreaker(name, entry.Breaker)
	}

	return r, nil
}

// Providers returns registered provider names
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve selects the enabled config of the highest priority supporting the order type.
// Ties are broken by provider name to keep selection stable.
func (r *Registry) Resolve(ctx context.Context, merchantID string, orderType models.OrderType) (Gateway, models.ProviderConfig, error) {
	configs, err := r.configs.ProviderConfigs(ctx, merchantID)
	if err != nil {
		return nil, models.ProviderConfig{}, err
	}

	candidates := make([]models.ProviderConfig, 0, len(configs))
	for _, c := range configs {
		if !c.Supports(orderType) {
			continue
		}
		if _, ok := r.variants[c.Provider]; !ok {
			r.logger.Warn("Provider config for unregistered provider skipped", "merchant_id", merchantID, "provider", c.Provider)
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, models.ProviderConfig{}, fmt.Errorf("%w: merchant=%s, type=%s", apperrors.ErrNoActiveProviderConfig, merchantID, orderType)
	}

	slices.SortStableFunc(candidates, func(a, b models.ProviderConfig) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Provider, b.Provider)
	})

	cfg := candidates[0]
	gw, err := r.build(cfg)
	if err != nil {
		return nil, models.ProviderConfig{}, err
	}
	return gw, cfg, nil
}

// ForOrder returns the gateway of the provider the order was placed with.
// Disabled configs still serve existing orders.
func (r *Registry) ForOrder(ctx context.Context, merchantID string, provider string) (Gateway, error) {
	if _, ok := r.variants[provider]; !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, provider)
	}

	cfg, err := r.configs.ProviderConfig(ctx, merchantID, provider)
	if err != nil {
		return nil, err
	}
	return r.build(cfg)
}

// PeekReference extracts unverified order reference from the callback payload
func (r *Registry) PeekReference(provider string, raw []byte) (string, error) {
	v, ok := r.variants[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, provider)
	}
	ref, err := v.PeekReference(raw)
	if err != nil {
		return "", Protocol(provider, err)
	}
	return ref, nil
}

func (r *Registry) build(cfg models.ProviderConfig) (Gateway, error) {
	v := r.variants[cfg.Provider]
	entry := r.catalog.Providers[cfg.Provider]

	alg := v.DefaultAlgorithm()
	if cfg.Algorithm != "" {
		parsed, err := signature.ParseAlgorithm(cfg.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("provider config %s/%s: %w", cfg.MerchantID, cfg.Provider, err)
		}
		alg = parsed
	}

	endpoint, err := entry.Endpoint(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Provider, err)
	}

	gw, err := v.New(Credentials{
		AppID:       cfg.AppID,
		Secret:      cfg.SecretKey,
		Algorithm:   alg,
		Environment: cfg.Environment,
	}, endpoint, r.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gateway: %w", cfg.Provider, err)
	}

	return NewResilient(gw, entry.Retry, r.breakers[cfg.Provider]), nil
}
