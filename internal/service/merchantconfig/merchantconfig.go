// Package merchantconfig serves merchant limits and provider configs through a TTL cache.
//
// Entries are invalidated explicitly when configuration is updated through this service.
// Updates made by another process become visible after the TTL at the latest:
// this stale-read window is accepted.
package merchantconfig

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/nkiryanov/paygate/internal/apperrors"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/models"
	"github.com/nkiryanov/paygate/internal/repository"
)

const DefaultTTL = 5 * time.Minute

type Service struct {
	storage repository.Storage
	logger  logger.Logger

	merchants *ttlcache.Cache[string, models.MerchantLimits]
	lists     *ttlcache.Cache[string, []models.ProviderConfig] // by merchant
	pairs     *ttlcache.Cache[string, models.ProviderConfig]   // by merchant and provider
}

func NewService(storage repository.Storage, ttl time.Duration, logger logger.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Service{
		storage: storage,
		logger:  logger,
		merchants: ttlcache.New(
			ttlcache.WithTTL[string, models.MerchantLimits](ttl),
			ttlcache.WithDisableTouchOnHit[string, models.MerchantLimits](),
		),
		lists: ttlcache.New(
			ttlcache.WithTTL[string, []models.ProviderConfig](ttl),
			ttlcache.WithDisableTouchOnHit[string, []models.ProviderConfig](),
		),
		pairs: ttlcache.New(
			ttlcache.WithTTL[string, models.ProviderConfig](ttl),
			ttlcache.WithDisableTouchOnHit[string, models.ProviderConfig](),
		),
	}
}

// Start evicting expired entries in background till ctx is done
func (s *Service) Start(ctx context.Context) <-chan struct{} {
	stopped := make(chan struct{})

	caches := []interface {
		Start()
		Stop()
	}{s.merchants, s.lists, s.pairs}

	for _, c := range caches {
		go c.Start()
	}

	go func() {
		defer close(stopped)
		<-ctx.Done()
		for _, c := range caches {
			c.Stop()
		}
		s.logger.Debug("Config cache stopped")
	}()

	return stopped
}

func pairKey(merchantID, provider string) string {
	return merchantID + "/" + provider
}

func (s *Service) Merchant(ctx context.Context, merchantID string) (models.MerchantLimits, error) {
	if item := s.merchants.Get(merchantID); item != nil {
		return item.Value(), nil
	}

	m, err := s.storage.Config().GetMerchant(ctx, merchantID)
	if err != nil {
		return m, err
	}

	s.merchants.Set(merchantID, m, ttlcache.DefaultTTL)
	return m, nil
}

// ProviderConfigs of the merchant, disabled included
func (s *Service) ProviderConfigs(ctx context.Context, merchantID string) ([]models.ProviderConfig, error) {
	if item := s.lists.Get(merchantID); item != nil {
		return item.Value(), nil
	}

	configs, err := s.storage.Config().ListProviderConfigs(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	s.lists.Set(merchantID, configs, ttlcache.DefaultTTL)
	return configs, nil
}

func (s *Service) ProviderConfig(ctx context.Context, merchantID string, provider string) (models.ProviderConfig, error) {
	key := pairKey(merchantID, provider)
	if item := s.pairs.Get(key); item != nil {
		return item.Value(), nil
	}

	c, err := s.storage.Config().GetProviderConfig(ctx, merchantID, provider)
	if err != nil {
		return c, err
	}

	s.pairs.Set(key, c, ttlcache.DefaultTTL)
	return c, nil
}

func (s *Service) UpsertMerchant(ctx context.Context, m models.MerchantLimits) (models.MerchantLimits, error) {
	if m.MerchantID == "" {
		return m, apperrors.Validation("merchant id is required")
	}

	saved, err := s.storage.Config().UpsertMerchant(ctx, m)
	if err != nil {
		return saved, err
	}

	s.merchants.Delete(m.MerchantID)
	s.logger.Info("Merchant config updated", "merchant_id", m.MerchantID)
	return saved, nil
}

func (s *Service) UpsertProviderConfig(ctx context.Context, c models.ProviderConfig) (models.ProviderConfig, error) {
	if c.MerchantID == "" || c.Provider == "" {
		return c, apperrors.Validation("merchant id and provider are required")
	}

	saved, err := s.storage.Config().UpsertProviderConfig(ctx, c)
	if err != nil {
		return saved, err
	}

	s.Invalidate(c.MerchantID)
	s.logger.Info("Provider config updated", "merchant_id", c.MerchantID, "provider", c.Provider, "enabled", c.Enabled)
	return saved, nil
}

// Invalidate drops every cached entry of the merchant
func (s *Service) Invalidate(merchantID string) {
	s.merchants.Delete(merchantID)
	s.lists.Delete(merchantID)

	prefix := merchantID + "/"
	for _, key := range s.pairs.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.pairs.Delete(key)
		}
	}
}
