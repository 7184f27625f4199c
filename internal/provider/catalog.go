package provider

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nkiryanov/paygate/internal/models"
)

// Catalog describes provider endpoints and call policies
type Catalog struct {
	Providers map[string]CatalogEntry `yaml:"providers"`
}

type CatalogEntry struct {
	SandboxURL    string        `yaml:"sandbox_url"`
	ProductionURL string        `yaml:"production_url"`
	Timeout       time.Duration `yaml:"timeout"`
	Retry         RetryPolicy   `yaml:"retry"`
	Breaker       BreakerPolicy `yaml:"breaker"`

	UnsignedResponses bool `yaml:"unsigned_responses"`
}

type RetryPolicy struct {
	MaxAttempts     uint64        `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type BreakerPolicy struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

var (
	defaultRetry   = RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
	defaultBreaker = BreakerPolicy{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
)

// LoadCatalog reads the catalog from YAML file
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse provider catalog: %w", err)
	}

	for name, e := range c.Providers {
		if e.SandboxURL == "" && e.ProductionURL == "" {
			return Catalog{}, fmt.Errorf("provider %s has no endpoints", name)
		}
		c.Providers[name] = e.withDefaults()
	}

	return c, nil
}

func (e CatalogEntry) withDefaults() CatalogEntry {
	if e.Timeout <= 0 {
		e.Timeout = defaultTimeout
	}
	if e.Retry.MaxAttempts == 0 {
		e.Retry.MaxAttempts = defaultRetry.MaxAttempts
	}
	if e.Retry.InitialInterval <= 0 {
		e.Retry.InitialInterval = defaultRetry.InitialInterval
	}
	if e.Retry.MaxInterval <= 0 {
		e.Retry.MaxInterval = defaultRetry.MaxInterval
	}
	if e.Breaker.FailureThreshold == 0 {
		e.Breaker.FailureThreshold = defaultBreaker.FailureThreshold
	}
	if e.Breaker.OpenTimeout <= 0 {
		e.Breaker.OpenTimeout = defaultBreaker.OpenTimeout
	}
	return e
}

// Endpoint for the environment; production URL is used only for production configs
func (e CatalogEntry) Endpoint(environment string) (Endpoint, error) {
	url := e.SandboxURL
	if environment == models.EnvironmentProduction {
		url = e.ProductionURL
	}
	if url == "" {
		return Endpoint{}, fmt.Errorf("no %s endpoint", environment)
	}
	return Endpoint{BaseURL: url, Timeout: e.Timeout, UnsignedResponses: e.UnsignedResponses}, nil
}
