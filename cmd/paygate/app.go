package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/paygate/internal/db"
	"github.com/nkiryanov/paygate/internal/handlers"
	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/provider"
	"github.com/nkiryanov/paygate/internal/provider/novapay"
	"github.com/nkiryanov/paygate/internal/provider/starpay"
	"github.com/nkiryanov/paygate/internal/repository/postgres"
	"github.com/nkiryanov/paygate/internal/service/limits"
	"github.com/nkiryanov/paygate/internal/service/merchantconfig"
	"github.com/nkiryanov/paygate/internal/service/notify"
	"github.com/nkiryanov/paygate/internal/service/order"
	"github.com/nkiryanov/paygate/internal/service/reconciler"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	pool       *pgxpool.Pool
	configs    *merchantconfig.Service
	reconciler *reconciler.Reconciler
	logger     logger.Logger
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("error while loading timezone: %w", err)
	}

	catalog, err := provider.LoadCatalog(c.ProvidersCatalog)
	if err != nil {
		return nil, err
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	storage := postgres.NewStorage(pool)

	// Initialize services
	configs := merchantconfig.NewService(storage, c.ConfigCacheTTL, logger.WithGroup("config"))

	registry, err := provider.NewRegistry(
		catalog,
		configs,
		&http.Client{Timeout: c.ProviderTimeout},
		logger.WithGroup("provider"),
		starpay.Variant{},
		novapay.Variant{},
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("error while registering providers: %w", err)
	}

	limitService := limits.NewService(configs, storage, location, logger.WithGroup("limits"))
	notifier := notify.New(configs, nil, logger.WithGroup("notify"))
	orderService := order.NewService(storage, registry, limitService, notifier, c.CallbackBaseURL, logger.WithGroup("order"))

	var memory reconciler.MemoryProbe
	if c.MemoryHighWaterMB > 0 {
		probe, err := reconciler.NewProcessMemory()
		if err != nil {
			logger.Warn("Memory probe unavailable, backpressure disabled", "error", err)
		} else {
			memory = probe
		}
	}
	recon := reconciler.New(c.reconcilerConfig(), storage.Order(), orderService, memory, logger.WithGroup("reconciler"))

	mux := handlers.NewRouter(orderService, configs, registry, recon, logger)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    mux,
		pool:       pool,
		configs:    configs,
		reconciler: recon,
		logger:     logger,
	}, nil
}

// Run starts background workers and the http server; everything stops gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.pool.Close()

	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	g, gCtx := errgroup.WithContext(ctx)

	cacheStopped := s.configs.Start(gCtx)
	reconcilerStopped := s.reconciler.Run(gCtx)

	g.Go(func() error {
		s.logger.Info("Starting server", "address", s.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")

		// in-flight reconciliation batch is finished before the pool is closed
		<-reconcilerStopped
		<-cacheStopped
		return nil
	})

	return g.Wait()
}
