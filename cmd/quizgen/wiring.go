package main

import (
	"context"
	"fmt"
	"log/slog"

	"gcse-quizgen/internal/config"
	"gcse-quizgen/internal/database"
	"gcse-quizgen/internal/repository"
	"gcse-quizgen/internal/services"
	"gcse-quizgen/internal/storage"
	"gcse-quizgen/internal/worker"
)

// newModelClient builds the provider named by cfg. The returned func
// releases provider resources.
func newModelClient(ctx context.Context, cfg *config.Config, debug storage.Store, logger *slog.Logger) (*services.ModelClient, func(), error) {
	var provider services.Provider
	closeFn := func() {}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		p, err := services.NewOpenAIProvider(services.OpenAIOptions{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			ProxyURL: cfg.ProxyURL,
		}, services.NewFileExtractService())
		if err != nil {
			return nil, closeFn, err
		}
		provider = p
	default:
		p, err := services.NewGeminiProvider(ctx, services.GeminiOptions{
			APIKey:         cfg.GeminiAPIKey,
			ProxyURL:       cfg.ProxyURL,
			ConcurrentReqs: cfg.Concurrency,
		})
		if err != nil {
			return nil, closeFn, err
		}
		provider = p
		closeFn = p.Close
	}

	client := services.NewModelClient(provider,
		services.WithAttemptTimeout(cfg.AttemptTimeout),
		services.WithTemperature(cfg.Temperature),
		services.WithDebugStore(debug),
		services.WithLogger(logger),
	)
	logger.Info("✓ Model client initialized", "provider", client.ProviderName(), "model", cfg.Model)
	return client, closeFn, nil
}

// backends holds the optional Redis and Postgres connections.
type backends struct {
	redis     *database.RedisClients
	publisher worker.Publisher
	index     *repository.IndexRepo
	closers   []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.RedisURL != "" {
		clients, err := database.NewRedisClients(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("✗ Redis connection failed", "error", err)
			return b, err
		}
		b.redis = clients
		b.publisher = worker.NewRedisPublisher(clients.PubSub)
		b.closers = append(b.closers, clients.Close)
		logger.Info("✓ Redis connected")
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("✗ PostgreSQL connection failed", "error", err)
			b.Close()
			return &backends{}, err
		}
		b.closers = append(b.closers, pool.Close)
		logger.Info("✓ PostgreSQL connected")

		if err := database.RunMigrations(ctx, pool, logger); err != nil {
			logger.Error("✗ Database migration failed", "error", err)
			b.Close()
			return &backends{}, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("✓ Database migrations applied")
		b.index = repository.NewIndexRepo(pool)
	}

	return b, nil
}
