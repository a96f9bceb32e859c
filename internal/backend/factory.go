package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"finsights/internal/cache"
	"finsights/internal/sheets"
	"finsights/internal/storage"
	"finsights/internal/storage/memory"
)

const cacheKeyPrefix = "finsights:"

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) *DefaultFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{logger: logger}
}

var _ Factory = (*DefaultFactory)(nil)

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLBackend(storage.NewSQLiteRepository(config.SQLiteDBPath))
	case PostgresBackend:
		result, err = f.createSQLBackend(storage.NewPostgresRepository(config.DatabaseURL))
	case MemoryBackend:
		result = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.LedgerSource == LedgerFromSheets {
		src, err := sheets.NewLedgerSource(ctx, config.Sheets)
		if err != nil {
			if result.Cleanup != nil {
				_ = result.Cleanup()
			}
			return nil, fmt.Errorf("failed to initialize Google Sheets ledger: %w", err)
		}
		result.Ledger = src
		result.Versions = nil
		f.logger.Info("Ledger reads served from Google Sheets", "sheet", config.Sheets.LedgerSheet)
	}

	return result, nil
}

func (f *DefaultFactory) createSQLBackend(repo *storage.SQLRepository, err error) (*BackendResult, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQL repository: %w", err)
	}
	f.logger.Info("Initialized SQL backend")
	return &BackendResult{
		Store:    repo,
		Ledger:   repo,
		Versions: repo,
		Cleanup:  repo.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) *BackendResult {
	dataDir := config.DataDirectory
	if dataDir == "" {
		dataDir = "data"
	}

	store := memory.NewFromFiles(dataDir)
	f.logger.Info("Initialized memory backend", "data_directory", dataDir)

	return &BackendResult{
		Store:    store,
		Ledger:   store,
		Versions: store,
	}
}

// CreateCache builds the summary cache selected by config. For the memory
// cache the returned Manager runs periodic expiry; call Cleanup on shutdown.
func CreateCache[T any](ctx context.Context, logger *slog.Logger, config Config) (*CacheResult[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	switch config.CacheType {
	case MemoryCache:
		lru := cache.NewLRUCache[T](config.CacheSize, ttl)
		mgr := cache.NewManager()
		mgr.Register(lru)
		mgr.StartCleanup(max(ttl/2, time.Second))
		logger.Info("Initialized memory cache", "size", config.CacheSize, "ttl", ttl)
		return &CacheResult[T]{
			Cache:   lru,
			Manager: mgr,
			Cleanup: func() error { mgr.Stop(); return nil },
		}, nil
	case RedisCache:
		rc, err := cache.NewRedisCache[T](ctx, config.RedisURL, cacheKeyPrefix, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		logger.Info("Initialized redis cache", "ttl", ttl)
		return &CacheResult[T]{Cache: rc, Cleanup: rc.Close}, nil
	case "", NoCache:
		logger.Info("Summary cache disabled")
		return &CacheResult[T]{}, nil
	}
	return nil, fmt.Errorf("invalid cache type: %s", config.CacheType)
}
