package backend

import (
	"context"
	"time"

	"finsights/internal/cache"
	"finsights/internal/ports"
	"finsights/internal/sheets"
)

// Store is everything the services need from the storage collaborator.
type Store interface {
	ports.LedgerSource
	ports.LedgerVersioner
	ports.SettingsStore
	ports.DemographicsStore
	ports.NetWorthReader
	ports.PercentileHistory
	ports.CohortSource
	ports.TaskReservationSource
	ports.Pinger
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the backend instance and optional cleanup function
type BackendResult struct {
	Store Store
	// Ledger is where budget reads come from. It is Store unless the ledger
	// lives in Google Sheets.
	Ledger ports.LedgerSource
	// Versions is nil when the ledger source cannot report versions, which
	// disables summary caching.
	Versions ports.LedgerVersioner
	Cleanup  CleanupFunc
}

// CacheResult holds the budget summary cache and its lifecycle hooks.
type CacheResult[T any] struct {
	// Cache is nil when caching is disabled.
	Cache   cache.Cache[T]
	Manager *cache.Manager
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQL specific
	SQLiteDBPath string
	DatabaseURL  string

	// Memory backend specific
	DataDirectory string

	// Ledger source override
	LedgerSource LedgerSourceType
	Sheets       sheets.Config

	// Summary cache
	CacheType CacheType
	CacheSize int
	CacheTTL  time.Duration
	RedisURL  string
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}

type LedgerSourceType string

const (
	LedgerFromStore  LedgerSourceType = "store"
	LedgerFromSheets LedgerSourceType = "sheets"
)

type CacheType string

const (
	MemoryCache CacheType = "memory"
	RedisCache  CacheType = "redis"
	NoCache     CacheType = "none"
)
