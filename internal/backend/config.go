package backend

import (
	"fmt"

	"finsights/internal/config"
	"finsights/internal/sheets"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	credentialsFile := appConfig.GoogleServiceAccountFile
	if credentialsFile == "" {
		credentialsFile = appConfig.GoogleApplicationCredentials
	}

	cfg := Config{
		Type: backendType,

		SQLiteDBPath:  appConfig.SQLiteDBPath,
		DatabaseURL:   appConfig.DatabaseURL,
		DataDirectory: appConfig.DataDir,

		LedgerSource: LedgerSourceType(appConfig.LedgerSource),
		Sheets: sheets.Config{
			SpreadsheetID:   appConfig.GoogleSpreadsheetID,
			LedgerSheet:     appConfig.GoogleLedgerSheet,
			CredentialsJSON: appConfig.GoogleServiceAccountJSON,
			CredentialsFile: credentialsFile,
		},

		CacheType: CacheType(appConfig.CacheBackend),
		CacheSize: appConfig.CacheSize,
		CacheTTL:  appConfig.CacheTTL,
		RedisURL:  appConfig.RedisURL,
	}
	return cfg, cfg.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
	case PostgresBackend:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for postgres backend")
		}
	case MemoryBackend:
		// DataDirectory defaults to "data" if empty
	}

	switch c.LedgerSource {
	case "", LedgerFromStore:
	case LedgerFromSheets:
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("Google Spreadsheet ID is required for sheets ledger source")
		}
	default:
		return fmt.Errorf("invalid ledger source: %s", c.LedgerSource)
	}

	switch c.CacheType {
	case "", NoCache:
	case MemoryCache:
		if c.CacheSize < 1 {
			return fmt.Errorf("cache size must be at least 1 for memory cache")
		}
	case RedisCache:
		if c.RedisURL == "" {
			return fmt.Errorf("Redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s", c.CacheType)
	}

	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{MemoryBackend, SQLiteBackend, PostgresBackend}
}
