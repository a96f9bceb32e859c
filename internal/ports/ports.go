package ports

import (
	"context"
	"time"

	"finsights/internal/core"
)

// Ports for the storage collaborator. Adapters return errors classified with
// core.StorageError so callers can tell timeouts from unavailability.
type (
	LedgerSource interface {
		// QueryLedgerEntries returns the live (non-superseded) entries of a user
		// inside rng. A zero rng means no date bound.
		QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error)
	}

	// LedgerVersioner is implemented by sources that can report a value that
	// changes whenever a user's ledger changes.
	LedgerVersioner interface {
		LedgerVersion(ctx context.Context, userID string) (int64, error)
	}

	SettingsStore interface {
		// GetUserSettings returns core.ErrNotFound for users without saved settings.
		GetUserSettings(ctx context.Context, userID string) (core.UserSettings, error)
		SaveUserSettings(ctx context.Context, s core.UserSettings) error
	}

	DemographicsStore interface {
		// QueryDemographics returns core.ErrNotFound for unknown users.
		QueryDemographics(ctx context.Context, userID string) (core.UserDemographics, error)
		SaveDemographics(ctx context.Context, d core.UserDemographics) error
	}

	NetWorthReader interface {
		// QueryNetWorth returns the latest net worth snapshot in minor units,
		// or core.ErrNotFound when the user has none.
		QueryNetWorth(ctx context.Context, userID string) (int64, error)
	}

	PercentileHistory interface {
		// SavePercentileSnapshot stores s, replacing the user's snapshot for
		// the same day.
		SavePercentileSnapshot(ctx context.Context, s core.PercentileSnapshot) error
		// LatestPercentileSnapshot returns the user's most recent snapshot
		// taken on or before day, or core.ErrNotFound.
		LatestPercentileSnapshot(ctx context.Context, userID string, day core.Date) (core.PercentileSnapshot, error)
	}

	CohortSource interface {
		QueryOptedInUsers(ctx context.Context, bracket core.AgeBracket) ([]core.CohortMember, error)
	}

	TaskReservationSource interface {
		// QueryTaskReservations returns reservations made in [from, to]. An
		// empty businessID selects every business.
		QueryTaskReservations(ctx context.Context, businessID string, from, to time.Time) ([]core.TaskReservation, error)
	}

	Pinger interface {
		Ping(ctx context.Context) error
	}
)
