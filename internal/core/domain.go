package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	Bracket24to25 AgeBracket = "24-25"
	Bracket26to27 AgeBracket = "26-27"
	Bracket28to30 AgeBracket = "28-30"
	Bracket31to33 AgeBracket = "31-33"
	Bracket34to35 AgeBracket = "34-35"
)

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusCompleted ReservationStatus = "completed"
	StatusExpired   ReservationStatus = "expired"
	StatusCancelled ReservationStatus = "cancelled"
)

const (
	CohortEventUpsert CohortEventType = "upsert"
	CohortEventRemove CohortEventType = "remove"
)

// GlobalQuotaScope identifies a recommendation computed across all businesses.
const GlobalQuotaScope = "global_default"

type (
	AgeBracket        string
	ReservationStatus string
	CohortEventType   string

	// LedgerEntry is one immutable ledger record. Amount is signed and
	// expressed in minor currency units (cents).
	LedgerEntry struct {
		ID         string
		UserID     string
		Category   string
		Amount     int64
		OccurredAt Date
		IsTransfer bool
	}

	UserSettings struct {
		UserID             string   `json:"user_id"`
		DefaultCurrency    string   `json:"default_currency"`
		HiddenCategories   []string `json:"hidden_categories"`
		EmailNotifications bool     `json:"email_notifications"`
	}

	UserDemographics struct {
		UserID        string     `json:"user_id"`
		AgeBracket    AgeBracket `json:"age_bracket"`
		OptInRankings bool       `json:"opt_in_rankings"`
	}

	// CohortMember is one opted-in user's current net worth in minor units.
	CohortMember struct {
		UserID   string
		NetWorth int64
	}

	// CohortEvent announces a cohort membership change so that every
	// replica's index converges without waiting for a rebuild.
	CohortEvent struct {
		ID         string          `json:"id"`
		Type       CohortEventType `json:"type"`
		UserID     string          `json:"user_id"`
		AgeBracket AgeBracket      `json:"age_bracket,omitempty"`
		NetWorth   int64           `json:"net_worth"`
		OccurredAt time.Time       `json:"occurred_at"`
	}

	// PercentileSnapshot is the ranking a user held on one day. At most one
	// snapshot exists per user and day.
	PercentileSnapshot struct {
		UserID     string     `json:"user_id"`
		Day        Date       `json:"date"`
		AgeBracket AgeBracket `json:"age_bracket"`
		Percentile float64    `json:"percentile"`
		NetWorth   int64      `json:"net_worth"`
	}

	TaskReservation struct {
		TaskID     string
		BusinessID string
		ReservedAt time.Time
		Status     ReservationStatus
	}
)

// AgeBrackets lists the supported brackets in ascending order.
var AgeBrackets = []AgeBracket{Bracket24to25, Bracket26to27, Bracket28to30, Bracket31to33, Bracket34to35}

// ParseAgeBracket validates a bracket label.
func ParseAgeBracket(s string) (AgeBracket, error) {
	b := AgeBracket(strings.TrimSpace(s))
	if !b.Valid() {
		return "", fmt.Errorf("%w: age bracket %q must be one of %v", ErrInvalidInput, s, AgeBrackets)
	}
	return b, nil
}

func (b AgeBracket) Valid() bool {
	return slices.Contains(AgeBrackets, b)
}

func (b AgeBracket) String() string { return string(b) }

// NewLedgerEntry builds a LedgerEntry from raw storage values, rejecting
// records that would poison aggregation.
func NewLedgerEntry(id, userID, category string, amount int64, occurredAt Date, isTransfer bool) (LedgerEntry, error) {
	e := LedgerEntry{
		ID:         strings.TrimSpace(id),
		UserID:     strings.TrimSpace(userID),
		Category:   strings.TrimSpace(category),
		Amount:     amount,
		OccurredAt: occurredAt,
		IsTransfer: isTransfer,
	}
	if err := e.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

func (e LedgerEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: ledger entry has empty id", ErrInvalidRecord)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: ledger entry %s has empty user id", ErrInvalidRecord, e.ID)
	}
	if e.Category == "" {
		return fmt.Errorf("%w: ledger entry %s has empty category", ErrInvalidRecord, e.ID)
	}
	if err := e.OccurredAt.Validate(); err != nil {
		return fmt.Errorf("%w: ledger entry %s: %v", ErrInvalidRecord, e.ID, err)
	}
	return nil
}

// HiddenSet returns the hidden categories as a lookup set.
func (s UserSettings) HiddenSet() map[string]bool {
	set := make(map[string]bool, len(s.HiddenCategories))
	for _, c := range s.HiddenCategories {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = true
		}
	}
	return set
}

// DefaultSettings is used for users that never saved settings.
func DefaultSettings(userID string) UserSettings {
	return UserSettings{UserID: userID, DefaultCurrency: "USD", EmailNotifications: true}
}

func (s UserSettings) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	for _, c := range s.HiddenCategories {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: hidden category cannot be blank", ErrInvalidInput)
		}
		if len(c) > 100 {
			return fmt.Errorf("%w: hidden category too long (max 100 characters)", ErrInvalidInput)
		}
	}
	return nil
}

func (d UserDemographics) Validate() error {
	if strings.TrimSpace(d.UserID) == "" {
		return fmt.Errorf("%w: demographics with empty user id", ErrInvalidRecord)
	}
	if !d.AgeBracket.Valid() {
		return fmt.Errorf("%w: user %s has unknown age bracket %q", ErrInvalidRecord, d.UserID, d.AgeBracket)
	}
	return nil
}

func (p PercentileSnapshot) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: percentile snapshot with empty user id", ErrInvalidInput)
	}
	if err := p.Day.Validate(); err != nil {
		return fmt.Errorf("%w: percentile snapshot for %s: %v", ErrInvalidInput, p.UserID, err)
	}
	if !p.AgeBracket.Valid() {
		return fmt.Errorf("%w: percentile snapshot for %s has unknown age bracket %q", ErrInvalidInput, p.UserID, p.AgeBracket)
	}
	if p.Percentile < 0 || p.Percentile > 100 {
		return fmt.Errorf("%w: percentile %v out of range", ErrInvalidInput, p.Percentile)
	}
	return nil
}

func ParseReservationStatus(s string) (ReservationStatus, error) {
	st := ReservationStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusReserved, StatusCompleted, StatusExpired, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown reservation status %q", ErrInvalidRecord, s)
}

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// CanTransition enforces monotonic reservation transitions: only a
// reserved task may move, and only forward to a terminal state.
func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	return s == StatusReserved && to.Terminal()
}

// Transition returns a copy of r moved to status to.
func (r TaskReservation) Transition(to ReservationStatus) (TaskReservation, error) {
	if !r.Status.CanTransition(to) {
		return r, fmt.Errorf("%w: task %s from %s to %s", ErrInvalidTransition, r.TaskID, r.Status, to)
	}
	r.Status = to
	return r, nil
}

func NewTaskReservation(taskID, businessID string, reservedAt time.Time, status string) (TaskReservation, error) {
	taskID = strings.TrimSpace(taskID)
	businessID = strings.TrimSpace(businessID)
	if taskID == "" {
		return TaskReservation{}, fmt.Errorf("%w: reservation with empty task id", ErrInvalidRecord)
	}
	if businessID == "" {
		return TaskReservation{}, fmt.Errorf("%w: reservation %s has empty business id", ErrInvalidRecord, taskID)
	}
	if reservedAt.IsZero() {
		return TaskReservation{}, fmt.Errorf("%w: reservation %s has zero reserved_at", ErrInvalidRecord, taskID)
	}
	st, err := ParseReservationStatus(status)
	if err != nil {
		return TaskReservation{}, err
	}
	return TaskReservation{TaskID: taskID, BusinessID: businessID, ReservedAt: reservedAt.UTC(), Status: st}, nil
}

func (e CohortEvent) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: cohort event with empty user id", ErrInvalidRecord)
	}
	switch e.Type {
	case CohortEventRemove:
		return nil
	case CohortEventUpsert:
		if !e.AgeBracket.Valid() {
			return fmt.Errorf("%w: cohort event for %s has unknown age bracket %q", ErrInvalidRecord, e.UserID, e.AgeBracket)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown cohort event type %q", ErrInvalidRecord, e.Type)
}
