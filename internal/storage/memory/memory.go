// Package memory is an in-process implementation of every storage port,
// used for local development and as a test double.
package memory

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"finsights/internal/core"
)

type netWorthSnapshot struct {
	day   core.Date
	value int64
}

type Store struct {
	mu           sync.RWMutex
	ledger       map[string][]core.LedgerEntry
	superseded   map[string]string
	versions     map[string]int64
	settings     map[string]core.UserSettings
	demographics map[string]core.UserDemographics
	netWorth     map[string][]netWorthSnapshot
	percentiles  map[string][]core.PercentileSnapshot
	reservations []core.TaskReservation
}

func New() *Store {
	return &Store{
		ledger:       map[string][]core.LedgerEntry{},
		superseded:   map[string]string{},
		versions:     map[string]int64{},
		settings:     map[string]core.UserSettings{},
		demographics: map[string]core.UserDemographics{},
		netWorth:     map[string][]netWorthSnapshot{},
		percentiles:  map[string][]core.PercentileSnapshot{},
	}
}

// NewFromFiles seeds a store from comma-separated files under base:
//
//	ledger.csv        id,user_id,category,amount,YYYY-MM-DD[,transfer]
//	demographics.csv  user_id,age_bracket,opt_in
//	net_worth.csv     user_id,YYYY-MM-DD,amount
//	reservations.csv  task_id,business_id,RFC3339 time,status
//
// Missing files are skipped. Blank lines and lines starting with # are
// ignored; malformed lines are logged and skipped.
func NewFromFiles(base string) *Store {
	s := New()
	ctx := context.Background()

	for _, f := range readLines(filepath.Join(base, "ledger.csv")) {
		if len(f) < 5 {
			slog.Warn("Skipping ledger seed line", "fields", len(f))
			continue
		}
		amount, err := core.ParseAmountToMinor(f[3])
		if err != nil {
			slog.Warn("Skipping ledger seed line", "id", f[0], "error", err)
			continue
		}
		day, err := core.ParseDate(f[4])
		if err != nil {
			slog.Warn("Skipping ledger seed line", "id", f[0], "error", err)
			continue
		}
		transfer := len(f) > 5 && parseBool(f[5])
		e, err := core.NewLedgerEntry(f[0], f[1], f[2], amount, day, transfer)
		if err == nil {
			err = s.AppendLedgerEntry(ctx, e)
		}
		if err != nil {
			slog.Warn("Skipping ledger seed line", "id", f[0], "error", err)
		}
	}

	for _, f := range readLines(filepath.Join(base, "demographics.csv")) {
		if len(f) < 3 {
			continue
		}
		d := core.UserDemographics{UserID: f[0], AgeBracket: core.AgeBracket(f[1]), OptInRankings: parseBool(f[2])}
		if err := s.SaveDemographics(ctx, d); err != nil {
			slog.Warn("Skipping demographics seed line", "user_id", f[0], "error", err)
		}
	}

	for _, f := range readLines(filepath.Join(base, "net_worth.csv")) {
		if len(f) < 3 {
			continue
		}
		day, err := core.ParseDate(f[1])
		if err != nil {
			slog.Warn("Skipping net worth seed line", "user_id", f[0], "error", err)
			continue
		}
		amount, err := core.ParseAmountToMinor(f[2])
		if err == nil {
			err = s.RecordNetWorth(ctx, f[0], day, amount)
		}
		if err != nil {
			slog.Warn("Skipping net worth seed line", "user_id", f[0], "error", err)
		}
	}

	for _, f := range readLines(filepath.Join(base, "reservations.csv")) {
		if len(f) < 4 {
			continue
		}
		at, err := time.Parse(time.RFC3339, f[2])
		if err != nil {
			slog.Warn("Skipping reservation seed line", "task_id", f[0], "error", err)
			continue
		}
		r, err := core.NewTaskReservation(f[0], f[1], at, f[3])
		if err != nil {
			slog.Warn("Skipping reservation seed line", "task_id", f[0], "error", err)
			continue
		}
		s.AddTaskReservation(r)
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	if err := core.ContextError(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LedgerEntry
	for _, e := range s.ledger[userID] {
		if _, gone := s.superseded[e.ID]; gone || !rng.Contains(e.OccurredAt) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) LedgerVersion(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[userID], nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, e core.LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ledger[e.UserID] {
		if existing.ID == e.ID {
			return fmt.Errorf("%w: duplicate ledger entry %s", core.ErrInvalidInput, e.ID)
		}
	}
	s.ledger[e.UserID] = append(s.ledger[e.UserID], e)
	s.versions[e.UserID]++
	return nil
}

// SupersedeLedgerEntry records correction and hides the entry it replaces.
func (s *Store) SupersedeLedgerEntry(ctx context.Context, oldID string, correction core.LedgerEntry) error {
	if err := correction.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	entries := s.ledger[correction.UserID]
	idx := slices.IndexFunc(entries, func(e core.LedgerEntry) bool { return e.ID == oldID })
	_, gone := s.superseded[oldID]
	if idx < 0 || gone {
		s.mu.Unlock()
		return fmt.Errorf("%w: live ledger entry %s", core.ErrNotFound, oldID)
	}
	s.superseded[oldID] = correction.ID
	s.mu.Unlock()
	return s.AppendLedgerEntry(ctx, correction)
}

func (s *Store) GetUserSettings(_ context.Context, userID string) (core.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[userID]
	if !ok {
		return core.UserSettings{}, fmt.Errorf("%w: settings for %s", core.ErrNotFound, userID)
	}
	st.HiddenCategories = slices.Clone(st.HiddenCategories)
	return st, nil
}

func (s *Store) SaveUserSettings(_ context.Context, st core.UserSettings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st.HiddenCategories = slices.Clone(st.HiddenCategories)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.UserID] = st
	return nil
}

func (s *Store) QueryDemographics(_ context.Context, userID string) (core.UserDemographics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.demographics[userID]
	if !ok {
		return core.UserDemographics{}, fmt.Errorf("%w: demographics for %s", core.ErrNotFound, userID)
	}
	return d, nil
}

func (s *Store) SaveDemographics(_ context.Context, d core.UserDemographics) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demographics[d.UserID] = d
	return nil
}

func (s *Store) QueryNetWorth(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.netWorth[userID]
	if len(snaps) == 0 {
		return 0, fmt.Errorf("%w: net worth for %s", core.ErrNotFound, userID)
	}
	return snaps[len(snaps)-1].value, nil
}

// RecordNetWorth stores the user's net worth for day, replacing an earlier
// value for the same day.
func (s *Store) RecordNetWorth(_ context.Context, userID string, day core.Date, netWorth int64) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", core.ErrInvalidInput)
	}
	if err := day.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.netWorth[userID]
	i, found := slices.BinarySearchFunc(snaps, day, func(n netWorthSnapshot, d core.Date) int {
		return n.day.Compare(d.Time)
	})
	if found {
		snaps[i].value = netWorth
		return nil
	}
	s.netWorth[userID] = slices.Insert(snaps, i, netWorthSnapshot{day: day, value: netWorth})
	return nil
}

func (s *Store) SavePercentileSnapshot(_ context.Context, p core.PercentileSnapshot) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.percentiles[p.UserID]
	i, found := slices.BinarySearchFunc(snaps, p.Day, func(e core.PercentileSnapshot, d core.Date) int {
		return e.Day.Compare(d.Time)
	})
	if found {
		snaps[i] = p
		return nil
	}
	s.percentiles[p.UserID] = slices.Insert(snaps, i, p)
	return nil
}

func (s *Store) LatestPercentileSnapshot(_ context.Context, userID string, day core.Date) (core.PercentileSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.percentiles[userID]
	// Index of the first snapshot after day.
	i, found := slices.BinarySearchFunc(snaps, day, func(e core.PercentileSnapshot, d core.Date) int {
		return e.Day.Compare(d.Time)
	})
	if found {
		i++
	}
	if i == 0 {
		return core.PercentileSnapshot{}, fmt.Errorf("%w: percentile snapshot for %s on or before %s", core.ErrNotFound, userID, day)
	}
	return snaps[i-1], nil
}

func (s *Store) QueryOptedInUsers(ctx context.Context, bracket core.AgeBracket) ([]core.CohortMember, error) {
	if err := core.ContextError(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.CohortMember
	for id, d := range s.demographics {
		snaps := s.netWorth[id]
		if !d.OptInRankings || d.AgeBracket != bracket || len(snaps) == 0 {
			continue
		}
		out = append(out, core.CohortMember{UserID: id, NetWorth: snaps[len(snaps)-1].value})
	}
	return out, nil
}

func (s *Store) AddTaskReservation(r core.TaskReservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations = append(s.reservations, r)
}

func (s *Store) QueryTaskReservations(_ context.Context, businessID string, from, to time.Time) ([]core.TaskReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.TaskReservation
	for _, r := range s.reservations {
		if businessID != "" && r.BusinessID != businessID {
			continue
		}
		if r.ReservedAt.Before(from) || r.ReservedAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

// readLines returns the comma-separated fields of each meaningful line.
func readLines(path string) [][]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out [][]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		out = append(out, fields)
	}
	return out
}
