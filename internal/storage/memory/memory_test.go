package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"finsights/internal/core"
)

func TestNewFromFilesSeeds(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	mustWrite("ledger.csv", "# id,user,category,amount,date\ne1,u1,food,-50.00,2025-03-03\ne2,u1,salary,200,2025-03-28\ne3,u1,savings,-10,2025-03-05,true\nbroken,line\ne4,u1,food,abc,2025-03-03\n")
	mustWrite("demographics.csv", "u1,26-27,true\nu2,99,true\n")
	mustWrite("net_worth.csv", "u1,2025-01-01,100\nu1,2025-02-01,250.50\n")
	mustWrite("reservations.csv", "t1,b1,2025-03-01T10:00:00Z,completed\nt2,b1,not-a-time,reserved\n")

	s := NewFromFiles(dir)
	ctx := context.Background()

	entries, err := s.QueryLedgerEntries(ctx, "u1", core.DateRange{})
	if err != nil || len(entries) != 3 {
		t.Fatalf("entries = %+v, %v", entries, err)
	}
	if entries[0].Amount != -5000 || !entries[2].IsTransfer {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := s.QueryDemographics(ctx, "u2"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("invalid bracket should be skipped, err = %v", err)
	}
	nw, err := s.QueryNetWorth(ctx, "u1")
	if err != nil || nw != 25050 {
		t.Fatalf("net worth = %d, %v", nw, err)
	}
	members, _ := s.QueryOptedInUsers(ctx, core.Bracket26to27)
	if len(members) != 1 || members[0].NetWorth != 25050 {
		t.Fatalf("members = %+v", members)
	}

	res, _ := s.QueryTaskReservations(ctx, "", time.Time{}, time.Now())
	if len(res) != 1 {
		t.Fatalf("reservations = %+v", res)
	}
}

func TestNewFromFilesMissingDir(t *testing.T) {
	s := NewFromFiles(filepath.Join(t.TempDir(), "missing"))
	entries, err := s.QueryLedgerEntries(context.Background(), "u1", core.DateRange{})
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries = %v, %v", entries, err)
	}
}

func TestSupersedeBumpsVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	e, _ := core.NewLedgerEntry("a", "u1", "food", -100, core.NewDate(2025, 1, 1), false)
	if err := s.AppendLedgerEntry(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendLedgerEntry(ctx, e); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("duplicate append: err = %v", err)
	}
	v1, _ := s.LedgerVersion(ctx, "u1")

	fixed, _ := core.NewLedgerEntry("a2", "u1", "food", -90, core.NewDate(2025, 1, 1), false)
	if err := s.SupersedeLedgerEntry(ctx, "a", fixed); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if err := s.SupersedeLedgerEntry(ctx, "a", fixed); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second supersede: err = %v", err)
	}
	v2, _ := s.LedgerVersion(ctx, "u1")
	if v2 <= v1 {
		t.Fatalf("version %d -> %d", v1, v2)
	}
	entries, _ := s.QueryLedgerEntries(ctx, "u1", core.DateRange{})
	if len(entries) != 1 || entries[0].ID != "a2" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestSettingsRoundTripIsolatesSlices(t *testing.T) {
	s := New()
	ctx := context.Background()
	hidden := []string{"food"}
	if err := s.SaveUserSettings(ctx, core.UserSettings{UserID: "u1", HiddenCategories: hidden}); err != nil {
		t.Fatalf("save: %v", err)
	}
	hidden[0] = "mutated"
	got, err := s.GetUserSettings(ctx, "u1")
	if err != nil || got.HiddenCategories[0] != "food" {
		t.Fatalf("settings = %+v, %v", got, err)
	}
	if _, err := s.GetUserSettings(ctx, "u2"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestPercentileSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	save := func(day core.Date, pct float64) {
		t.Helper()
		p := core.PercentileSnapshot{UserID: "u1", Day: day, AgeBracket: core.Bracket28to30, Percentile: pct, NetWorth: int64(pct) * 100}
		if err := s.SavePercentileSnapshot(ctx, p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	save(core.NewDate(2025, 3, 1), 50)
	save(core.NewDate(2025, 1, 1), 30)
	save(core.NewDate(2025, 3, 1), 52)

	tests := []struct {
		day  core.Date
		want float64
	}{
		{core.NewDate(2025, 1, 1), 30},
		{core.NewDate(2025, 2, 15), 30},
		{core.NewDate(2025, 3, 1), 52},
		{core.NewDate(2026, 1, 1), 52},
	}
	for _, tc := range tests {
		got, err := s.LatestPercentileSnapshot(ctx, "u1", tc.day)
		if err != nil || got.Percentile != tc.want {
			t.Fatalf("latest on %s = %+v, %v; want %v", tc.day, got, err, tc.want)
		}
	}
	if _, err := s.LatestPercentileSnapshot(ctx, "u1", core.NewDate(2024, 12, 31)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.LatestPercentileSnapshot(ctx, "nobody", core.NewDate(2025, 3, 1)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
