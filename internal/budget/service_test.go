package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finsights/internal/cache"
	"finsights/internal/core"
	"finsights/internal/ledger"
)

type fakeLedger struct {
	mu      sync.Mutex
	entries []core.LedgerEntry
	version int64
	calls   int
	// failBefore makes reads that end before this date fail.
	failBefore core.Date
	failWith   error
	block      bool
}

func (f *fakeLedger) QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, core.StorageError(ctx, "query", ctx.Err())
	}
	if f.failWith != nil && (f.failBefore.IsZero() || rng.End.Before(f.failBefore.Time)) {
		return nil, f.failWith
	}
	var out []core.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID && rng.Contains(e.OccurredAt) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) LedgerVersion(ctx context.Context, userID string) (int64, error) {
	return f.version, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSettings struct {
	byUser map[string]core.UserSettings
	saved  []core.UserSettings
}

func (f *fakeSettings) GetUserSettings(ctx context.Context, userID string) (core.UserSettings, error) {
	s, ok := f.byUser[userID]
	if !ok {
		return core.UserSettings{}, core.ErrNotFound
	}
	return s, nil
}

func (f *fakeSettings) SaveUserSettings(ctx context.Context, s core.UserSettings) error {
	if f.byUser == nil {
		f.byUser = map[string]core.UserSettings{}
	}
	f.byUser[s.UserID] = s
	f.saved = append(f.saved, s)
	return nil
}

func history() []core.LedgerEntry {
	at := func(id, cat string, amount int64, y, m, d int) core.LedgerEntry {
		return core.LedgerEntry{ID: id, UserID: "u1", Category: cat, Amount: amount, OccurredAt: core.NewDate(y, m, d)}
	}
	return []core.LedgerEntry{
		at("j1", "food", -1000, 2025, 1, 4),
		at("f1", "food", -2000, 2025, 2, 4),
		at("f2", "salary", 20000, 2025, 2, 27),
		at("m1", "food", -5000, 2025, 3, 3),
		at("m2", "rent", -3000, 2025, 3, 1),
		at("m3", "salary", 20000, 2025, 3, 28),
	}
}

func newTestService(src *fakeLedger, settings *fakeSettings, opts ...Option) *Service {
	opts = append(opts, WithRetryBackoff(time.Millisecond))
	return NewService(ledger.NewReader(src, time.Millisecond), settings, opts...)
}

func TestSummary(t *testing.T) {
	svc := newTestService(&fakeLedger{entries: history()}, &fakeSettings{})
	got, err := svc.Summary(context.Background(), "u1", march, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.CurrentMonth.TotalSpending != 8000 || got.CurrentMonth.NetCashflow != 12000 {
		t.Fatalf("current = %+v", got.CurrentMonth)
	}
	if got.PreviousMonth.Month != core.NewMonth(2025, 2) || got.PreviousMonth.TotalSpending != 2000 {
		t.Fatalf("previous = %+v", got.PreviousMonth)
	}
	if got.PreviousDegraded {
		t.Fatal("unexpected degraded flag")
	}
	want := []int64{1000, 2000, 8000}
	if len(got.SpendingTrend) != len(want) {
		t.Fatalf("trend = %+v", got.SpendingTrend)
	}
	for i, p := range got.SpendingTrend {
		if p.Total != want[i] {
			t.Fatalf("trend[%d] = %+v", i, p)
		}
	}
}

func TestSummaryTrendWindowLimitsHistory(t *testing.T) {
	svc := newTestService(&fakeLedger{entries: history()}, &fakeSettings{})
	got, err := svc.Summary(context.Background(), "u1", march, 1)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(got.SpendingTrend) != 1 || got.SpendingTrend[0].Month != march {
		t.Fatalf("trend = %+v", got.SpendingTrend)
	}
	if got.PreviousMonth.TotalSpending != 2000 {
		t.Fatalf("previous month must still be read: %+v", got.PreviousMonth)
	}
}

func TestSummaryNewUserGetsZeroedMonths(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeSettings{})
	got, err := svc.Summary(context.Background(), "new", march, 0)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.CurrentMonth.TransactionCount != 0 || len(got.SpendingTrend) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestSummaryDegradesWhenHistoryUnavailable(t *testing.T) {
	src := &fakeLedger{entries: history(), failBefore: march.First(), failWith: core.ErrDataUnavailable}
	svc := newTestService(src, &fakeSettings{})
	got, err := svc.Summary(context.Background(), "u1", march, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !got.PreviousDegraded || got.PreviousMonth.TotalSpending != 0 || got.PreviousMonth.Month != core.NewMonth(2025, 2) {
		t.Fatalf("previous = %+v degraded=%v", got.PreviousMonth, got.PreviousDegraded)
	}
	if got.CurrentMonth.TotalSpending != 8000 {
		t.Fatalf("current = %+v", got.CurrentMonth)
	}
}

func TestSummaryErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    *fakeLedger
		userID string
		window int
		want   error
	}{
		{"missing user", &fakeLedger{}, "", 0, core.ErrInvalidInput},
		{"window too large", &fakeLedger{}, "u1", MaxTrendWindow + 1, core.ErrInvalidInput},
		{"unknown user", &fakeLedger{failWith: core.ErrNotFound}, "u1", 0, core.ErrInsufficientData},
		{"storage down", &fakeLedger{failWith: core.ErrDataUnavailable}, "u1", 0, core.ErrDataUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestService(tc.src, &fakeSettings{}).Summary(context.Background(), tc.userID, march, tc.window)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSummaryTimeout(t *testing.T) {
	c := cache.NewLRUCache[Summary](10, time.Minute)
	src := &fakeLedger{block: true}
	svc := newTestService(src, &fakeSettings{}, WithCache(c, src))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Summary(ctx, "u1", march, 3)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if c.Size() != 0 {
		t.Fatal("timed out summary was cached")
	}
}

func TestSummaryCache(t *testing.T) {
	src := &fakeLedger{entries: history(), version: 1}
	settings := &fakeSettings{}
	svc := newTestService(src, settings, WithCache(cache.NewLRUCache[Summary](10, time.Minute), src))
	ctx := context.Background()

	first, err := svc.Summary(ctx, "u1", march, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	calls := src.callCount()

	if _, err := svc.Summary(ctx, "u1", march, 3); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if src.callCount() != calls {
		t.Fatal("second summary should be served from cache")
	}

	// A new ledger version must not see the cached value.
	src.version = 2
	src.entries = append(src.entries, core.LedgerEntry{ID: "m4", UserID: "u1", Category: "fun", Amount: -1000, OccurredAt: core.NewDate(2025, 3, 9)})
	second, err := svc.Summary(ctx, "u1", march, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if second.CurrentMonth.TotalSpending == first.CurrentMonth.TotalSpending {
		t.Fatal("stale cached summary returned after ledger change")
	}

	// Changing the hidden set changes the key too.
	if _, err := svc.UpdateHiddenCategories(ctx, "u1", []string{"food"}); err != nil {
		t.Fatalf("update hidden: %v", err)
	}
	hidden, err := svc.Summary(ctx, "u1", march, 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !findCategory(t, hidden.CurrentMonth, "food").IsHidden {
		t.Fatal("hidden flag not applied")
	}
}

func TestUpdateHiddenCategories(t *testing.T) {
	settings := &fakeSettings{byUser: map[string]core.UserSettings{
		"u1": {UserID: "u1", DefaultCurrency: "EUR", EmailNotifications: false},
	}}
	svc := newTestService(&fakeLedger{}, settings)

	got, err := svc.UpdateHiddenCategories(context.Background(), "u1", []string{" food ", "food", "", "rent"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.DefaultCurrency != "EUR" || len(got.HiddenCategories) != 2 {
		t.Fatalf("settings = %+v", got)
	}
	if len(settings.saved) != 1 {
		t.Fatalf("saved %d times", len(settings.saved))
	}

	if _, err := svc.UpdateHiddenCategories(context.Background(), " ", nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
