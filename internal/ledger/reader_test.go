package ledger

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"finsights/internal/core"
)

type fakeSource struct {
	entries []core.LedgerEntry
	errs    []error
	calls   int
}

func (f *fakeSource) QueryLedgerEntries(ctx context.Context, userID string, rng core.DateRange) ([]core.LedgerEntry, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []core.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID && rng.Contains(e.OccurredAt) {
			out = append(out, e)
		}
	}
	return out, nil
}

func entry(id string, day int, amount int64) core.LedgerEntry {
	return core.LedgerEntry{ID: id, UserID: "u1", Category: "food", Amount: amount, OccurredAt: core.NewDate(2025, 3, day)}
}

func ids(seq Sequence) []string {
	var out []string
	for e := range seq.All() {
		out = append(out, e.ID)
	}
	return out
}

func TestReadOrdersByDateThenID(t *testing.T) {
	src := &fakeSource{entries: []core.LedgerEntry{
		entry("c", 2, -100),
		entry("b", 1, -100),
		entry("a", 2, -100),
	}}
	seq, err := NewReader(src, time.Millisecond).Read(context.Background(), "u1", core.DateRange{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := ids(seq), []string{"b", "a", "c"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestSequenceIsRestartable(t *testing.T) {
	seq := NewSequence([]core.LedgerEntry{entry("a", 1, 1), entry("b", 2, 2)})
	first := ids(seq)

	// Stop the second pass early; a third pass must still see everything.
	for range seq.All() {
		break
	}
	if third := ids(seq); !slices.Equal(first, third) {
		t.Fatalf("passes differ: %v vs %v", first, third)
	}
	if seq.Len() != 2 {
		t.Fatalf("len = %d", seq.Len())
	}
}

func TestReadErrors(t *testing.T) {
	inverted := core.DateRange{Start: core.NewDate(2025, 3, 2), End: core.NewDate(2025, 3, 1)}

	tests := []struct {
		name      string
		src       *fakeSource
		userID    string
		rng       core.DateRange
		want      error
		wantCalls int
	}{
		{"inverted range", &fakeSource{}, "u1", inverted, core.ErrInvalidRange, 0},
		{"empty user", &fakeSource{}, " ", core.DateRange{}, core.ErrInvalidInput, 0},
		{
			"unavailable twice",
			&fakeSource{errs: []error{core.ErrDataUnavailable, core.ErrDataUnavailable}},
			"u1", core.DateRange{}, core.ErrDataUnavailable, 2,
		},
		{
			"invalid record",
			&fakeSource{entries: []core.LedgerEntry{{ID: "x", UserID: "u1", OccurredAt: core.NewDate(2025, 1, 1)}}},
			"u1", core.DateRange{}, core.ErrInvalidRecord, 1,
		},
		{
			"duplicate id",
			&fakeSource{entries: []core.LedgerEntry{entry("a", 1, 1), entry("a", 2, 1)}},
			"u1", core.DateRange{}, core.ErrInvalidRecord, 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(tc.src, time.Millisecond).Read(context.Background(), tc.userID, tc.rng)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if tc.src.calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", tc.src.calls, tc.wantCalls)
			}
		})
	}
}

func TestReadRecoversAfterOneRetry(t *testing.T) {
	src := &fakeSource{
		entries: []core.LedgerEntry{entry("a", 1, -100)},
		errs:    []error{core.ErrDataUnavailable},
	}
	seq, err := NewReader(src, time.Millisecond).Read(context.Background(), "u1", core.DateRange{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if seq.Len() != 1 || src.calls != 2 {
		t.Fatalf("len=%d calls=%d", seq.Len(), src.calls)
	}
}

func TestReadExpiredDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := NewReader(&fakeSource{}, time.Millisecond).Read(ctx, "u1", core.DateRange{})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWithin(t *testing.T) {
	seq := NewSequence([]core.LedgerEntry{entry("a", 1, 1), entry("b", 15, 1), entry("c", 31, 1)})
	rng := core.DateRange{Start: core.NewDate(2025, 3, 10), End: core.NewDate(2025, 3, 20)}
	var got []string
	for e := range seq.Within(rng) {
		got = append(got, e.ID)
	}
	if !slices.Equal(got, []string{"b"}) {
		t.Fatalf("within = %v", got)
	}
}
