// Package ledger normalizes raw ledger records into ordered, validated
// sequences for a single user.
package ledger

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"finsights/internal/core"
	"finsights/internal/ports"
)

var tracer = otel.Tracer("finsights/ledger")

// Reader reads a user's ledger from the storage collaborator.
type Reader struct {
	source  ports.LedgerSource
	backoff time.Duration
}

func NewReader(source ports.LedgerSource, retryBackoff time.Duration) *Reader {
	return &Reader{source: source, backoff: retryBackoff}
}

// Sequence is an immutable, time-ordered view of ledger entries. Every call
// to All starts a fresh iteration.
type Sequence struct {
	entries []core.LedgerEntry
}

// NewSequence orders entries by (occurred_at, id). The input is copied.
func NewSequence(entries []core.LedgerEntry) Sequence {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, compareEntries)
	return Sequence{entries: sorted}
}

func compareEntries(a, b core.LedgerEntry) int {
	if c := a.OccurredAt.Compare(b.OccurredAt.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// All yields every entry in order.
func (s Sequence) All() iter.Seq[core.LedgerEntry] {
	return func(yield func(core.LedgerEntry) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Within yields the entries that fall inside rng, in order.
func (s Sequence) Within(rng core.DateRange) iter.Seq[core.LedgerEntry] {
	return func(yield func(core.LedgerEntry) bool) {
		for _, e := range s.entries {
			if !rng.Contains(e.OccurredAt) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (s Sequence) Len() int { return len(s.entries) }

// Read returns the user's live entries inside rng. It fails with
// core.ErrInvalidRange when rng is inverted, core.ErrDataUnavailable when
// storage stays unreachable after one retry, and core.ErrTimeout when ctx's
// deadline passes first.
func (r *Reader) Read(ctx context.Context, userID string, rng core.DateRange) (Sequence, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Sequence{}, fmt.Errorf("%w: empty user id", core.ErrInvalidInput)
	}
	if err := rng.Validate(); err != nil {
		return Sequence{}, err
	}

	ctx, span := tracer.Start(ctx, "ledger.Read")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if err := core.ContextError(ctx); err != nil {
		return Sequence{}, err
	}

	raw, err := core.Retry(ctx, r.backoff, func(ctx context.Context) ([]core.LedgerEntry, error) {
		return r.source.QueryLedgerEntries(ctx, userID, rng)
	})
	if err != nil {
		span.RecordError(err)
		return Sequence{}, fmt.Errorf("read ledger for %s: %w", userID, err)
	}
	if err := core.ContextError(ctx); err != nil {
		return Sequence{}, err
	}

	seen := make(map[string]struct{}, len(raw))
	for _, e := range raw {
		if err := e.Validate(); err != nil {
			return Sequence{}, err
		}
		if e.UserID != userID {
			return Sequence{}, fmt.Errorf("%w: entry %s belongs to %s, not %s", core.ErrInvalidRecord, e.ID, e.UserID, userID)
		}
		if _, dup := seen[e.ID]; dup {
			return Sequence{}, fmt.Errorf("%w: duplicate entry id %s", core.ErrInvalidRecord, e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	seq := NewSequence(raw)
	span.SetAttributes(attribute.Int("entries", seq.Len()))
	return seq, nil
}
