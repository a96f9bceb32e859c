// Package cohort keeps, per age bracket, the sorted net worth values of the
// users who opted in to rankings.
//
// Each bracket is published as an immutable snapshot behind an atomic
// pointer. Writers to one bracket are serialized by that bracket's mutex and
// replace the snapshot wholesale, so readers never block and never see a
// half-applied mutation.
package cohort

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"finsights/internal/core"
	"finsights/internal/ports"
)

// Snapshot is a consistent view of one bracket. Values is sorted ascending
// and shared between readers: do not modify it.
type Snapshot struct {
	Bracket core.AgeBracket
	Values  []int64
	Version uint64
}

func (s Snapshot) Len() int { return len(s.Values) }

type state struct {
	loaded  bool
	version uint64
	values  []int64
	byUser  map[string]int64
}

type mutation struct {
	userID   string
	netWorth int64
	remove   bool
}

type bracket struct {
	name core.AgeBracket

	mu      sync.Mutex
	loading bool
	pending []mutation

	current atomic.Pointer[state]
}

// DefaultLoadTimeout bounds one shared bracket load.
const DefaultLoadTimeout = 30 * time.Second

type Index struct {
	source      ports.CohortSource
	backoff     time.Duration
	loadTimeout time.Duration
	brackets    map[core.AgeBracket]*bracket
	loads       singleflight.Group
}

// NewIndex creates an index with every bracket unloaded. Brackets are
// loaded from source on first use, by WarmUp, or by Rebuild.
func NewIndex(source ports.CohortSource, retryBackoff time.Duration) *Index {
	idx := &Index{
		source:      source,
		backoff:     retryBackoff,
		loadTimeout: DefaultLoadTimeout,
		brackets:    make(map[core.AgeBracket]*bracket, len(core.AgeBrackets)),
	}
	for _, b := range core.AgeBrackets {
		br := &bracket{name: b}
		br.current.Store(&state{byUser: map[string]int64{}})
		idx.brackets[b] = br
	}
	return idx
}

func (idx *Index) bracket(b core.AgeBracket) (*bracket, error) {
	br, ok := idx.brackets[b]
	if !ok {
		return nil, fmt.Errorf("%w: unknown age bracket %q", core.ErrInvalidInput, b)
	}
	return br, nil
}

// Snapshot returns the current view of bracket b, loading it first when
// needed. Concurrent first reads share one load.
func (idx *Index) Snapshot(ctx context.Context, b core.AgeBracket) (Snapshot, error) {
	br, err := idx.bracket(b)
	if err != nil {
		return Snapshot{}, err
	}
	if st := br.current.Load(); st.loaded {
		return snapshotOf(b, st), nil
	}
	if err := idx.load(ctx, br, false); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(b, br.current.Load()), nil
}

func snapshotOf(b core.AgeBracket, st *state) Snapshot {
	return Snapshot{Bracket: b, Values: st.values, Version: st.version}
}

// Rebuild reloads bracket b from the source. Mutations applied while the
// load is in flight are re-applied on top of the loaded data.
func (idx *Index) Rebuild(ctx context.Context, b core.AgeBracket) error {
	br, err := idx.bracket(b)
	if err != nil {
		return err
	}
	return idx.load(ctx, br, true)
}

// WarmUp loads every bracket concurrently.
func (idx *Index) WarmUp(ctx context.Context) error {
	var g errgroup.Group
	for _, br := range idx.brackets {
		g.Go(func() error { return idx.load(ctx, br, false) })
	}
	return g.Wait()
}

// RebuildAll reloads every bracket from the source, including brackets that
// were never read, and returns the first failure.
func (idx *Index) RebuildAll(ctx context.Context) error {
	var g errgroup.Group
	for _, br := range idx.brackets {
		g.Go(func() error { return idx.load(ctx, br, true) })
	}
	return g.Wait()
}

// load runs or joins the bracket's in-flight load. The load is shared, so it
// runs detached from the caller's cancellation under its own timeout; each
// caller stops waiting when its own ctx is done.
func (idx *Index) load(ctx context.Context, br *bracket, force bool) error {
	ch := idx.loads.DoChan(string(br.name), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idx.loadTimeout)
		defer cancel()
		return nil, idx.loadBracket(loadCtx, br, force)
	})
	select {
	case <-ctx.Done():
		return core.ContextError(ctx)
	case res := <-ch:
		return res.Err
	}
}

func (idx *Index) loadBracket(ctx context.Context, br *bracket, force bool) error {
	br.mu.Lock()
	if br.current.Load().loaded && !force {
		br.mu.Unlock()
		return nil
	}
	br.loading = true
	br.pending = nil
	br.mu.Unlock()

	start := time.Now()
	members, err := core.Retry(ctx, idx.backoff, func(ctx context.Context) ([]core.CohortMember, error) {
		return idx.source.QueryOptedInUsers(ctx, br.name)
	})

	br.mu.Lock()
	defer br.mu.Unlock()
	pending := br.pending
	br.loading = false
	br.pending = nil
	if err != nil {
		return fmt.Errorf("load cohort %s: %w", br.name, err)
	}

	byUser := make(map[string]int64, len(members))
	for _, m := range members {
		if strings.TrimSpace(m.UserID) == "" {
			return fmt.Errorf("load cohort %s: %w: member with empty user id", br.name, core.ErrInvalidRecord)
		}
		byUser[m.UserID] = m.NetWorth
	}
	for _, m := range pending {
		if m.remove {
			delete(byUser, m.userID)
		} else {
			byUser[m.userID] = m.netWorth
		}
	}

	values := slices.Collect(maps.Values(byUser))
	slices.Sort(values)
	prev := br.current.Load()
	br.current.Store(&state{loaded: true, version: prev.version + 1, values: values, byUser: byUser})

	slog.InfoContext(ctx, "Cohort bracket loaded",
		"bracket", br.name,
		"members", len(values),
		"replayed", len(pending),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Upsert inserts or replaces the user's net worth in bracket b. A user
// present in another bracket is removed from it first.
func (idx *Index) Upsert(userID string, b core.AgeBracket, netWorth int64) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: empty user id", core.ErrInvalidInput)
	}
	target, err := idx.bracket(b)
	if err != nil {
		return err
	}
	for _, br := range idx.brackets {
		if br != target {
			br.apply(mutation{userID: userID, remove: true})
		}
	}
	target.apply(mutation{userID: userID, netWorth: netWorth})
	return nil
}

// Remove deletes the user from whichever bracket holds them.
func (idx *Index) Remove(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: empty user id", core.ErrInvalidInput)
	}
	for _, br := range idx.brackets {
		br.apply(mutation{userID: userID, remove: true})
	}
	return nil
}

// apply records m for an in-flight load and applies it to the published
// state. Unloaded brackets ignore mutations: their first load reads the
// source, which already reflects them.
func (br *bracket) apply(m mutation) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if br.loading {
		br.pending = append(br.pending, m)
	}
	cur := br.current.Load()
	if !cur.loaded {
		return
	}

	old, present := cur.byUser[m.userID]
	if m.remove && !present {
		return
	}
	if !m.remove && present && old == m.netWorth {
		return
	}

	byUser := maps.Clone(cur.byUser)
	values := slices.Clone(cur.values)
	if present {
		values = removeValue(values, old)
	}
	if m.remove {
		delete(byUser, m.userID)
	} else {
		byUser[m.userID] = m.netWorth
		values = insertValue(values, m.netWorth)
	}
	br.current.Store(&state{loaded: true, version: cur.version + 1, values: values, byUser: byUser})
}

func insertValue(values []int64, v int64) []int64 {
	i, _ := slices.BinarySearch(values, v)
	return slices.Insert(values, i, v)
}

func removeValue(values []int64, v int64) []int64 {
	i, found := slices.BinarySearch(values, v)
	if !found {
		return values
	}
	return slices.Delete(values, i, i+1)
}

// Loaded reports whether bracket b has been loaded.
func (idx *Index) Loaded(b core.AgeBracket) bool {
	br, ok := idx.brackets[b]
	return ok && br.current.Load().loaded
}

// Sizes returns the member count of every loaded bracket.
func (idx *Index) Sizes() map[core.AgeBracket]int {
	out := make(map[core.AgeBracket]int, len(idx.brackets))
	for b, br := range idx.brackets {
		if st := br.current.Load(); st.loaded {
			out[b] = len(st.values)
		}
	}
	return out
}
