package quota_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

func newSweeper(t *testing.T, ledger quota.LedgerStore, latch quota.Latch) *quota.Sweeper {
	t.Helper()
	s, err := quota.NewSweeper(quota.SweeperConfig{
		Ledger: ledger,
		Latch:  latch,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 0, 0, 5, 0, time.UTC) },
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	return s
}

func putEntry(store *quota.MemoryStore, userID string, year, month, used int) quota.LedgerEntry {
	created := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	e := quota.NewLedgerEntry(userID, quota.Period{Year: year, Month: month}, created)
	e.FreeUsed = used
	return store.PutEntry(e)
}

func TestSweeper_ResetsPreviousMonth(t *testing.T) {
	store := quota.NewMemoryStore()
	feb1 := putEntry(store, "u1", 2026, 2, 3)
	feb2 := putEntry(store, "u2", 2026, 2, 1)
	dec := putEntry(store, "u3", 2025, 12, 2)
	marUsed := putEntry(store, "u4", 2026, 3, 1)
	marIdle := putEntry(store, "u5", 2026, 3, 0)
	s := newSweeper(t, store, nil)

	ref := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.RunMonthlyResetAt(t.Context(), ref)
	if err != nil {
		t.Fatalf("RunMonthlyResetAt() error = %v", err)
	}
	if n != 4 {
		t.Errorf("reset count = %d, want 4", n)
	}

	for _, e := range []quota.LedgerEntry{feb1, feb2, dec, marUsed} {
		got, _ := store.Entry(e.UserID, e.Period())
		if got.FreeUsed != 0 {
			t.Errorf("%s %s FreeUsed = %d, want 0", e.UserID, e.Period(), got.FreeUsed)
		}
		if got.LastResetAt.Equal(e.LastResetAt) {
			t.Errorf("%s LastResetAt not refreshed", e.UserID)
		}
	}
	got, _ := store.Entry(marIdle.UserID, marIdle.Period())
	if !got.LastResetAt.Equal(marIdle.LastResetAt) {
		t.Error("idle current-month entry should not be touched")
	}
}

func TestSweeper_MidMonthLeavesCurrentPeriod(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 2, 3)
	cur := putEntry(store, "u2", 2026, 3, 2)
	s := newSweeper(t, store, nil)

	n, err := s.RunMonthlyResetAt(t.Context(), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}
	got, _ := store.Entry(cur.UserID, cur.Period())
	if got.FreeUsed != 2 {
		t.Errorf("current month FreeUsed = %d, want 2", got.FreeUsed)
	}
}

func TestSweeper_RepeatedRunIsHarmless(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 2, 3)
	putEntry(store, "u2", 2026, 3, 1)
	s := newSweeper(t, store, nil)
	ref := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if n, err := s.RunMonthlyResetAt(t.Context(), ref); err != nil || n != 2 {
		t.Fatalf("first run = %d, %v; want 2, nil", n, err)
	}

	// Earlier periods stay eligible; the zeroed current-month entry does not.
	n, err := s.RunMonthlyResetAt(t.Context(), ref)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("second run count = %d, want 1", n)
	}
	got, _ := store.Entry("u1", quota.Period{Year: 2026, Month: 2})
	if got.FreeUsed != 0 {
		t.Errorf("FreeUsed = %d, want 0", got.FreeUsed)
	}
}

func TestSweeper_SecondRunOnFirstWipesNewUsage(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 3, 0)
	s := newSweeper(t, store, nil)

	if _, err := s.RunMonthlyResetAt(t.Context(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	e, _ := store.Entry("u1", quota.Period{Year: 2026, Month: 3})
	e.FreeUsed = 2
	store.PutEntry(e)

	n, err := s.RunMonthlyResetAt(t.Context(), time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}
	got, _ := store.Entry("u1", quota.Period{Year: 2026, Month: 3})
	if got.FreeUsed != 0 {
		t.Errorf("FreeUsed = %d, want 0", got.FreeUsed)
	}
}

func TestSweeper_ConvertsReferenceToLocation(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 3, 2)
	s, err := quota.NewSweeper(quota.SweeperConfig{
		Ledger:   store,
		Location: time.FixedZone("UTC+8", 8*60*60),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// 16:30 UTC on 31 March is 1 April at UTC+8, so March is the previous month.
	n, err := s.RunMonthlyResetAt(t.Context(), time.Date(2026, 3, 31, 16, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}
}

type blockingLedger struct {
	*quota.MemoryStore
	started chan struct{}
	release chan struct{}
}

func (l *blockingLedger) EntriesNeedingReset(ctx context.Context, ref time.Time) iter.Seq2[quota.LedgerEntry, error] {
	close(l.started)
	<-l.release
	return l.MemoryStore.EntriesNeedingReset(ctx, ref)
}

func TestSweeper_RejectsOverlappingRun(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 2, 3)
	ledger := &blockingLedger{MemoryStore: store, started: make(chan struct{}), release: make(chan struct{})}
	s := newSweeper(t, ledger, nil)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.RunMonthlyReset(context.Background())
		done <- result{n, err}
	}()

	<-ledger.started
	if !s.Running() {
		t.Error("Running() = false during a sweep")
	}
	if _, err := s.RunMonthlyReset(t.Context()); !errors.Is(err, quota.ErrSweepInProgress) {
		t.Errorf("overlapping run error = %v, want ErrSweepInProgress", err)
	}
	close(ledger.release)

	r := <-done
	if r.err != nil || r.n != 1 {
		t.Errorf("first run = %d, %v; want 1, nil", r.n, r.err)
	}
	if s.Running() {
		t.Error("Running() = true after the sweep finished")
	}
}

type fakeLatch struct {
	ok       bool
	err      error
	released int
}

func (l *fakeLatch) TryAcquire(context.Context) (func(context.Context) error, bool, error) {
	if l.err != nil || !l.ok {
		return nil, false, l.err
	}
	return func(context.Context) error {
		l.released++
		return nil
	}, true, nil
}

func TestSweeper_Latch(t *testing.T) {
	ref := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("held elsewhere", func(t *testing.T) {
		store := quota.NewMemoryStore()
		e := putEntry(store, "u1", 2026, 2, 3)
		s := newSweeper(t, store, &fakeLatch{ok: false})

		if _, err := s.RunMonthlyResetAt(t.Context(), ref); !errors.Is(err, quota.ErrSweepInProgress) {
			t.Fatalf("error = %v, want ErrSweepInProgress", err)
		}
		got, _ := store.Entry(e.UserID, e.Period())
		if got.FreeUsed != 3 {
			t.Errorf("FreeUsed = %d, want 3", got.FreeUsed)
		}
	})

	t.Run("acquired and released", func(t *testing.T) {
		store := quota.NewMemoryStore()
		putEntry(store, "u1", 2026, 2, 3)
		latch := &fakeLatch{ok: true}
		s := newSweeper(t, store, latch)

		if n, err := s.RunMonthlyResetAt(t.Context(), ref); err != nil || n != 1 {
			t.Fatalf("run = %d, %v; want 1, nil", n, err)
		}
		if latch.released != 1 {
			t.Errorf("released = %d, want 1", latch.released)
		}
	})

	t.Run("latch error", func(t *testing.T) {
		store := quota.NewMemoryStore()
		boom := errors.New("redis unavailable")
		s := newSweeper(t, store, &fakeLatch{err: boom})

		if _, err := s.RunMonthlyResetAt(t.Context(), ref); !errors.Is(err, boom) {
			t.Errorf("error = %v, want wrapped latch error", err)
		}
	})
}

type failingSaveLedger struct {
	*quota.MemoryStore
}

func (failingSaveLedger) SaveEntry(context.Context, quota.LedgerEntry) error {
	return errors.New("disk full")
}

func TestSweeper_SaveFailureStopsRun(t *testing.T) {
	store := quota.NewMemoryStore()
	putEntry(store, "u1", 2026, 2, 3)
	putEntry(store, "u2", 2026, 1, 3)
	s := newSweeper(t, failingSaveLedger{store}, nil)

	n, err := s.RunMonthlyResetAt(t.Context(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("RunMonthlyResetAt() should fail")
	}
	if n != 0 {
		t.Errorf("reset count = %d, want 0", n)
	}
	if s.Running() {
		t.Error("latch should be released after a failure")
	}
}
