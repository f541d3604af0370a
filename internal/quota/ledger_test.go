package quota_test

import (
	"errors"
	"testing"
	"time"

	"github.com/p-n-ai/pai-quota/internal/quota"
)

func TestLedgerEntry_ReserveFreeUnit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e := quota.NewLedgerEntry("u1", quota.PeriodOf(now), now)

	for want := 1; want <= quota.FreeLimit; want++ {
		next, err := e.ReserveFreeUnit()
		if err != nil {
			t.Fatalf("ReserveFreeUnit() #%d error = %v", want, err)
		}
		if next.FreeUsed != want {
			t.Fatalf("FreeUsed = %d, want %d", next.FreeUsed, want)
		}
		if e.FreeUsed != want-1 {
			t.Fatalf("original entry mutated: FreeUsed = %d, want %d", e.FreeUsed, want-1)
		}
		e = next
	}

	got, err := e.ReserveFreeUnit()
	if !errors.Is(err, quota.ErrQuotaExhausted) {
		t.Fatalf("ReserveFreeUnit() at limit error = %v, want ErrQuotaExhausted", err)
	}
	if got.FreeUsed != quota.FreeLimit {
		t.Errorf("FreeUsed after failed reserve = %d, want %d", got.FreeUsed, quota.FreeLimit)
	}
	if e.HasFreeQuota() {
		t.Error("HasFreeQuota() = true at limit")
	}
	if e.FreeRemaining() != 0 {
		t.Errorf("FreeRemaining() = %d, want 0", e.FreeRemaining())
	}
}

func TestLedgerEntry_ResetIsIdempotent(t *testing.T) {
	created := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	e := quota.NewLedgerEntry("u1", quota.PeriodOf(created), created)
	e.FreeUsed = 3

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	once := e.Reset(first)
	if once.FreeUsed != 0 {
		t.Fatalf("FreeUsed after reset = %d, want 0", once.FreeUsed)
	}
	if !once.LastResetAt.Equal(first) {
		t.Errorf("LastResetAt = %v, want %v", once.LastResetAt, first)
	}

	second := first.Add(time.Hour)
	twice := once.Reset(second)
	if twice.FreeUsed != 0 {
		t.Errorf("FreeUsed after second reset = %d, want 0", twice.FreeUsed)
	}
	if !twice.LastResetAt.Equal(second) {
		t.Errorf("LastResetAt not refreshed: %v", twice.LastResetAt)
	}
	if e.FreeUsed != 3 {
		t.Errorf("original entry mutated: FreeUsed = %d", e.FreeUsed)
	}
}

func TestPeriod_Before(t *testing.T) {
	tests := []struct {
		a, b quota.Period
		want bool
	}{
		{quota.Period{Year: 2025, Month: 12}, quota.Period{Year: 2026, Month: 1}, true},
		{quota.Period{Year: 2026, Month: 1}, quota.Period{Year: 2025, Month: 12}, false},
		{quota.Period{Year: 2026, Month: 2}, quota.Period{Year: 2026, Month: 3}, true},
		{quota.Period{Year: 2026, Month: 3}, quota.Period{Year: 2026, Month: 3}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Before(tt.b); got != tt.want {
			t.Errorf("%s.Before(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNeedsReset(t *testing.T) {
	firstOfMarch := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	midMarch := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

	entry := func(year, month, used int) quota.LedgerEntry {
		return quota.LedgerEntry{ID: "e", UserID: "u", Year: year, Month: month, FreeUsed: used}
	}

	tests := []struct {
		name  string
		entry quota.LedgerEntry
		ref   time.Time
		want  bool
	}{
		{"previous month with usage", entry(2026, 2, 3), firstOfMarch, true},
		{"previous month without usage", entry(2026, 2, 0), firstOfMarch, true},
		{"previous year", entry(2025, 12, 1), firstOfMarch, true},
		{"previous month mid-month", entry(2026, 2, 2), midMarch, true},
		{"current month on the 1st with usage", entry(2026, 3, 2), firstOfMarch, true},
		{"current month on the 1st without usage", entry(2026, 3, 0), firstOfMarch, false},
		{"current month mid-month", entry(2026, 3, 3), midMarch, false},
		{"future month", entry(2026, 4, 1), firstOfMarch, false},
		{"later month of earlier year", entry(2025, 11, 1), time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quota.NeedsReset(tt.entry, tt.ref); got != tt.want {
				t.Errorf("NeedsReset() = %v, want %v", got, tt.want)
			}
		})
	}
}
