// Package quota meters answered questions against a monthly free allowance
// and purchased quota bundles.
package quota

import (
	"fmt"
	"time"
)

// FreeLimit is the number of free questions a user gets per calendar month.
const FreeLimit = 3

// Period identifies a calendar month.
type Period struct {
	Year  int
	Month int // 1-12
}

// PeriodOf returns the calendar month containing t, in t's location.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.Month < other.Month
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// LedgerEntry tracks free-tier consumption for one user in one month.
// Values are immutable; mutations return a new entry.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Month       int       `json:"month"`
	Year        int       `json:"year"`
	FreeUsed    int       `json:"freeUsed"`
	LastResetAt time.Time `json:"lastResetAt"`
}

// NewLedgerEntry returns an unsaved entry with no free questions used.
func NewLedgerEntry(userID string, p Period, now time.Time) LedgerEntry {
	return LedgerEntry{
		UserID:      userID,
		Month:       p.Month,
		Year:        p.Year,
		LastResetAt: now,
	}
}

// Period returns the month this entry belongs to.
func (e LedgerEntry) Period() Period {
	return Period{Year: e.Year, Month: e.Month}
}

// HasFreeQuota reports whether another free question can be served.
func (e LedgerEntry) HasFreeQuota() bool {
	return e.FreeUsed < FreeLimit
}

// FreeRemaining returns the number of free questions left this month.
func (e LedgerEntry) FreeRemaining() int {
	if e.FreeUsed >= FreeLimit {
		return 0
	}
	return FreeLimit - e.FreeUsed
}

// ReserveFreeUnit returns the entry with one more free question used.
// It fails with ErrQuotaExhausted once FreeLimit is reached.
func (e LedgerEntry) ReserveFreeUnit() (LedgerEntry, error) {
	if !e.HasFreeQuota() {
		return e, ErrQuotaExhausted
	}
	e.FreeUsed++
	return e, nil
}

// Reset returns the entry with its free usage cleared.
func (e LedgerEntry) Reset(now time.Time) LedgerEntry {
	e.FreeUsed = 0
	e.LastResetAt = now
	return e
}

// NeedsReset reports whether a sweep running at ref should reset the entry.
//
// Entries from any earlier month are always eligible. Entries from the
// current month are eligible only when the sweep runs on the 1st and the
// entry has recorded usage.
//
// Two consequences follow: a second sweep on the 1st wipes usage recorded
// since the first one, and a sweep that misses the 1st leaves current-month
// entries alone until next month.
func NeedsReset(e LedgerEntry, ref time.Time) bool {
	current := PeriodOf(ref)
	p := e.Period()
	if p.Before(current) {
		return true
	}
	return p == current && ref.Day() == 1 && e.FreeUsed > 0
}
