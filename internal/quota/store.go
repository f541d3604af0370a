package quota

import (
	"context"
	"iter"
	"time"
)

// User is an account that may ask questions. Accounts are managed elsewhere.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Exchange is the immutable record of one served question.
type Exchange struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	TokensUsed int       `json:"tokensUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Answer is the output of the answer generator.
type Answer struct {
	Text       string
	TokensUsed int
}

// Generator produces an answer for a question.
type Generator interface {
	Generate(ctx context.Context, question string) (Answer, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, question string) (Answer, error)

func (f GeneratorFunc) Generate(ctx context.Context, question string) (Answer, error) {
	return f(ctx, question)
}

// Source identifies which quota pays for a question.
type Source string

const (
	SourceFree   Source = "free"
	SourceBundle Source = "bundle"
)

// Charge is the quota mutation committed together with an exchange.
// Stores apply it as a conditional update that re-validates the balance.
type Charge struct {
	Source Source
	Entry  LedgerEntry // SourceFree: the entry after ReserveFreeUnit
	Bundle Bundle      // SourceBundle: the bundle after Deduct
	Amount int64
}

// FreeCharge charges one free question to the reserved entry.
func FreeCharge(next LedgerEntry) Charge {
	return Charge{Source: SourceFree, Entry: next, Amount: 1}
}

// BundleCharge charges amount to the deducted bundle.
func BundleCharge(next Bundle, amount int64) Charge {
	return Charge{Source: SourceBundle, Bundle: next, Amount: amount}
}

// UserStore answers whether a user exists.
type UserStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	FindUser(ctx context.Context, userID string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// LedgerStore persists monthly free-tier usage.
type LedgerStore interface {
	// GetOrCreateEntry returns the entry for the period, creating it with
	// no usage if absent. Concurrent calls for the same key return the
	// same entry.
	GetOrCreateEntry(ctx context.Context, userID string, p Period) (LedgerEntry, error)
	// EntriesNeedingReset lazily yields every entry NeedsReset selects for ref.
	// The sequence is single-use.
	EntriesNeedingReset(ctx context.Context, ref time.Time) iter.Seq2[LedgerEntry, error]
	// SaveEntry overwrites the entry's usage counters.
	SaveEntry(ctx context.Context, e LedgerEntry) error
}

// BundleStore persists purchased bundles.
type BundleStore interface {
	// ListActiveBundles returns the user's active bundles ordered as
	// SortForSelection orders them.
	ListActiveBundles(ctx context.Context, userID string, now time.Time) ([]Bundle, error)
	LatestActiveBundle(ctx context.Context, userID string, now time.Time) (Bundle, bool, error)
	CreateBundle(ctx context.Context, b Bundle) (Bundle, error)
	// SaveBundle writes a deducted bundle. Remaining quota may only decrease.
	SaveBundle(ctx context.Context, b Bundle) error
}

// ExchangeStore reads recorded exchanges.
type ExchangeStore interface {
	// ListExchanges returns the user's exchanges, newest first.
	ListExchanges(ctx context.Context, userID string, limit, offset int) ([]Exchange, error)
}

// Recorder applies a charge and inserts the exchange it paid for as one
// atomic unit. A charge whose balance no longer covers it fails with
// ErrQuotaExhausted or ErrInsufficientQuota and records nothing.
type Recorder interface {
	Commit(ctx context.Context, charge Charge, ex Exchange) (Exchange, error)
}

// Store is implemented by every complete persistence backend.
type Store interface {
	UserStore
	LedgerStore
	BundleStore
	ExchangeStore
	Recorder
}
