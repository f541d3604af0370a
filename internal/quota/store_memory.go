package quota

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ledgerKey struct {
	userID string
	period Period
}

// MemoryStore is an in-memory implementation of Store. Every mutation
// happens under one lock, so Commit is atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[string]User
	entries   map[string]LedgerEntry
	byPeriod  map[ledgerKey]string
	bundles   map[string]Bundle
	exchanges []Exchange
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		users:    make(map[string]User),
		entries:  make(map[string]LedgerEntry),
		byPeriod: make(map[ledgerKey]string),
		bundles:  make(map[string]Bundle),
	}
}

// SetClock overrides the clock used for server-assigned timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUser registers a user, assigning an ID when empty.
func (s *MemoryStore) AddUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
	return u
}

// CreateUser adds a user with a generated ID. Emails are unique ignoring case.
func (s *MemoryStore) CreateUser(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return User{}, ErrUserExists
		}
	}
	u := User{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *MemoryStore) FindUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryStore) GetOrCreateEntry(_ context.Context, userID string, p Period) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{userID: userID, period: p}
	if id, ok := s.byPeriod[key]; ok {
		return s.entries[id], nil
	}
	e := NewLedgerEntry(userID, p, s.now())
	e.ID = uuid.NewString()
	s.entries[e.ID] = e
	s.byPeriod[key] = e.ID
	return e, nil
}

// PutEntry stores an entry as-is, replacing any entry for the same period.
func (s *MemoryStore) PutEntry(e LedgerEntry) LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey{userID: e.UserID, period: e.Period()}
	if id, ok := s.byPeriod[key]; ok {
		e.ID = id
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.entries[e.ID] = e
	s.byPeriod[key] = e.ID
	return e
}

// EntriesNeedingReset snapshots the matching entries and yields them
// without holding the lock, so callers may save entries while iterating.
func (s *MemoryStore) EntriesNeedingReset(ctx context.Context, ref time.Time) iter.Seq2[LedgerEntry, error] {
	return func(yield func(LedgerEntry, error) bool) {
		s.mu.RLock()
		var due []LedgerEntry
		for _, e := range s.entries {
			if NeedsReset(e, ref) {
				due = append(due, e)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(due, func(a, b LedgerEntry) int {
			return cmp.Or(cmp.Compare(a.Year, b.Year), cmp.Compare(a.Month, b.Month), strings.Compare(a.ID, b.ID))
		})
		for _, e := range due {
			if err := ctx.Err(); err != nil {
				yield(LedgerEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) SaveEntry(_ context.Context, e LedgerEntry) error {
	if e.FreeUsed < 0 || e.FreeUsed > FreeLimit {
		return fmt.Errorf("free usage %d out of range", e.FreeUsed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[e.ID]
	if !ok {
		return fmt.Errorf("ledger entry not found: %s", e.ID)
	}
	cur.FreeUsed = e.FreeUsed
	cur.LastResetAt = e.LastResetAt
	s.entries[e.ID] = cur
	return nil
}

// Entry returns the stored entry for a user and period.
func (s *MemoryStore) Entry(userID string, p Period) (LedgerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPeriod[ledgerKey{userID: userID, period: p}]
	if !ok {
		return LedgerEntry{}, false
	}
	return s.entries[id], true
}

func (s *MemoryStore) ListActiveBundles(_ context.Context, userID string, now time.Time) ([]Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []Bundle
	for _, b := range s.bundles {
		if b.UserID == userID && b.Active(now) {
			active = append(active, b)
		}
	}
	SortForSelection(active)
	return active, nil
}

func (s *MemoryStore) LatestActiveBundle(ctx context.Context, userID string, now time.Time) (Bundle, bool, error) {
	active, err := s.ListActiveBundles(ctx, userID, now)
	if err != nil || len(active) == 0 {
		return Bundle{}, false, err
	}
	return active[0], true, nil
}

func (s *MemoryStore) CreateBundle(_ context.Context, b Bundle) (Bundle, error) {
	if b.RemainingQuota < 0 || b.RemainingQuota > b.TotalQuota {
		return Bundle{}, fmt.Errorf("remaining quota %d out of range [0,%d]", b.RemainingQuota, b.TotalQuota)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, dup := s.bundles[b.ID]; dup {
		return Bundle{}, fmt.Errorf("bundle already exists: %s", b.ID)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.bundles[b.ID] = b
	return b, nil
}

func (s *MemoryStore) SaveBundle(_ context.Context, b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bundles[b.ID]
	if !ok {
		return ErrBundleNotFound
	}
	if b.RemainingQuota < 0 || b.RemainingQuota > cur.RemainingQuota {
		return fmt.Errorf("bundle %s: remaining quota may only decrease (%d -> %d)", b.ID, cur.RemainingQuota, b.RemainingQuota)
	}
	cur.RemainingQuota = b.RemainingQuota
	s.bundles[b.ID] = cur
	return nil
}

// Bundle returns a stored bundle by ID.
func (s *MemoryStore) Bundle(id string) (Bundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	return b, ok
}

func (s *MemoryStore) ListExchanges(_ context.Context, userID string, limit, offset int) ([]Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mine []Exchange
	for i := len(s.exchanges) - 1; i >= 0; i-- {
		if s.exchanges[i].UserID == userID {
			mine = append(mine, s.exchanges[i])
		}
	}
	if offset >= len(mine) {
		return []Exchange{}, nil
	}
	mine = mine[offset:]
	if limit > 0 && limit < len(mine) {
		mine = mine[:limit]
	}
	return mine, nil
}

func (s *MemoryStore) Commit(_ context.Context, charge Charge, ex Exchange) (Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch charge.Source {
	case SourceFree:
		cur, ok := s.entries[charge.Entry.ID]
		if !ok {
			return Exchange{}, fmt.Errorf("ledger entry not found: %s", charge.Entry.ID)
		}
		if int64(cur.FreeUsed)+charge.Amount > FreeLimit {
			return Exchange{}, ErrQuotaExhausted
		}
		cur.FreeUsed += int(charge.Amount)
		s.entries[cur.ID] = cur
	case SourceBundle:
		cur, ok := s.bundles[charge.Bundle.ID]
		if !ok {
			return Exchange{}, ErrBundleNotFound
		}
		next, err := cur.Deduct(charge.Amount, now)
		if err != nil {
			return Exchange{}, err
		}
		s.bundles[cur.ID] = next
	default:
		return Exchange{}, fmt.Errorf("unknown quota source %q", charge.Source)
	}

	ex.ID = uuid.NewString()
	ex.CreatedAt = now
	s.exchanges = append(s.exchanges, ex)
	return ex, nil
}
