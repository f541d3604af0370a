package quota

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an existing pool. The schema is
// expected to be migrated already.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

// validID reports whether id can be compared against a uuid column.
// Anything else cannot match a row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if !validID(userID) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1::uuid)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, userID string) (User, error) {
	if !validID(userID) {
		return User{}, ErrUserNotFound
	}
	return s.findUser(ctx,
		`SELECT id::text, email, created_at FROM users WHERE id = $1::uuid`,
		userID,
	)
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx,
		`SELECT id::text, email, created_at FROM users WHERE lower(email) = lower($1) LIMIT 1`,
		email,
	)
}

func (s *PostgresStore) findUser(ctx context.Context, query string, arg string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var u User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// CreateUser inserts a user. Account management lives elsewhere; this is
// used by the admin surface and by tests.
func (s *PostgresStore) CreateUser(ctx context.Context, email string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email) VALUES ($1)
		 RETURNING id::text, email, created_at`,
		email,
	).Scan(&u.ID, &u.Email, &u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return User{}, ErrUserExists
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

const ledgerColumns = `id::text, user_id::text, month, year, free_messages_used, last_reset_at`

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Month, &e.Year, &e.FreeUsed, &e.LastResetAt)
	return e, err
}

func (s *PostgresStore) GetOrCreateEntry(ctx context.Context, userID string, p Period) (LedgerEntry, error) {
	if !validID(userID) {
		return LedgerEntry{}, ErrUserNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	selectEntry := `SELECT ` + ledgerColumns + `
		 FROM usage_tracking
		 WHERE user_id = $1::uuid AND month = $2 AND year = $3`

	e, err := scanEntry(s.pool.QueryRow(ctx, selectEntry, userID, p.Month, p.Year))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, fmt.Errorf("get usage entry: %w", err)
	}

	e, err = scanEntry(s.pool.QueryRow(ctx,
		`INSERT INTO usage_tracking (user_id, month, year, free_messages_used, last_reset_at)
		 VALUES ($1::uuid, $2, $3, 0, NOW())
		 ON CONFLICT (user_id, month, year) DO NOTHING
		 RETURNING `+ledgerColumns,
		userID, p.Month, p.Year,
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return LedgerEntry{}, ErrUserNotFound
		}
		return LedgerEntry{}, fmt.Errorf("create usage entry: %w", err)
	}

	// Lost the insert race; the winner's row is visible now.
	e, err = scanEntry(s.pool.QueryRow(ctx, selectEntry, userID, p.Month, p.Year))
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("refetch usage entry: %w", err)
	}
	return e, nil
}

// EntriesNeedingReset streams matching rows. The query stays open until
// the sequence finishes, so callers should not hold it across slow work.
func (s *PostgresStore) EntriesNeedingReset(ctx context.Context, ref time.Time) iter.Seq2[LedgerEntry, error] {
	return func(yield func(LedgerEntry, error) bool) {
		cur := PeriodOf(ref)
		rows, err := s.pool.Query(ctx,
			`SELECT `+ledgerColumns+`
			 FROM usage_tracking
			 WHERE year < $1
			    OR (year = $1 AND month < $2)
			    OR (year = $1 AND month = $2 AND $3::int = 1 AND free_messages_used > 0)
			 ORDER BY year, month, id`,
			cur.Year, cur.Month, ref.Day(),
		)
		if err != nil {
			yield(LedgerEntry{}, fmt.Errorf("query entries needing reset: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(LedgerEntry{}, fmt.Errorf("scan usage entry: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(LedgerEntry{}, fmt.Errorf("iterate usage entries: %w", err))
		}
	}
}

func (s *PostgresStore) SaveEntry(ctx context.Context, e LedgerEntry) error {
	if e.FreeUsed < 0 || e.FreeUsed > FreeLimit {
		return fmt.Errorf("free usage %d out of range", e.FreeUsed)
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_tracking
		 SET free_messages_used = $2, last_reset_at = $3
		 WHERE id = $1::uuid`,
		e.ID, e.FreeUsed, e.LastResetAt,
	)
	if err != nil {
		return fmt.Errorf("save usage entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("usage entry not found: %s", e.ID)
	}
	return nil
}

const bundleColumns = `id::text, user_id::text, tier, total_quota, remaining_quota, created_at, expires_at`

func scanBundle(row pgx.Row) (Bundle, error) {
	var b Bundle
	var tier string
	err := row.Scan(&b.ID, &b.UserID, &tier, &b.TotalQuota, &b.RemainingQuota, &b.CreatedAt, &b.ExpiresAt)
	b.Tier = Tier(tier)
	return b, err
}

func (s *PostgresStore) ListActiveBundles(ctx context.Context, userID string, now time.Time) ([]Bundle, error) {
	if !validID(userID) {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+bundleColumns+`
		 FROM bundles
		 WHERE user_id = $1::uuid
		   AND remaining_quota > 0
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY remaining_quota DESC, created_at DESC`,
		userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query active bundles: %w", err)
	}
	defer rows.Close()

	var bundles []Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundles: %w", err)
	}
	return bundles, nil
}

func (s *PostgresStore) LatestActiveBundle(ctx context.Context, userID string, now time.Time) (Bundle, bool, error) {
	if !validID(userID) {
		return Bundle{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	b, err := scanBundle(s.pool.QueryRow(ctx,
		`SELECT `+bundleColumns+`
		 FROM bundles
		 WHERE user_id = $1::uuid
		   AND remaining_quota > 0
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bundle{}, false, nil
	}
	if err != nil {
		return Bundle{}, false, fmt.Errorf("latest active bundle: %w", err)
	}
	return b, true, nil
}

func (s *PostgresStore) CreateBundle(ctx context.Context, b Bundle) (Bundle, error) {
	if !validID(b.UserID) {
		return Bundle{}, ErrUserNotFound
	}
	if b.RemainingQuota < 0 || b.RemainingQuota > b.TotalQuota {
		return Bundle{}, fmt.Errorf("remaining quota %d out of range [0,%d]", b.RemainingQuota, b.TotalQuota)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	created, err := scanBundle(s.pool.QueryRow(ctx,
		`INSERT INTO bundles (id, user_id, tier, total_quota, remaining_quota, created_at, expires_at)
		 VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		 RETURNING `+bundleColumns,
		b.ID, b.UserID, string(b.Tier), b.TotalQuota, b.RemainingQuota, b.CreatedAt, b.ExpiresAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Bundle{}, ErrUserNotFound
		}
		return Bundle{}, fmt.Errorf("create bundle: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) SaveBundle(ctx context.Context, b Bundle) error {
	if !validID(b.ID) {
		return ErrBundleNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE bundles
		 SET remaining_quota = $2
		 WHERE id = $1::uuid AND $2 >= 0 AND $2 <= remaining_quota`,
		b.ID, b.RemainingQuota,
	)
	if err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM bundles WHERE id = $1::uuid)`, b.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check bundle: %w", err)
		}
		if !exists {
			return ErrBundleNotFound
		}
		return fmt.Errorf("bundle %s: remaining quota may only decrease", b.ID)
	}
	return nil
}

func (s *PostgresStore) ListExchanges(ctx context.Context, userID string, limit, offset int) ([]Exchange, error) {
	if !validID(userID) {
		return []Exchange{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id::text, question, answer, tokens_used, created_at
		 FROM chat_messages
		 WHERE user_id = $1::uuid
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.ID, &ex.UserID, &ex.Question, &ex.Answer, &ex.TokensUsed, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return exchanges, nil
}

// Commit applies the charge as a conditional update and inserts the
// exchange in one transaction. The update re-checks the balance, so a
// concurrent winner makes it match no row.
func (s *PostgresStore) Commit(ctx context.Context, charge Charge, ex Exchange) (Exchange, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var saved Exchange
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := applyCharge(ctx, tx, charge); err != nil {
			return err
		}
		saved = ex
		return tx.QueryRow(ctx,
			`INSERT INTO chat_messages (user_id, question, answer, tokens_used)
			 VALUES ($1::uuid, $2, $3, $4)
			 RETURNING id::text, created_at`,
			ex.UserID, ex.Question, ex.Answer, ex.TokensUsed,
		).Scan(&saved.ID, &saved.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrInsufficientQuota) {
			return Exchange{}, err
		}
		return Exchange{}, fmt.Errorf("commit exchange: %w", err)
	}
	return saved, nil
}

func applyCharge(ctx context.Context, tx pgx.Tx, charge Charge) error {
	if charge.Amount <= 0 {
		return fmt.Errorf("charge amount must be positive, got %d", charge.Amount)
	}

	var ok bool
	switch charge.Source {
	case SourceFree:
		err := tx.QueryRow(ctx,
			`UPDATE usage_tracking
			 SET free_messages_used = free_messages_used + $2
			 WHERE id = $1::uuid AND free_messages_used + $2 <= $3
			 RETURNING true`,
			charge.Entry.ID, charge.Amount, FreeLimit,
		).Scan(&ok)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrQuotaExhausted
		}
		if err != nil {
			return fmt.Errorf("charge free quota: %w", err)
		}
	case SourceBundle:
		err := tx.QueryRow(ctx,
			`UPDATE bundles
			 SET remaining_quota = remaining_quota - $2
			 WHERE id = $1::uuid
			   AND remaining_quota >= $2
			   AND (expires_at IS NULL OR expires_at > NOW())
			 RETURNING true`,
			charge.Bundle.ID, charge.Amount,
		).Scan(&ok)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientQuota
		}
		if err != nil {
			return fmt.Errorf("charge bundle: %w", err)
		}
	default:
		return fmt.Errorf("unknown quota source %q", charge.Source)
	}
	return nil
}
