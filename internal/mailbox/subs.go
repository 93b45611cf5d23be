package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Subscription is the confirmation state of one subscribed address.
type Subscription struct {
	Address     string     `json:"address"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

const subsSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	address      TEXT PRIMARY KEY,
	confirmed    INTEGER NOT NULL DEFAULT 0,
	confirmed_at TEXT,
	created_at   TEXT NOT NULL
);`

// SubscriptionStore records which addresses have a confirmed
// subscription. Confirmation is idempotent: re-confirming an address is
// safe and keeps the original confirmation time.
type SubscriptionStore struct {
	db *sql.DB
}

// OpenSubscriptionStore opens (and initialises) the sqlite database at
// path.
func OpenSubscriptionStore(path string) (*SubscriptionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create subscriptions dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open subscriptions db: %w", err)
	}
	if _, err := db.Exec(subsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise subscriptions schema: %w", err)
	}
	return &SubscriptionStore{db: db}, nil
}

// Ensure records an address, unconfirmed, if it is not yet known.
func (s *SubscriptionStore) Ensure(ctx context.Context, address string) error {
	address = normalizeAddress(address)
	if address == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (address, created_at) VALUES (?, ?)`,
		address, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensure subscription: %w", err)
	}
	return nil
}

// MarkConfirmed flags an address as confirmed. Already-confirmed
// addresses are left untouched.
func (s *SubscriptionStore) MarkConfirmed(ctx context.Context, address string) error {
	address = normalizeAddress(address)
	if address == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (address, confirmed, confirmed_at, created_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			confirmed = 1,
			confirmed_at = COALESCE(subscriptions.confirmed_at, excluded.confirmed_at)`,
		address, now, now)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	return nil
}

// IsConfirmed reports whether an address has a confirmed subscription.
func (s *SubscriptionStore) IsConfirmed(ctx context.Context, address string) (bool, error) {
	var confirmed int
	err := s.db.QueryRowContext(ctx,
		`SELECT confirmed FROM subscriptions WHERE address = ?`,
		normalizeAddress(address)).Scan(&confirmed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	return confirmed != 0, nil
}

// List returns every known subscription, ordered by address.
func (s *SubscriptionStore) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, confirmed, confirmed_at, created_at FROM subscriptions ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var (
			sub         Subscription
			confirmed   int
			confirmedAt sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&sub.Address, &confirmed, &confirmedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Confirmed = confirmed != 0
		if confirmedAt.Valid {
			if ts, err := time.Parse(time.RFC3339, confirmedAt.String); err == nil {
				sub.ConfirmedAt = &ts
			}
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sub.CreatedAt = ts
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Close closes the database.
func (s *SubscriptionStore) Close() error {
	return s.db.Close()
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
