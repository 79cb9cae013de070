// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides subscription persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			link TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_active
			ON subscriptions(active);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateSubscription inserts a new subscription and returns the stored row.
// Returns ErrUsernameExists if the username is already taken.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, username, password string, active bool) (*Subscription, error) {
	now := time.Now().UTC().Truncate(time.Second)

	query := `
		INSERT INTO subscriptions (username, password, active, link, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		username,
		password,
		active,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		// Check for UNIQUE constraint violation
		if isConstraintViolation(err) {
			return nil, ErrUsernameExists
		}
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting insert id: %w", err)
	}

	s.logger.Debug("created subscription", "id", id, "username", username, "active", active)
	return &Subscription{
		ID:        id,
		Username:  username,
		Password:  password,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetByUsername retrieves a subscription by username.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetByUsername(ctx context.Context, username string) (*Subscription, error) {
	query := `
		SELECT id, username, password, active, link, created_at, updated_at
		FROM subscriptions
		WHERE username = ?
	`

	row := s.db.QueryRowContext(ctx, query, username)
	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}

	return sub, nil
}

// ListSubscriptions returns all subscriptions in insertion order.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT id, username, password, active, link, created_at, updated_at
		FROM subscriptions
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}

	return subs, nil
}

// UpdateActive sets the active flag for a subscription.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateActive(ctx context.Context, username string, active bool) error {
	query := `
		UPDATE subscriptions
		SET active = ?, updated_at = ?
		WHERE username = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		active,
		time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		username,
	)
	if err != nil {
		return fmt.Errorf("updating active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated active flag", "username", username, "active", active)
	return nil
}

// UpdateLink sets the stored connection link for a subscription.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateLink(ctx context.Context, username, link string) error {
	query := `
		UPDATE subscriptions
		SET link = ?, updated_at = ?
		WHERE username = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		link,
		time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		username,
	)
	if err != nil {
		return fmt.Errorf("updating link: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated link", "username", username)
	return nil
}

// Count returns the number of subscriptions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return count, nil
}

// Stats returns subscription counts for metrics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(active), 0),
			COALESCE(SUM(CASE WHEN link IS NOT NULL AND link != '' THEN 1 ELSE 0 END), 0)
		FROM subscriptions
	`

	var stats Stats
	err := s.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Active, &stats.WithLink)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}

	return &stats, nil
}

// scanSubscription scans a subscription row using the given scan function.
// Shared between single-row and multi-row queries.
func scanSubscription(scan func(dest ...any) error) (*Subscription, error) {
	var sub Subscription
	var link sql.NullString
	var createdAtStr, updatedAtStr string

	err := scan(
		&sub.ID,
		&sub.Username,
		&sub.Password,
		&sub.Active,
		&link,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if link.Valid {
		sub.Link = &link.String
	}

	sub.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	sub.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sub, nil
}
