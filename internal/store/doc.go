// Package store provides persistent storage for subscriptions using SQLite.
//
// # Architecture
//
// The Store interface defines subscription operations; SQLiteStore implements
// it on modernc.org/sqlite (pure Go, no cgo). The schema is created
// automatically on startup.
//
// # Data Model
//
// Subscription: one row per subscriber account.
//
//   - Username is unique and identifies the account
//   - Active gates whether the subscriber may connect
//   - Link holds the issued connection link; nil until first issuance,
//     retained across deactivation so reactivation restores the same link
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested subscription does not exist
//   - ErrUsernameExists: Username already taken
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore with a path under t.TempDir() for integration tests
// with real SQLite.
package store
