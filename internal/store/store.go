// ABOUTME: Store interface and data types for warden subscription persistence
// ABOUTME: Defines the Subscription model and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested subscription does not exist
var ErrNotFound = errors.New("not found")

// ErrUsernameExists is returned when creating a subscription whose username is taken
var ErrUsernameExists = errors.New("username already exists")

// Subscription represents a subscriber account.
// Link is nil until the first connection link has been issued; once set
// it is retained even while the subscription is deactivated.
type Subscription struct {
	ID        int64
	Username  string
	Password  string
	Active    bool
	Link      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats is a rollup of subscription counts for the metrics endpoint
type Stats struct {
	Total    int
	Active   int
	WithLink int
}

// Store defines the interface for subscription persistence
type Store interface {
	// CreateSubscription inserts a new subscription and returns the stored row.
	// Returns ErrUsernameExists if the username is already taken.
	CreateSubscription(ctx context.Context, username, password string, active bool) (*Subscription, error)

	// GetByUsername retrieves a subscription by username.
	// Returns ErrNotFound if it doesn't exist.
	GetByUsername(ctx context.Context, username string) (*Subscription, error)

	// ListSubscriptions returns all subscriptions in insertion order.
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)

	// UpdateActive sets the active flag for a subscription.
	// Returns ErrNotFound if it doesn't exist.
	UpdateActive(ctx context.Context, username string, active bool) error

	// UpdateLink sets the stored connection link for a subscription.
	// Returns ErrNotFound if it doesn't exist.
	UpdateLink(ctx context.Context, username, link string) error

	// Count returns the number of subscriptions.
	Count(ctx context.Context) (int, error)

	// Stats returns subscription counts for metrics.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources held by the store
	Close() error
}
