// ABOUTME: File-backed store for the access-control document, guarded by a
// ABOUTME: cross-process advisory lock and persisted with atomic writes.

package xray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// lockRetryDelay is how often a blocked acquisition re-polls the lock file
// while another process holds it.
const lockRetryDelay = 25 * time.Millisecond

// Store reads and mutates the access-control document at a fixed path.
// Every method acquires the advisory lock file (<path>.lock) for the
// duration of the call: shared for reads, exclusive for read-modify-write.
// Mutations persist atomically before returning.
type Store struct {
	path   string
	seed   Seed
	lock   *flock.Flock
	logger *slog.Logger

	// The file lock serializes separate processes. Goroutines within one
	// process share the lock's fd, so they serialize on this mutex instead.
	mu sync.RWMutex
}

// NewStore creates a store for the document at path. The parent directory
// is created if needed so the lock file can exist before the first write.
func NewStore(path string, seed Seed) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	return &Store{
		path:   path,
		seed:   seed,
		lock:   flock.New(path + ".lock"),
		logger: slog.Default().With("component", "xray"),
	}, nil
}

// Path returns the document's location on disk, for config validation and
// status reporting.
func (s *Store) Path() string {
	return s.path
}

// withExclusive runs fn while holding the exclusive lock. The lock is
// released on every exit path, including panics inside fn.
func (s *Store) withExclusive(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("acquiring exclusive lock: %w", err)
	}
	defer s.lock.Unlock()

	return fn()
}

// withShared runs fn while holding the shared lock.
func (s *Store) withShared(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("acquiring shared lock: %w", err)
	}
	defer s.lock.Unlock()

	return fn()
}

// load parses the on-disk document. Missing or corrupt files read as empty
// so a broken store never wedges the callers. Callers must hold the lock.
func (s *Store) load() *Document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("config unreadable, treating as empty", "path", s.path, "error", err)
		}
		return &Document{}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("config corrupt, treating as empty", "path", s.path, "error", err)
		return &Document{}
	}
	return &doc
}

// save writes the document atomically: temporary file in the target
// directory, then rename over the target. A concurrent reader sees either
// the old or the new content, never a torn file. Callers must hold the
// exclusive lock.
func (s *Store) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// getOrCreate loads the document, seeding and persisting the skeleton when
// empty. Callers must hold the exclusive lock.
func (s *Store) getOrCreate() (*Document, error) {
	doc := s.load()
	if !doc.Empty() {
		return doc, nil
	}

	doc = NewDocument(s.seed)
	if err := s.save(doc); err != nil {
		return nil, err
	}
	s.logger.Info("seeded new config", "path", s.path, "port", s.seed.Port)
	return doc, nil
}

// Load returns the current document under a shared lock. Missing or corrupt
// files yield an empty document, not an error.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	var doc *Document
	err := s.withShared(ctx, func() error {
		doc = s.load()
		return nil
	})
	return doc, err
}

// GetOrCreate returns the document, seeding a working skeleton first when
// none exists on disk yet.
func (s *Store) GetOrCreate(ctx context.Context) (*Document, error) {
	var doc *Document
	err := s.withExclusive(ctx, func() error {
		var err error
		doc, err = s.getOrCreate()
		return err
	})
	return doc, err
}

// Save persists the given document under the exclusive lock.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	return s.withExclusive(ctx, func() error {
		return s.save(doc)
	})
}

// Upsert ensures an entry for id exists, tagged with email. Returns true
// exactly when the document changed; an entry already present under the
// same id leaves the store untouched. Any other entry holding the same
// non-empty email is evicted first so emails stay unique.
func (s *Store) Upsert(ctx context.Context, id, email string) (added bool, err error) {
	err = s.withExclusive(ctx, func() error {
		doc, err := s.getOrCreate()
		if err != nil {
			return err
		}
		if doc.ContainsID(id) {
			return nil
		}

		clients := doc.Clients()
		kept := make([]Client, 0, len(clients)+1)
		for _, c := range clients {
			if email != "" && c.Email == email {
				s.logger.Warn("evicting client with duplicate email",
					"email", email, "old_id", c.ID, "new_id", id)
				continue
			}
			kept = append(kept, c)
		}

		doc.setClients(append(kept, Client{ID: id, Email: email}))
		if err := s.save(doc); err != nil {
			return err
		}
		added = true
		s.logger.Info("client added", "id", id, "email", email)
		return nil
	})
	return added, err
}

// Remove deletes the entry for id. Returns true exactly when an entry was
// removed; an absent id is success without a write.
func (s *Store) Remove(ctx context.Context, id string) (removed bool, err error) {
	err = s.withExclusive(ctx, func() error {
		doc := s.load()
		if !doc.ContainsID(id) {
			return nil
		}

		clients := doc.Clients()
		kept := make([]Client, 0, len(clients))
		for _, c := range clients {
			if c.ID != id {
				kept = append(kept, c)
			}
		}

		doc.setClients(kept)
		if err := s.save(doc); err != nil {
			return err
		}
		removed = true
		s.logger.Info("client removed", "id", id)
		return nil
	})
	return removed, err
}

// DedupRepair enforces the uniqueness invariants across the whole client
// list: duplicate identifiers keep the first entry, duplicate non-empty
// emails keep the last. Persists only when something was dropped. Returns
// the number of entries removed.
func (s *Store) DedupRepair(ctx context.Context) (fixed int, err error) {
	err = s.withExclusive(ctx, func() error {
		doc := s.load()
		if doc.Empty() {
			return nil
		}

		cleaned, n := dedupeClients(doc.Clients())
		if n == 0 {
			return nil
		}

		doc.setClients(cleaned)
		if err := s.save(doc); err != nil {
			return err
		}
		fixed = n
		s.logger.Info("removed duplicate clients", "count", n)
		return nil
	})
	return fixed, err
}

// Contains reports whether an entry for id exists, under a shared lock.
func (s *Store) Contains(ctx context.Context, id string) (bool, error) {
	var present bool
	err := s.withShared(ctx, func() error {
		present = s.load().ContainsID(id)
		return nil
	})
	return present, err
}

// ClearAll removes every client entry, keeping the rest of the document
// intact. Returns true when the list was non-empty.
func (s *Store) ClearAll(ctx context.Context) (cleared bool, err error) {
	err = s.withExclusive(ctx, func() error {
		doc := s.load()
		if len(doc.Clients()) == 0 {
			return nil
		}

		doc.setClients([]Client{})
		if err := s.save(doc); err != nil {
			return err
		}
		cleared = true
		s.logger.Warn("cleared all clients", "path", s.path)
		return nil
	})
	return cleared, err
}
