package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/internal/logging/audit"
	bolt "go.etcd.io/bbolt"
)

var bucketPolicies = []byte("cleanup_policies")

// PolicyStore persists cleanup policies in bbolt. While frozen the database
// is reopened read-only, so writes fail at the storage layer as well.
type PolicyStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	frozen bool
	audit  *audit.Logger
}

// OpenPolicyStore opens or creates the policy database at path.
func OpenPolicyStore(path string, auditLog *audit.Logger) (*PolicyStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create policy directory: %w", err)
		}
	}

	db, err := openBolt(path, false)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPolicies)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketPolicies, err)
	}

	return &PolicyStore{db: db, path: path, audit: auditLog}, nil
}

func openBolt(path string, readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}
	return db, nil
}

// Close releases the database.
func (s *PolicyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Create stores a new policy at version 1. ErrConflict if the name exists.
func (s *PolicyStore) Create(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.Version = 1

	err := s.update(func(b *bolt.Bucket) error {
		if b.Get([]byte(p.Name)) != nil {
			return fmt.Errorf("policy %s: %w", p.Name, ErrConflict)
		}
		return putPolicy(b, p)
	})
	if err != nil {
		return Policy{}, err
	}
	s.audit.LogPolicy(audit.Actor(ctx), "create", p.Name, p.Version, "")
	return p, nil
}

// Get returns the named policy.
func (s *PolicyStore) Get(_ context.Context, name string) (Policy, error) {
	var p Policy
	err := s.view(func(b *bolt.Bucket) error {
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("policy %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// List returns every policy ordered by name.
func (s *PolicyStore) List(_ context.Context) ([]Policy, error) {
	var policies []Policy
	err := s.view(func(b *bolt.Bucket) error {
		return b.ForEach(func(_, v []byte) error {
			var p Policy
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("unmarshal policy: %w", err)
			}
			policies = append(policies, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies, nil
}

// Replace overwrites the whole policy document. p.Version must equal the
// stored version, otherwise ErrConflict is returned and the caller has to
// re-read. The returned policy carries the new version.
func (s *PolicyStore) Replace(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	err := s.update(func(b *bolt.Bucket) error {
		data := b.Get([]byte(p.Name))
		if data == nil {
			return fmt.Errorf("policy %s: %w", p.Name, ErrNotFound)
		}
		var current Policy
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("unmarshal policy: %w", err)
		}
		if current.Version != p.Version {
			return fmt.Errorf("policy %s: version %d is stale, current is %d: %w", p.Name, p.Version, current.Version, ErrConflict)
		}
		p.Version = current.Version + 1
		return putPolicy(b, p)
	})
	if err != nil {
		return Policy{}, err
	}
	s.audit.LogPolicy(audit.Actor(ctx), "replace", p.Name, p.Version, "")
	return p, nil
}

// Delete removes the named policy.
func (s *PolicyStore) Delete(ctx context.Context, name string) error {
	err := s.update(func(b *bolt.Bucket) error {
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("policy %s: %w", name, ErrNotFound)
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	s.audit.LogPolicy(audit.Actor(ctx), "delete", name, 0, "")
	return nil
}

func putPolicy(b *bolt.Bucket, p Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return b.Put([]byte(p.Name), data)
}

func (s *PolicyStore) view(fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("policy store is closed")
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketPolicies))
	})
}

func (s *PolicyStore) update(fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frozen {
		return &freeze.FrozenError{Message: freeze.DefaultFrozenMessage}
	}
	if s.db == nil {
		return fmt.Errorf("policy store is closed")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketPolicies))
	})
}

// IsFrozen reports whether the store is open read-only.
func (s *PolicyStore) IsFrozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Name identifies the store in logs and backups.
func (s *PolicyStore) Name() string {
	return "config"
}

// Connect implements freeze.Provider.
func (s *PolicyStore) Connect(context.Context) (freeze.Handle, error) {
	return &policyHandle{store: s}, nil
}

type policyHandle struct {
	store *PolicyStore
}

// Freeze reopens the database read-only (frozen) or read-write (released).
func (h *policyHandle) Freeze(_ context.Context, frozen bool) error {
	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen == frozen {
		return nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close policy database: %w", err)
		}
		s.db = nil
	}
	db, err := openBolt(s.path, frozen)
	if err != nil {
		return err
	}
	s.db = db
	s.frozen = frozen
	return nil
}

func (h *policyHandle) Close() error { return nil }

// Snapshot writes a consistent copy of the database to w.
func (s *PolicyStore) Snapshot(_ context.Context, w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, fmt.Errorf("policy store is closed")
	}
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// SnapshotExt is the file extension for snapshots of this store.
func (s *PolicyStore) SnapshotExt() string {
	return ".bolt"
}
