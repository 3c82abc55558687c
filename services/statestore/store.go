// Package statestore persists per-user state with crash-safe file updates:
// every write goes to a temporary file, is fsynced, and atomically replaces
// the canonical record. Writers to the same key are serialized by a scoped
// lock file; readers never observe a partially written record.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fintalk/inference-gateway/config"
	"github.com/fintalk/inference-gateway/models"
)

// MergeFn transforms the current state (or an empty baseline for a new key)
// into the next state. It runs under the key's exclusive lock, so it must
// not perform network calls; produce the merge input before calling Update.
type MergeFn func(current *models.PersistedState) (*models.PersistedState, error)

// Store is the durable per-key state store. Different keys never contend;
// writers to the same key are serialized by an in-process keyed mutex plus
// an on-disk lock file that also excludes other processes.
type Store struct {
	dir               string
	lockTimeout       time.Duration
	lockStaleAfter    time.Duration
	lockRetryInterval time.Duration
	logger            *zap.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New creates a store rooted at cfg.Dir, creating the directory if needed.
func New(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: cfg.Dir, Err: err}
	}
	return &Store{
		dir:               cfg.Dir,
		lockTimeout:       cfg.LockTimeout,
		lockStaleAfter:    cfg.LockStaleAfter,
		lockRetryInterval: cfg.LockRetryInterval,
		logger:            logger,
		keyLocks:          make(map[string]*sync.Mutex),
	}, nil
}

// Read returns the current record for key, or *NotFoundError.
func (s *Store) Read(key string) (*models.PersistedState, error) {
	data, err := os.ReadFile(s.recordPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, &IOError{Op: "read", Path: s.recordPath(key), Err: err}
	}

	var state models.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &IOError{Op: "decode", Path: s.recordPath(key), Err: err}
	}
	return &state, nil
}

// Update is the sole mutation path: acquire the key's lock, read the current
// record, apply merge, write a temporary file, atomically replace the
// canonical record, release the lock. The lock is released on every exit
// path, including merge failure. A crash between temp-write and replace
// leaves the prior record fully intact.
func (s *Store) Update(ctx context.Context, key string, merge MergeFn) (*models.PersistedState, error) {
	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	lockPath := s.lockPath(key)
	if err := s.acquireLockFile(ctx, key, lockPath); err != nil {
		return nil, err
	}
	defer s.releaseLockFile(lockPath)

	current, err := s.Read(key)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		current = &models.PersistedState{Key: key}
	}

	next, err := merge(current.Clone())
	if err != nil {
		return nil, fmt.Errorf("merge function failed for key %q: %w", key, err)
	}
	if next == nil {
		return nil, fmt.Errorf("merge function returned nil state for key %q", key)
	}

	next.Key = key
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if err := s.writeAtomic(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// writeAtomic publishes next so readers see either the old record or the
// new one in full, never a mix.
func (s *Store) writeAtomic(key string, next *models.PersistedState) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return &IOError{Op: "encode", Path: s.recordPath(key), Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, encodeKey(key)+".tmp-*")
	if err != nil {
		return &IOError{Op: "create temp", Path: s.dir, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "write temp", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &IOError{Op: "sync temp", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "close temp", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, s.recordPath(key)); err != nil {
		os.Remove(tmpPath)
		return &IOError{Op: "replace", Path: s.recordPath(key), Err: err}
	}
	return nil
}

// acquireLockFile takes the on-disk lock with O_CREATE|O_EXCL, retrying
// until the configured timeout. A lock file older than lockStaleAfter is
// treated as abandoned by a crashed process and removed; the remover then
// competes normally for the fresh lock, so two reclaimers cannot both hold
// it.
func (s *Store) acquireLockFile(ctx context.Context, key, lockPath string) error {
	deadline := time.Now().Add(s.lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			f.Close()
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return &IOError{Op: "lock", Path: lockPath, Err: err}
		}

		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > s.lockStaleAfter {
			s.logger.Warn("reclaiming stale state lock",
				zap.String("key", key),
				zap.Time("lock_mtime", info.ModTime()),
			)
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return &LockTimeoutError{Key: key, Waited: s.lockTimeout}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockRetryInterval):
		}
	}
}

func (s *Store) releaseLockFile(lockPath string) {
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to release state lock", zap.String("path", lockPath), zap.Error(err))
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.keyLocks[key]
	if !ok {
		kl = &sync.Mutex{}
		s.keyLocks[key] = kl
	}
	return kl
}

func (s *Store) recordPath(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+".json")
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+".lock")
}

// encodeKey makes an arbitrary key filesystem-safe.
func encodeKey(key string) string {
	return url.PathEscape(key)
}
