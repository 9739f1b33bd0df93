// Package store provides crash-safe snapshot persistence using a JSON file.
//
// The full exchange state — every market plus the locked-liquidity
// ledger — is written as one snapshot.json. Writes use atomic file
// replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. The registry calls Save inside
// every commit, and Load on startup to restore state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lmsr-exchange/pkg/types"
)

const snapshotFile = "snapshot.json"

// Store persists the exchange snapshot to a JSON file in a designated
// directory. All operations are mutex-protected to prevent concurrent
// file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists the snapshot. It writes to a .tmp file
// first, then renames over the target so the file is never left in a
// partial state (crash-safe). A failed Save leaves the previous
// snapshot intact.
func (s *Store) Save(snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dir, snapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the snapshot from disk. Returns an empty snapshot if
// none exists yet (fresh deployment).
func (s *Store) Load() (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, snapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.Snapshot{
				LockedLiquidity: map[string]types.Micro{},
			}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.LockedLiquidity == nil {
		snap.LockedLiquidity = map[string]types.Micro{}
	}
	return &snap, nil
}
