// ============================================================================
// Poolctl Snapshot Manager
// ============================================================================
//
// Package: internal/snapshot
// Purpose: persist backlog stats at the end of each run (counts only, never
// item payloads or in-flight state) so the status CLI command can report
// something useful without a live coordinator attached.
//
// Atomic Writes:
//   1. Write to a temp file (path + ".tmp")
//   2. os.Rename() onto the real path (atomic on POSIX filesystems)
//   This is unchanged from the teacher's job-snapshot manager; only the
//   payload shrank from the full job map to a stats struct.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/poolctl/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: schema version is incompatible")
)

const schemaVersion = 1

// Manager handles stats-snapshot persistence.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically writes stats to disk.
func (m *Manager) Write(stats types.PoolStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats.SchemaVer = schemaVersion

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename temp file: %w", err)
	}
	return nil
}

// Load reads the last stats snapshot from disk. If no snapshot exists yet
// it returns a PoolStats with all counts zero and SchemaVer set, not an
// error.
func (m *Manager) Load() (types.PoolStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.PoolStats{SchemaVer: schemaVersion}, nil
		}
		return types.PoolStats{}, fmt.Errorf("snapshot: read: %w", err)
	}

	var stats types.PoolStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return types.PoolStats{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if stats.SchemaVer != schemaVersion {
		return stats, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, stats.SchemaVer, schemaVersion)
	}
	return stats, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) GetPath() string {
	return m.path
}
