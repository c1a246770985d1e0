package snapshot

// ============================================================================
// Snapshot Manager test file
// Purpose: verify atomic stats-snapshot writes, loading, and version checks.
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/poolctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := types.PoolStats{Pending: 3, Completed: 7, Dead: 1, LastSeq: 100}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, original.Pending, loaded.Pending)
	assert.Equal(t, original.Completed, loaded.Completed)
	assert.Equal(t, original.Dead, loaded.Dead)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	assert.Equal(t, 1, loaded.SchemaVer)
}

func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.PoolStats{LastSeq: 50}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.PoolStats{LastSeq: 100}))
	}()

	var loaded types.PoolStats
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestExists(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.PoolStats{}))
	assert.True(t, manager.Exists())
}

func TestFirstBoot(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "non_existent_snapshot.json")
	manager := NewManager(snapshotPath)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
}

func TestVersionMismatch(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	invalid := types.PoolStats{SchemaVer: 2}
	data, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, data, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"pending": `), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	tempDir := t.TempDir()
	readOnlyDir := filepath.Join(tempDir, "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0444))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "test_snapshot.json"))
	err := manager.Write(types.PoolStats{})
	assert.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.PoolStats{LastSeq: uint64(idx)}))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SchemaVer)
}

func TestConcurrentReads(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.PoolStats{LastSeq: 100}))

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			loaded, err := manager.Load()
			assert.NoError(t, err)
			assert.Equal(t, uint64(100), loaded.LastSeq)
		}()
	}
	wg.Wait()
}

func BenchmarkWrite(b *testing.B) {
	tempDir := b.TempDir()
	manager := NewManager(filepath.Join(tempDir, "benchmark_snapshot.json"))
	stats := types.PoolStats{Pending: 5, Completed: 10, LastSeq: 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(stats)
	}
}

func BenchmarkLoad(b *testing.B) {
	tempDir := b.TempDir()
	manager := NewManager(filepath.Join(tempDir, "benchmark_snapshot.json"))
	_ = manager.Write(types.PoolStats{Pending: 5, Completed: 10, LastSeq: 100})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = manager.Load()
	}
}
