package wal_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/poolctl/internal/storage/wal"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	w, err := wal.NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, w.Append(wal.EventEnqueue, "item-1"))
	require.NoError(t, w.Append(wal.EventDispatch, "item-1"))
	require.NoError(t, w.Append(wal.EventAck, "item-1"))
	require.NoError(t, w.Close())

	var seen []wal.EventType
	w2, err := wal.NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, w2.Replay(func(e *wal.Event) error {
		seen = append(seen, e.Type)
		assert.Equal(t, "item-1", e.ItemID)
		return nil
	}))

	assert.Equal(t, []wal.EventType{wal.EventEnqueue, wal.EventDispatch, wal.EventAck}, seen)
}

func TestAppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	w, err := wal.NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Append(wal.EventEnqueue, "item-1")
	assert.ErrorIs(t, err, wal.ErrWALClosed)
}

func TestVerifyChecksumDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	w, err := wal.NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.EventEnqueue, "item-1"))
	require.NoError(t, w.Close())

	bad := wal.Event{Seq: 1, Type: wal.EventEnqueue, ItemID: "item-1", Timestamp: 0, Checksum: 0}
	assert.False(t, wal.VerifyChecksum(bad))
}

func TestCountAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	w, err := wal.NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.EventEnqueue, "a"))
	require.NoError(t, w.Append(wal.EventEnqueue, "b"))
	require.NoError(t, w.Close())

	n, err := wal.CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoError(t, wal.ValidateWAL(path))
}
