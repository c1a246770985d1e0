package wal

// ============================================================================
// WAL Utility Functions
// Purpose: helpers for resuming sequence numbering and inspecting a journal
// file from the status CLI command.
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// GetLastEvent reads the last event from a WAL file by scanning it from the
// start. WAL files are expected to stay small relative to a backlog's
// lifetime (they record submissions and outcomes, not in-flight chatter),
// so a full scan on open is acceptable.
func GetLastEvent(path string) (*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, fmt.Errorf("wal: open for last-event scan: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var last *Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		ev := e
		last = &ev
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents counts the total number of well-formed events in a WAL file.
func CountEvents(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open for count: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	n := 0
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			return n, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		n++
	}
	return n, nil
}

// ValidateWAL checks that every event in path has a correct checksum and
// that sequence numbers are strictly increasing.
func ValidateWAL(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open for validation: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var prevSeq uint64
	first := true
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		if !VerifyChecksum(e) {
			return &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e.Type, e.ItemID, e.Seq), Actual: e.Checksum}
		}
		if !first && e.Seq <= prevSeq {
			return fmt.Errorf("wal: out-of-order sequence at seq=%d (previous=%d)", e.Seq, prevSeq)
		}
		prevSeq = e.Seq
		first = false
	}
}
