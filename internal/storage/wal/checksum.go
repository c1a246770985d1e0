package wal

// ============================================================================
// Checksum Calculation
// Responsibility: Calculate and verify CRC32 checksum for WAL events
// ============================================================================

import (
	"fmt"
	"hash/crc32"
)

// CalculateChecksum calculates the CRC32 checksum for an event.
//
// Combines Type + ItemID + Seq; Timestamp is excluded since it would
// change between the original write and a later verification.
func CalculateChecksum(eventType EventType, itemID string, seq uint64) uint32 {
	data := fmt.Sprintf("%s|%s|%d", eventType, itemID, seq)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether an event's stored checksum matches its
// recomputed value.
func VerifyChecksum(event Event) bool {
	expected := CalculateChecksum(event.Type, event.ItemID, event.Seq)
	return event.Checksum == expected
}
