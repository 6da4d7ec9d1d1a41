/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"log"
	"time"
)

const year68 = 1 << 31 // For RFC1982 (Serial Arithmetic) calculations in 32 bits

// SerialCompare implements RFC 1982 serial number comparison:
// -1 if a < b, 0 if equal, +1 if a > b. Incomparable pairs (exactly
// 2^31 apart) follow BIND's signed-difference rule and compare as -1
// in either argument order.
func SerialCompare(a, b uint32) int {
	if a == b {
		return 0
	}
	if a-b >= year68 {
		return -1
	}
	return 1
}

// SerialNewer reports whether b is strictly newer than a.
func SerialNewer(a, b uint32) bool {
	return SerialCompare(a, b) < 0
}

// NextSerial chooses the next SOA serial per the zone's policy. A new
// serial that is not strictly greater (RFC 1982) than the old one is
// warned about but still used.
func (zd *ZoneData) NextSerial(old uint32) uint32 {
	var next uint32
	switch zd.SerialPolicy {
	case SerialUnixtime:
		next = uint32(time.Now().Unix())
	default:
		next = old + 1
	}
	if SerialCompare(old, next) >= 0 {
		log.Printf("Zone %s: new serial will be lower than the current one. Old: %d new: %d",
			zd.ZoneName, old, next)
	}
	return next
}
