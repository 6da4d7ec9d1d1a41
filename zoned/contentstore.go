/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"log"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// The content store publishes immutable ZoneContents snapshots with an
// RCU-like discipline: query workers enter a read-side critical
// section, load the current pointer and keep using that snapshot until
// they leave; writers install a new pointer and then wait out all
// readers of the previous epoch before the old snapshot may be
// reclaimed. Reads never block.

var (
	rcuEpoch   atomic.Uint64
	rcuReaders [2]atomic.Int64
	rcuWriter  sync.Mutex
)

type ReadEpoch uint64

func ReadLock() ReadEpoch {
	for {
		e := rcuEpoch.Load()
		rcuReaders[e&1].Add(1)
		if rcuEpoch.Load() == e {
			return ReadEpoch(e)
		}
		// Raced with an epoch flip; retry on the new epoch.
		rcuReaders[e&1].Add(-1)
	}
}

func ReadUnlock(e ReadEpoch) {
	rcuReaders[uint64(e)&1].Add(-1)
}

// Synchronize flips the epoch and waits until every reader that
// entered before the flip has left. After it returns, snapshots
// unpublished before the call have no remaining readers.
func Synchronize() {
	rcuWriter.Lock()
	defer rcuWriter.Unlock()
	old := rcuEpoch.Load()
	rcuEpoch.Store(old + 1)
	for rcuReaders[old&1].Load() > 0 {
		runtime.Gosched()
	}
}

// Contents returns the currently published snapshot, or nil for an
// expired zone. Must be called inside a read-side section when the
// result outlives the calling statement.
func (zd *ZoneData) Contents() *ZoneContents {
	return zd.contents.Load()
}

type ContentsUpdateType uint8

const (
	ContentsLoad ContentsUpdateType = iota + 1
	ContentsXfr
	ContentsUpdate
	ContentsDnssec
)

var ContentsUpdateTypeToString = map[ContentsUpdateType]string{
	ContentsLoad:   "load",
	ContentsXfr:    "xfr",
	ContentsUpdate: "update",
	ContentsDnssec: "dnssec",
}

// ReplaceContents atomically installs a new snapshot and waits for
// readers of the old one to drain. A failed caller simply does not
// call this; the old snapshot stays installed, so no partial
// visibility is possible. Returns the replaced snapshot.
func (zd *ZoneData) ReplaceContents(nzc *ZoneContents, utype ContentsUpdateType) *ZoneContents {
	old := zd.contents.Swap(nzc)
	Synchronize()
	if zd.Verbose {
		log.Printf("ContentStore: zone %s: new contents installed (%s, serial %d)",
			zd.ZoneName, ContentsUpdateTypeToString[utype], nzc.Serial())
	}
	return old
}

// Expire installs nil contents; the zone remains configured but upper
// layers answer SERVFAIL. Expiring an already-expired zone is a no-op.
func (zd *ZoneData) Expire() *ZoneContents {
	old := zd.contents.Swap(nil)
	if old == nil {
		return nil
	}
	Synchronize()
	return old
}

// LookupZone finds the closest enclosing configured zone for qname,
// walking the name label by label towards the root.
func LookupZone(qname string) *ZoneData {
	labels := strings.Split(qname, ".")
	for i := 0; i < len(labels); i++ {
		tzone := strings.Join(labels[i:], ".")
		if tzone == "" {
			tzone = "."
		}
		if zd, ok := Zones.Get(tzone); ok {
			return zd
		}
	}
	return nil
}

// IterateZones applies fn to every registered zone.
func IterateZones(fn func(zd *ZoneData)) {
	for _, zd := range Zones.Items() {
		fn(zd)
	}
}
