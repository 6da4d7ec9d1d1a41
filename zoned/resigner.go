/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"context"
	"log"
	"time"
)

// ResignerEngine receives zones whose signing pipeline was just set
// up (or reconfigured) and arms their DNSSEC timers. The actual
// resign work happens in each zone's DnssecEvent.
func ResignerEngine(ctx context.Context, resignq chan *ZoneData) {
	log.Printf("*** ResignerEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Printf("ResignerEngine: terminating due to context cancelled")
			return
		case zd, ok := <-resignq:
			if !ok {
				return
			}
			if zd == nil {
				log.Printf("ResignerEngine: Zone <nil> does not exist, cannot resign")
				continue
			}
			if !zd.DnssecEnable || zd.Signer == nil {
				continue
			}
			log.Printf("ResignerEngine: arming resign timer for zone %s", zd.ZoneName)
			zd.ScheduleDnssec(time.Now().Unix())
		}
	}
}

// DnssecEvent is the resign timer handler: let the signer refresh what
// needs refreshing, bump the serial, journal and publish the result,
// then arm the timer for the moment the signer reported.
func (zd *ZoneData) DnssecEvent() {
	zd.mu.Lock()
	zd.dnssecTimer = nil
	zd.dnssecAt = 0
	discarded := zd.Discarded
	zd.mu.Unlock()
	if discarded || !zd.DnssecEnable || zd.Signer == nil {
		return
	}

	old := zd.Contents()
	if old == nil {
		log.Printf("Zone %s: resign event with no contents, skipping", zd.ZoneName)
		return
	}
	oldSoa, err := old.GetSOA()
	if err != nil {
		log.Printf("Zone %s: resign event: %v", zd.ZoneName, err)
		return
	}

	secCh, refreshAt, err := zd.Signer.ResignZone(old)
	if err != nil {
		log.Printf("Zone %s: resign failed: %v", zd.ZoneName, err)
		zd.ScheduleDnssec(time.Now().Add(10 * time.Minute).Unix())
		return
	}
	if secCh == nil || secCh.IsEmpty() {
		if refreshAt != 0 {
			zd.ScheduleDnssec(refreshAt)
		}
		return
	}

	// The resign is a serial step of its own.
	newSerial := zd.NextSerial(oldSoa.Serial)
	soaTo := *oldSoa
	soaTo.Serial = newSerial
	secCh.SoaTo = &soaTo
	secCh.SerialTo = newSerial

	if err := zd.journalChangeset(secCh); err != nil {
		log.Printf("Zone %s: journaling resign changeset failed: %v", zd.ZoneName, err)
		return
	}
	newContents, err := secCh.Apply(old)
	if err != nil {
		log.Printf("Zone %s: applying resign changeset failed: %v", zd.ZoneName, err)
		return
	}
	zd.ReplaceContents(newContents, ContentsDnssec)
	log.Printf("Zone %s: re-signed, serial %d -> %d", zd.ZoneName, oldSoa.Serial, newSerial)

	if refreshAt != 0 {
		zd.ScheduleDnssec(refreshAt)
	}
	if zd.DbsyncTimeout == 0 {
		if err := zd.ZonefileSync(); err != nil {
			log.Printf("Zone %s: immediate zonefile sync failed: %v", zd.ZoneName, err)
		}
	}
	zd.NotifySlaves()
}
