/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

type SoaProbeResult uint8

const (
	SoaUpToDate SoaProbeResult = iota + 1
	SoaTransferQueued
	SoaDropped
)

var SoaProbeResultToString = map[SoaProbeResult]string{
	SoaUpToDate:       "up-to-date",
	SoaTransferQueued: "transfer-queued",
	SoaDropped:        "dropped",
}

// ProcessSoaResponse handles the answer to an outstanding SOA probe.
// A message ID mismatch is silently dropped. If the remote serial is
// not newer (RFC 1982) the zone goes back to IDLE with REFRESH
// rearmed; otherwise the appropriate transfer is enqueued: IXFR when
// a journal exists, AXFR otherwise.
func (zd *ZoneData) ProcessSoaResponse(r *dns.Msg) (SoaProbeResult, error) {
	zd.mu.Lock()
	if r.Id != zd.ExpectedMsgID {
		zd.mu.Unlock()
		return SoaDropped, nil
	}
	zd.mu.Unlock()

	if len(r.Answer) == 0 {
		return SoaDropped, fmt.Errorf("zone %s: SOA response without answer: %w", zd.ZoneName, ErrMalformed)
	}
	remote, ok := r.Answer[0].(*dns.SOA)
	if !ok {
		return SoaDropped, fmt.Errorf("zone %s: SOA response carries %s: %w",
			zd.ZoneName, dns.TypeToString[r.Answer[0].Header().Rrtype], ErrMalformed)
	}

	contents := zd.Contents()
	if contents == nil {
		// Raced with expiration; bootstrap instead.
		zd.mu.Lock()
		zd.XfrState = XfrPending
		zd.mu.Unlock()
		zd.enqueueTransfer("axfr", 0)
		return SoaTransferQueued, nil
	}
	local := contents.Serial()

	if !SerialNewer(local, remote.Serial) {
		zd.mu.Lock()
		zd.XfrState = XfrIdle
		refresh, _, _ := zd.soaTimersLocked()
		zd.scheduleRefreshLocked(time.Duration(refresh) * time.Second)
		zd.mu.Unlock()
		if zd.Verbose {
			log.Printf("Zone %s: upstream serial is unchanged: %d", zd.ZoneName, remote.Serial)
		}
		return SoaUpToDate, nil
	}

	log.Printf("Zone %s: upstream serial has increased: %d-->%d", zd.ZoneName, local, remote.Serial)

	zd.mu.Lock()
	zd.XfrState = XfrPending
	hasJournal := zd.Journal != nil
	zd.mu.Unlock()

	if hasJournal {
		zd.enqueueTransfer("ixfr", local)
	} else {
		zd.enqueueTransfer("axfr", 0)
	}
	return SoaTransferQueued, nil
}
