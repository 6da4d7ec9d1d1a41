/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// Per-zone timer state machine: REFRESH/RETRY/EXPIRE, zonefile flush
// and DNSSEC resign. Config is in seconds, internal scheduling in
// milliseconds. Timer handles and xfr_in state transitions are
// guarded by the zone mutex.

// ZoneJitterPct bounds the randomization of REFRESH/RETRY intervals.
const ZoneJitterPct = 10

// Jitter shortens an interval by up to ZoneJitterPct percent:
// interval * (100 - r) / 100, r uniform in [0, ZoneJitterPct).
func Jitter(interval time.Duration) time.Duration {
	r := time.Duration(rand.Intn(ZoneJitterPct))
	return interval * (100 - r) / 100
}

// TimerHandle wraps a scheduled event so that cancellation is
// synchronous with respect to firing: Cancel returns only once no
// handler for the timer is executing. A handler that wants to cancel
// its own handle must call EventFinished first.
type TimerHandle struct {
	mu        sync.Mutex
	cond      *sync.Cond
	timer     *time.Timer
	inHandler bool
	cancelled bool
}

func scheduleTimer(d time.Duration, fn func(th *TimerHandle)) *TimerHandle {
	th := &TimerHandle{}
	th.cond = sync.NewCond(&th.mu)
	th.timer = time.AfterFunc(d, func() {
		th.mu.Lock()
		if th.cancelled {
			th.mu.Unlock()
			return
		}
		th.inHandler = true
		th.mu.Unlock()

		fn(th)
		th.EventFinished()
	})
	return th
}

// EventFinished declares the handler complete. Safe to call more than
// once; the dispatch wrapper calls it after the handler returns, which
// makes it implicit for handlers that never cancel themselves.
func (th *TimerHandle) EventFinished() {
	th.mu.Lock()
	th.inHandler = false
	th.cond.Broadcast()
	th.mu.Unlock()
}

// Cancel stops the timer and waits out any executing handler.
func (th *TimerHandle) Cancel() {
	if th == nil {
		return
	}
	th.mu.Lock()
	th.cancelled = true
	th.timer.Stop()
	for th.inHandler {
		th.cond.Wait()
	}
	th.mu.Unlock()
}

// Reschedule moves an uncancelled timer. Returns false if it already
// fired or was cancelled.
func (th *TimerHandle) Reschedule(d time.Duration) bool {
	if th == nil {
		return false
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.cancelled || th.inHandler {
		return false
	}
	return th.timer.Reset(d)
}

// --- per-zone scheduling; callers hold zd.mu unless noted ---

func (zd *ZoneData) scheduleRefreshLocked(interval time.Duration) {
	zd.refreshTimer.Cancel()
	d := Jitter(interval)
	// Handlers declare the event finished before running: they rearm
	// or cancel their own handle, which would otherwise self-deadlock.
	zd.refreshTimer = scheduleTimer(d, func(th *TimerHandle) {
		th.EventFinished()
		zd.RefreshEvent()
	})
	if zd.Verbose {
		log.Printf("Zone %s: REFRESH scheduled in %v", zd.ZoneName, d)
	}
}

// ScheduleRefresh (re)arms the refresh timer with jitter.
func (zd *ZoneData) ScheduleRefresh(seconds uint32) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.scheduleRefreshLocked(time.Duration(seconds) * time.Second)
}

// scheduleExpireLocked arms the EXPIRE timer on the first transfer
// attempt: jittered SOA expire plus twice the connection idle bound,
// so a slow transfer in flight is not cut short.
func (zd *ZoneData) scheduleExpireLocked(expireSeconds uint32) {
	if zd.expireTimer != nil {
		return // only on the first attempt
	}
	d := Jitter(time.Duration(expireSeconds)*time.Second) +
		2*time.Duration(zd.MaxConnIdle)*time.Second
	zd.expireTimer = scheduleTimer(d, func(th *TimerHandle) {
		th.EventFinished()
		zd.ExpireEvent()
	})
	if zd.Verbose {
		log.Printf("Zone %s: EXPIRE scheduled in %v", zd.ZoneName, d)
	}
}

func (zd *ZoneData) cancelExpireLocked() {
	if zd.expireTimer != nil {
		zd.expireTimer.Cancel()
		zd.expireTimer = nil
	}
}

// ExpireEvent fires when the master stayed unreachable past the SOA
// expire bound: the contents are withdrawn and the zone answers only
// SERVFAIL until a transfer succeeds.
func (zd *ZoneData) ExpireEvent() {
	zd.mu.Lock()
	refresh := zd.refreshTimer
	zd.refreshTimer = nil
	zd.expireTimer = nil
	zd.XfrState = XfrExpired
	zd.mu.Unlock()
	refresh.Cancel()

	old := zd.Expire()
	if old != nil {
		log.Printf("Zone %q expired.", zd.ZoneName)
	}
}

// ScheduleFlush arms the zonefile flush timer. A dbsync_timeout of 0
// means flush immediately on every change, so the periodic timer is
// not armed at all.
func (zd *ZoneData) ScheduleFlush() {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.DbsyncTimeout <= 0 {
		return
	}
	zd.flushTimer.Cancel()
	zd.flushTimer = scheduleTimer(time.Duration(zd.DbsyncTimeout)*time.Second, func(th *TimerHandle) {
		th.EventFinished()
		zd.FlushEvent()
	})
}

// FlushEvent syncs the journal to the text zonefile and rearms.
func (zd *ZoneData) FlushEvent() {
	if zd.Journal != nil && zd.Journal.IsUsed() && zd.Contents() != nil {
		if err := zd.ZonefileSync(); err != nil && !errors.Is(err, ErrRange) {
			log.Printf("Zone %s: zonefile sync failed: %v", zd.ZoneName, err)
		}
	}
	zd.ScheduleFlush()
}

// ScheduleDnssec arms the resign timer for an absolute moment (seconds
// since epoch). A target in the past is warned about and scheduled
// immediately.
func (zd *ZoneData) ScheduleDnssec(at int64) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.scheduleDnssecLocked(at)
}

func (zd *ZoneData) scheduleDnssecLocked(at int64) {
	now := time.Now().Unix()
	var relative time.Duration
	if at <= now {
		log.Printf("Zone %s: DNSSEC resign moment %d is in the past, scheduling immediately", zd.ZoneName, at)
		relative = 0
	} else {
		relative = time.Duration(at-now) * time.Second
	}
	if zd.dnssecTimer != nil {
		zd.dnssecTimer.Cancel()
	}
	zd.dnssecAt = at
	zd.dnssecTimer = scheduleTimer(relative, func(th *TimerHandle) {
		th.EventFinished()
		zd.DnssecEvent()
	})
	if zd.Verbose {
		log.Printf("Zone %s: DNSSEC resign scheduled in %v (at %s)",
			zd.ZoneName, relative, time.Unix(at, 0).UTC().Format(time.RFC3339))
	}
}

// CancelDnssec is a no-op on a zone with no timer armed.
func (zd *ZoneData) CancelDnssec() {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.dnssecTimer == nil {
		return
	}
	zd.dnssecTimer.Cancel()
	zd.dnssecTimer = nil
	zd.dnssecAt = 0
}

// ReplanSignAfterUpdate moves the resign timer earlier when the
// signer reported an earlier refresh moment. The timer is never moved
// later.
func (zd *ZoneData) ReplanSignAfterUpdate(refreshAt int64) {
	if refreshAt == 0 {
		return
	}
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.dnssecTimer != nil && zd.dnssecAt <= refreshAt {
		return
	}
	if zd.dnssecTimer != nil {
		zd.dnssecTimer.Cancel()
		zd.dnssecTimer = nil
	}
	zd.scheduleDnssecLocked(refreshAt)
}

// Discard cancels every timer and marks the zone for teardown; the
// final Release destroys it.
func (zd *ZoneData) Discard() {
	zd.mu.Lock()
	zd.Discarded = true
	refresh, expire, flush, dnssec := zd.refreshTimer, zd.expireTimer, zd.flushTimer, zd.dnssecTimer
	zd.refreshTimer, zd.expireTimer, zd.flushTimer, zd.dnssecTimer = nil, nil, nil, nil
	zd.mu.Unlock()

	refresh.Cancel()
	expire.Cancel()
	flush.Cancel()
	dnssec.Cancel()

	if zd.refcount.Load() == 0 {
		Zones.Remove(zd.ZoneName)
	}
}

// RefreshEvent is the REFRESH/RETRY tick. The state table:
// no master -> no-op; master but no contents -> bootstrap AXFR;
// master and contents -> SOA probe with EXPIRE armed on the first
// attempt. Either probe path moves the zone to PENDING and arms a
// jittered RETRY.
func (zd *ZoneData) RefreshEvent() {
	zd.mu.Lock()

	if zd.Discarded {
		zd.mu.Unlock()
		return
	}
	if zd.Master == nil || zd.Master.Address == "" {
		zd.XfrState = XfrIdle
		zd.mu.Unlock()
		return
	}

	_, soaRetry, soaExpire := zd.soaTimersLocked()

	contents := zd.Contents()
	if contents == nil {
		// Bootstrap: no contents yet, go straight to AXFR.
		zd.XfrState = XfrPending
		zd.scheduleRetryLocked(soaRetry)
		zd.mu.Unlock()
		zd.enqueueTransfer("axfr", 0)
		return
	}

	zd.XfrState = XfrPending
	zd.scheduleExpireLocked(soaExpire)
	zd.scheduleRetryLocked(soaRetry)
	zd.mu.Unlock()

	zd.enqueueSoaProbe()
}

// soaTimersLocked pulls refresh/retry/expire out of the current SOA,
// with bootstrap fallbacks when there are no contents yet.
func (zd *ZoneData) soaTimersLocked() (uint32, uint32, uint32) {
	var refresh, retry, expire uint32 = 3600, 300, 86400
	if zc := zd.Contents(); zc != nil {
		if soa, err := zc.GetSOA(); err == nil {
			refresh, retry, expire = soa.Refresh, soa.Retry, soa.Expire
		}
	}
	return refresh, retry, expire
}

func (zd *ZoneData) scheduleRetryLocked(retrySeconds uint32) {
	zd.scheduleRefreshLocked(time.Duration(retrySeconds) * time.Second)
}

func (zd *ZoneData) enqueueSoaProbe() {
	if zd.XfrInQ == nil {
		return
	}
	zd.Retain()
	zd.XfrInQ <- XfrRequest{
		ZoneName: zd.ZoneName,
		ZoneData: zd,
		XfrType:  "soa",
	}
}

func (zd *ZoneData) enqueueTransfer(xfrtype string, serial uint32) {
	if zd.XfrInQ == nil {
		return
	}
	zd.Retain()
	zd.XfrInQ <- XfrRequest{
		ZoneName: zd.ZoneName,
		ZoneData: zd,
		XfrType:  xfrtype,
		Serial:   serial,
	}
}

// TransferSucceeded installs the transferred contents, cancels
// EXPIRE, returns to IDLE with a fresh jittered REFRESH and notifies
// the configured slaves.
func (zd *ZoneData) TransferSucceeded(nzc *ZoneContents) {
	zd.ReplaceContents(nzc, ContentsXfr)

	zd.mu.Lock()
	zd.cancelExpireLocked()
	zd.XfrState = XfrIdle
	refresh, _, _ := zd.soaTimersLocked()
	zd.scheduleRefreshLocked(time.Duration(refresh) * time.Second)
	zd.mu.Unlock()

	log.Printf("Zone %q: transfer complete, serial %d", zd.ZoneName, nzc.Serial())
	zd.NotifySlaves()
}

// TransferFailed reverts to SCHED; the armed RETRY timer fires later.
func (zd *ZoneData) TransferFailed(err error) {
	zd.mu.Lock()
	zd.XfrState = XfrSched
	zd.mu.Unlock()
	log.Printf("Zone %q: transfer failed: %v (kind %s)",
		zd.ZoneName, err, ErrorKindToString[ClassifyError(err)])
}

// NotifySlaves fans a NOTIFY task out per notify_out peer. A full
// queue is logged per peer and does not block the remaining peers.
func (zd *ZoneData) NotifySlaves() {
	if zd.NotifyQ == nil || len(zd.NotifyOut) == 0 {
		return
	}
	for _, peer := range zd.NotifyOut {
		zd.Retain()
		select {
		case zd.NotifyQ <- NotifyRequest{
			ZoneName: zd.ZoneName,
			ZoneData: zd,
			Targets:  []NotifyPeer{peer},
			Retries:  zd.NotifyRetries,
		}:
		default:
			zd.Release()
			log.Printf("Zone %s: NOTIFY queue full, dropping notify for %s", zd.ZoneName, peer.Address)
		}
	}
}
