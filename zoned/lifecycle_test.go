package zoned

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestJitterBounds(t *testing.T) {
	interval := 600 * time.Second
	low := 540 * time.Second // 600 * (100-10+1)/100 rounds inside this
	for i := 0; i < 1000; i++ {
		d := Jitter(interval)
		if d < low || d > interval {
			t.Fatalf("Jitter(%v) = %v, outside [%v, %v]", interval, d, low, interval)
		}
	}
}

func TestTimerHandle(t *testing.T) {
	t.Run("Fires", func(t *testing.T) {
		fired := make(chan struct{})
		scheduleTimer(5*time.Millisecond, func(th *TimerHandle) {
			close(fired)
		})
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("timer never fired")
		}
	})

	t.Run("CancelPreventsFiring", func(t *testing.T) {
		fired := make(chan struct{})
		th := scheduleTimer(50*time.Millisecond, func(th *TimerHandle) {
			close(fired)
		})
		th.Cancel()
		select {
		case <-fired:
			t.Fatalf("cancelled timer fired")
		case <-time.After(150 * time.Millisecond):
		}
	})

	t.Run("CancelWaitsForHandler", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		var finished bool
		th := scheduleTimer(time.Millisecond, func(th *TimerHandle) {
			close(entered)
			<-release
			finished = true
		})
		<-entered
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(release)
		}()
		th.Cancel()
		if !finished {
			t.Errorf("Cancel returned before the handler completed")
		}
	})

	t.Run("NilCancelOk", func(t *testing.T) {
		var th *TimerHandle
		th.Cancel() // must not panic
	})
}

func TestTransferFailureEntersSched(t *testing.T) {
	zd := &ZoneData{ZoneName: "example.com.", XfrState: XfrPending}
	zd.TransferFailed(ErrConn)
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.XfrState != XfrSched {
		t.Errorf("state after failure = %s, want SCHED", XfrInStateToString[zd.XfrState])
	}
}

func TestTransferSuccess(t *testing.T) {
	zd := &ZoneData{
		ZoneName:    "example.com.",
		XfrState:    XfrPending,
		MaxConnIdle: 20,
	}
	zd.mu.Lock()
	zd.scheduleExpireLocked(3600)
	zd.mu.Unlock()

	zd.TransferSucceeded(testZone(t, 101))

	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.XfrState != XfrIdle {
		t.Errorf("state after success = %s, want IDLE", XfrInStateToString[zd.XfrState])
	}
	if zd.expireTimer != nil {
		t.Errorf("EXPIRE timer still armed after successful transfer")
	}
	if zd.refreshTimer == nil {
		t.Errorf("REFRESH timer not rearmed after successful transfer")
	}
	if got := zd.Contents().Serial(); got != 101 {
		t.Errorf("published serial = %d, want 101", got)
	}
	zd.refreshTimer.Cancel()
}

func TestCancelDnssecNoop(t *testing.T) {
	zd := &ZoneData{ZoneName: "example.com."}
	zd.CancelDnssec() // no timer armed: must be a clean no-op
}

func TestReplanSignOnlyEarlier(t *testing.T) {
	zd := &ZoneData{ZoneName: "example.com."}
	far := time.Now().Add(10 * time.Hour).Unix()
	near := time.Now().Add(1 * time.Hour).Unix()

	zd.ScheduleDnssec(far)
	zd.ReplanSignAfterUpdate(near)
	zd.mu.Lock()
	got := zd.dnssecAt
	zd.mu.Unlock()
	if got != near {
		t.Errorf("resign at %d, want moved earlier to %d", got, near)
	}

	// A later moment must not move the timer.
	zd.ReplanSignAfterUpdate(far)
	zd.mu.Lock()
	got = zd.dnssecAt
	zd.mu.Unlock()
	if got != near {
		t.Errorf("resign at %d, want unchanged %d", got, near)
	}
	zd.CancelDnssec()
}

func TestExpireEventWithdrawsContents(t *testing.T) {
	zd := &ZoneData{ZoneName: "example.com.", XfrState: XfrPending}
	zd.ReplaceContents(testZone(t, 100), ContentsLoad)

	zd.ExpireEvent()

	if zd.Contents() != nil {
		t.Errorf("contents still published after EXPIRE")
	}
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.XfrState != XfrExpired {
		t.Errorf("state = %s, want EXPIRED", XfrInStateToString[zd.XfrState])
	}
}

func TestRefreshEventStateTable(t *testing.T) {
	t.Run("NoMasterNoop", func(t *testing.T) {
		zd := &ZoneData{ZoneName: "example.com.", XfrState: XfrIdle}
		zd.RefreshEvent()
		zd.mu.Lock()
		defer zd.mu.Unlock()
		if zd.XfrState != XfrIdle {
			t.Errorf("state = %s, want IDLE", XfrInStateToString[zd.XfrState])
		}
	})

	t.Run("BootstrapEnqueuesAxfr", func(t *testing.T) {
		xfrq := make(chan XfrRequest, 1)
		zd := &ZoneData{
			ZoneName: "example.com.",
			XfrState: XfrIdle,
			Master:   &MasterRelation{Address: "192.0.2.53"},
			XfrInQ:   xfrq,
		}
		zd.RefreshEvent()

		select {
		case req := <-xfrq:
			if req.XfrType != "axfr" {
				t.Errorf("bootstrap enqueued %q, want axfr", req.XfrType)
			}
		default:
			t.Fatalf("nothing enqueued for bootstrap refresh")
		}
		zd.mu.Lock()
		if zd.XfrState != XfrPending {
			t.Errorf("state = %s, want PENDING", XfrInStateToString[zd.XfrState])
		}
		refresh := zd.refreshTimer
		zd.mu.Unlock()
		refresh.Cancel()
		zd.Release()
	})

	t.Run("ContentsEnqueueSoaProbeAndExpire", func(t *testing.T) {
		xfrq := make(chan XfrRequest, 1)
		zd := &ZoneData{
			ZoneName:    "example.com.",
			XfrState:    XfrIdle,
			Master:      &MasterRelation{Address: "192.0.2.53"},
			XfrInQ:      xfrq,
			MaxConnIdle: 20,
		}
		zd.ReplaceContents(testZone(t, 100), ContentsLoad)
		zd.RefreshEvent()

		select {
		case req := <-xfrq:
			if req.XfrType != "soa" {
				t.Errorf("enqueued %q, want soa probe", req.XfrType)
			}
		default:
			t.Fatalf("nothing enqueued for refresh with contents")
		}
		zd.mu.Lock()
		if zd.XfrState != XfrPending {
			t.Errorf("state = %s, want PENDING", XfrInStateToString[zd.XfrState])
		}
		if zd.expireTimer == nil {
			t.Errorf("EXPIRE not armed on first attempt")
		}
		refresh, expire := zd.refreshTimer, zd.expireTimer
		zd.mu.Unlock()
		refresh.Cancel()
		expire.Cancel()
		zd.Release()
	})
}

func TestSoaResponsePaths(t *testing.T) {
	mkResponse := func(id uint16, serial uint32) *dns.Msg {
		m := new(dns.Msg)
		m.Id = id
		m.Answer = []dns.RR{testSOA(t, serial)}
		return m
	}

	t.Run("IdMismatchDropped", func(t *testing.T) {
		zd := &ZoneData{ZoneName: "example.com.", ExpectedMsgID: 42}
		zd.ReplaceContents(testZone(t, 100), ContentsLoad)
		res, err := zd.ProcessSoaResponse(mkResponse(7, 101))
		if err != nil || res != SoaDropped {
			t.Errorf("mismatched ID: got %v/%v, want silent drop", res, err)
		}
	})

	t.Run("UpToDate", func(t *testing.T) {
		zd := &ZoneData{ZoneName: "example.com.", ExpectedMsgID: 42, XfrState: XfrPending}
		zd.ReplaceContents(testZone(t, 100), ContentsLoad)
		res, err := zd.ProcessSoaResponse(mkResponse(42, 100))
		if err != nil || res != SoaUpToDate {
			t.Fatalf("up-to-date: got %v/%v", res, err)
		}
		zd.mu.Lock()
		if zd.XfrState != XfrIdle {
			t.Errorf("state = %s, want IDLE", XfrInStateToString[zd.XfrState])
		}
		refresh := zd.refreshTimer
		zd.mu.Unlock()
		refresh.Cancel()
	})

	t.Run("NewerQueuesIxfrWithJournal", func(t *testing.T) {
		xfrq := make(chan XfrRequest, 1)
		zd := &ZoneData{
			ZoneName:      "example.com.",
			ExpectedMsgID: 42,
			XfrInQ:        xfrq,
			Journal:       &Journal{zone: "example.com."},
		}
		zd.ReplaceContents(testZone(t, 100), ContentsLoad)
		res, err := zd.ProcessSoaResponse(mkResponse(42, 101))
		if err != nil || res != SoaTransferQueued {
			t.Fatalf("newer serial: got %v/%v", res, err)
		}
		req := <-xfrq
		if req.XfrType != "ixfr" || req.Serial != 100 {
			t.Errorf("enqueued %q from serial %d, want ixfr from 100", req.XfrType, req.Serial)
		}
		zd.Release()
	})

	t.Run("NewerQueuesAxfrWithoutJournal", func(t *testing.T) {
		xfrq := make(chan XfrRequest, 1)
		zd := &ZoneData{ZoneName: "example.com.", ExpectedMsgID: 42, XfrInQ: xfrq}
		zd.ReplaceContents(testZone(t, 100), ContentsLoad)
		if _, err := zd.ProcessSoaResponse(mkResponse(42, 101)); err != nil {
			t.Fatalf("ProcessSoaResponse: %v", err)
		}
		req := <-xfrq
		if req.XfrType != "axfr" {
			t.Errorf("enqueued %q, want axfr", req.XfrType)
		}
		zd.Release()
	})
}
