package zoned

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// fakeSigner counts which signing path the update pipeline took.
type fakeSigner struct {
	fullResigns  int
	incrementals int
	refreshAt    int64
}

func (fs *fakeSigner) changeset(zc *ZoneContents) (*Changeset, int64, error) {
	ch, err := emptyResignChangeset(zc)
	if err != nil {
		return nil, 0, err
	}
	sig := &dns.RRSIG{
		Hdr: dns.RR_Header{
			Name: zc.ApexName, Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 300,
		},
		TypeCovered: dns.TypeSOA,
		Algorithm:   13,
		Labels:      uint8(dns.CountLabel(zc.ApexName)),
		OrigTtl:     300,
		Expiration:  uint32(time.Now().Add(24 * time.Hour).Unix()),
		Inception:   uint32(time.Now().Unix()),
		KeyTag:      4711,
		SignerName:  zc.ApexName,
		Signature:   "aGVsbG8=",
	}
	ch.Adds = append(ch.Adds, sig)
	return ch, fs.refreshAt, nil
}

func (fs *fakeSigner) ResignZone(zc *ZoneContents) (*Changeset, int64, error) {
	fs.fullResigns++
	return fs.changeset(zc)
}

func (fs *fakeSigner) SignChangeset(zc *ZoneContents, ch *Changeset) (*Changeset, int64, error) {
	fs.incrementals++
	return fs.changeset(zc)
}

func updateTestZone(t *testing.T) *ZoneData {
	t.Helper()
	zd := &ZoneData{
		ZoneName:     "example.com.",
		ZoneType:     Primary,
		SerialPolicy: SerialIncrement,
		Zonefile:     filepath.Join(t.TempDir(), "example.com.zone"),
		Journal:      testJournal(t),
		// dbsync_timeout > 0: no immediate flush in these tests
		DbsyncTimeout: 300,
	}
	zd.ReplaceContents(testZone(t, 100), ContentsLoad)
	return zd
}

func mkUpdate(t *testing.T, adds ...string) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	var rrs []dns.RR
	for _, s := range adds {
		rrs = append(rrs, mustRR(t, s))
	}
	m.Insert(rrs)
	return m
}

func TestProcessUpdate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		zd := updateTestZone(t)
		var rcode int
		err := zd.ProcessUpdate(mkUpdate(t, "host.example.com. 300 IN A 192.0.2.99"), &rcode)
		if err != nil {
			t.Fatalf("ProcessUpdate: %v", err)
		}
		if rcode != dns.RcodeSuccess {
			t.Errorf("rcode = %s, want NOERROR", dns.RcodeToString[rcode])
		}

		// New snapshot visible with the bumped serial.
		if got := zd.Contents().Serial(); got != 101 {
			t.Errorf("published serial = %d, want 101", got)
		}
		if zd.Contents().GetRRset("host.example.com.", dns.TypeA) == nil {
			t.Errorf("added RRset not visible")
		}

		// Changeset journaled under (100 -> 101).
		chain, err := zd.Journal.Fetch(100)
		if err != nil {
			t.Fatalf("journal chain: %v", err)
		}
		if KeySerialTo(chain[0].Key) != 101 {
			t.Errorf("journal entry to-serial = %d, want 101", KeySerialTo(chain[0].Key))
		}
	})

	t.Run("NoopReturnsNoerror", func(t *testing.T) {
		zd := updateTestZone(t)
		var rcode int
		err := zd.ProcessUpdate(mkUpdate(t, "ns1.example.com. 3600 IN A 192.0.2.1"), &rcode)
		if err != nil {
			t.Fatalf("ProcessUpdate: %v", err)
		}
		if rcode != dns.RcodeSuccess {
			t.Errorf("no-op rcode = %s, want NOERROR", dns.RcodeToString[rcode])
		}
		if got := zd.Contents().Serial(); got != 100 {
			t.Errorf("no-op bumped the serial to %d", got)
		}
		if zd.Journal.IsUsed() {
			t.Errorf("no-op journaled a changeset")
		}
	})

	t.Run("ChainAcrossUpdates", func(t *testing.T) {
		zd := updateTestZone(t)
		var rcode int
		if err := zd.ProcessUpdate(mkUpdate(t, "a.example.com. 300 IN A 192.0.2.1"), &rcode); err != nil {
			t.Fatalf("first update: %v", err)
		}
		if err := zd.ProcessUpdate(mkUpdate(t, "b.example.com. 300 IN A 192.0.2.2"), &rcode); err != nil {
			t.Fatalf("second update: %v", err)
		}

		chain, err := zd.Journal.Fetch(100)
		if err != nil {
			t.Fatalf("journal chain: %v", err)
		}
		if len(chain) != 2 {
			t.Fatalf("chain length = %d, want 2", len(chain))
		}
		if KeySerialTo(chain[0].Key) != KeySerialFrom(chain[1].Key) {
			t.Errorf("chain gap: %d != %d", KeySerialTo(chain[0].Key), KeySerialFrom(chain[1].Key))
		}
		if got := zd.Contents().Serial(); got != 102 {
			t.Errorf("published serial = %d, want 102", got)
		}
	})

	t.Run("JournalFullFlushRetry", func(t *testing.T) {
		zd := updateTestZone(t)
		zd.Journal.MaxEntries = 1
		if err := zd.Journal.Store(99, 100, []byte("old")); err != nil {
			t.Fatalf("prefill: %v", err)
		}

		var rcode int
		err := zd.ProcessUpdate(mkUpdate(t, "big.example.com. 300 IN A 192.0.2.50"), &rcode)
		if err != nil {
			t.Fatalf("ProcessUpdate with full journal: %v", err)
		}
		if rcode != dns.RcodeSuccess {
			t.Errorf("rcode = %s, want NOERROR", dns.RcodeToString[rcode])
		}

		// The flush wrote the text zonefile once.
		if !zd.ZonefileValid || zd.ZonefileSerial != 100 {
			t.Errorf("flush bookkeeping: valid=%v serial=%d", zd.ZonefileValid, zd.ZonefileSerial)
		}
		// The retried store landed.
		chain, err := zd.Journal.Fetch(100)
		if err != nil {
			t.Fatalf("journal after recovery: %v", err)
		}
		if KeySerialTo(chain[0].Key) != 101 {
			t.Errorf("recovered entry = %d->%d", KeySerialFrom(chain[0].Key), KeySerialTo(chain[0].Key))
		}
	})

	t.Run("DnskeyChangeForcesFullResign", func(t *testing.T) {
		zd := updateTestZone(t)
		fs := &fakeSigner{refreshAt: time.Now().Add(time.Hour).Unix()}
		zd.DnssecEnable = true
		zd.Signer = fs

		var rcode int
		err := zd.ProcessUpdate(mkUpdate(t,
			"example.com. 3600 IN DNSKEY 257 3 13 aGVsbG8gd29ybGQgdGhpcyBpcyBub3QgYSBrZXk="), &rcode)
		if err != nil {
			t.Fatalf("ProcessUpdate: %v", err)
		}
		if fs.fullResigns != 1 || fs.incrementals != 0 {
			t.Errorf("signing path: full=%d incremental=%d, want 1/0", fs.fullResigns, fs.incrementals)
		}

		// The DNSSEC timer was pulled in to the signer's refresh moment.
		zd.mu.Lock()
		at := zd.dnssecAt
		timer := zd.dnssecTimer
		zd.mu.Unlock()
		if at != fs.refreshAt {
			t.Errorf("resign at %d, want %d", at, fs.refreshAt)
		}
		timer.Cancel()

		// Merged changeset ends at the new serial and carries the RRSIG.
		chain, err := zd.Journal.Fetch(100)
		if err != nil {
			t.Fatalf("journal: %v", err)
		}
		ch, err := DeserializeChangeset(chain[0].Payload)
		if err != nil {
			t.Fatalf("DeserializeChangeset: %v", err)
		}
		if ch.SerialTo != 101 {
			t.Errorf("merged changeset ends at %d, want 101", ch.SerialTo)
		}
		hasSig := false
		for _, rr := range ch.Adds {
			if rr.Header().Rrtype == dns.TypeRRSIG {
				hasSig = true
			}
		}
		if !hasSig {
			t.Errorf("merged changeset misses the resign RRSIGs")
		}
	})

	t.Run("PlainUpdateSignsIncrementally", func(t *testing.T) {
		zd := updateTestZone(t)
		fs := &fakeSigner{}
		zd.DnssecEnable = true
		zd.Signer = fs

		var rcode int
		err := zd.ProcessUpdate(mkUpdate(t, "x.example.com. 300 IN A 192.0.2.3"), &rcode)
		if err != nil {
			t.Fatalf("ProcessUpdate: %v", err)
		}
		if fs.fullResigns != 0 || fs.incrementals != 1 {
			t.Errorf("signing path: full=%d incremental=%d, want 0/1", fs.fullResigns, fs.incrementals)
		}
	})
}
