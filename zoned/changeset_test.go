package zoned

import (
	"errors"
	"fmt"
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("bad test RR %q: %v", s, err)
	}
	return rr
}

func testSOA(t *testing.T, serial uint32) dns.RR {
	t.Helper()
	return mustRR(t, fmt.Sprintf(
		"example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. %d 600 60 3600 300", serial))
}

func testZone(t *testing.T, serial uint32, extra ...string) *ZoneContents {
	t.Helper()
	rrs := []dns.RR{
		testSOA(t, serial),
		mustRR(t, "example.com. 3600 IN NS ns1.example.com."),
		mustRR(t, "ns1.example.com. 3600 IN A 192.0.2.1"),
	}
	for _, s := range extra {
		rrs = append(rrs, mustRR(t, s))
	}
	zc, err := ContentsFromRRs("example.com.", rrs)
	if err != nil {
		t.Fatalf("ContentsFromRRs: %v", err)
	}
	return zc
}

func TestChangesetSerializeRoundTrip(t *testing.T) {
	ch := NewChangeset(testSOA(t, 100), testSOA(t, 101))
	ch.Flags = 0x2a
	ch.Removes = append(ch.Removes, mustRR(t, "old.example.com. 300 IN A 192.0.2.10"))
	ch.Adds = append(ch.Adds,
		mustRR(t, "new.example.com. 300 IN A 192.0.2.20"),
		mustRR(t, "new.example.com. 300 IN TXT \"hello\""))

	buf, err := ch.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := DeserializeChangeset(buf)
	if err != nil {
		t.Fatalf("DeserializeChangeset: %v", err)
	}

	if got.Flags != ch.Flags {
		t.Errorf("flags: got %d, want %d", got.Flags, ch.Flags)
	}
	if got.SerialFrom != 100 || got.SerialTo != 101 {
		t.Errorf("serials: got %d->%d, want 100->101", got.SerialFrom, got.SerialTo)
	}
	if len(got.Removes) != len(ch.Removes) || len(got.Adds) != len(ch.Adds) {
		t.Fatalf("section sizes: got %d/%d, want %d/%d",
			len(got.Removes), len(got.Adds), len(ch.Removes), len(ch.Adds))
	}
	for i := range ch.Removes {
		if got.Removes[i].String() != ch.Removes[i].String() {
			t.Errorf("remove %d: got %q, want %q", i, got.Removes[i], ch.Removes[i])
		}
	}
	for i := range ch.Adds {
		if got.Adds[i].String() != ch.Adds[i].String() {
			t.Errorf("add %d: got %q, want %q", i, got.Adds[i], ch.Adds[i])
		}
	}
}

func TestChangesetMerge(t *testing.T) {
	t.Run("Contiguous", func(t *testing.T) {
		a := NewChangeset(testSOA(t, 100), testSOA(t, 101))
		a.Adds = append(a.Adds, mustRR(t, "x.example.com. 300 IN A 192.0.2.1"))
		b := NewChangeset(testSOA(t, 101), testSOA(t, 102))
		b.Adds = append(b.Adds, mustRR(t, "y.example.com. 300 IN A 192.0.2.2"))

		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if a.SerialTo != 102 {
			t.Errorf("merged SerialTo = %d, want 102", a.SerialTo)
		}
		if len(a.Adds) != 2 {
			t.Errorf("merged adds = %d, want 2", len(a.Adds))
		}
	})

	t.Run("Gap", func(t *testing.T) {
		a := NewChangeset(testSOA(t, 100), testSOA(t, 101))
		b := NewChangeset(testSOA(t, 105), testSOA(t, 106))
		if err := a.Merge(b); !errors.Is(err, ErrRange) {
			t.Errorf("Merge over gap: got %v, want ErrRange", err)
		}
	})

	t.Run("RemoveCancelsAdd", func(t *testing.T) {
		a := NewChangeset(testSOA(t, 100), testSOA(t, 101))
		rr := mustRR(t, "x.example.com. 300 IN A 192.0.2.1")
		a.Adds = append(a.Adds, rr)
		b := NewChangeset(testSOA(t, 101), testSOA(t, 102))
		b.Removes = append(b.Removes, rr)
		if err := a.Merge(b); err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if len(a.Adds) != 0 || len(a.Removes) != 0 {
			t.Errorf("add/remove pair should cancel: adds=%d removes=%d", len(a.Adds), len(a.Removes))
		}
	})
}

func TestCreateFromDiff(t *testing.T) {
	t.Run("NoDiff", func(t *testing.T) {
		a := testZone(t, 100)
		b := testZone(t, 100)
		if _, err := CreateFromDiff(a, b); !errors.Is(err, ErrNoDiff) {
			t.Errorf("equal serials: got %v, want ErrNoDiff", err)
		}
	})

	t.Run("Range", func(t *testing.T) {
		a := testZone(t, 100)
		b := testZone(t, 99)
		if _, err := CreateFromDiff(a, b); !errors.Is(err, ErrRange) {
			t.Errorf("older serial: got %v, want ErrRange", err)
		}
	})

	t.Run("Diff", func(t *testing.T) {
		a := testZone(t, 100, "gone.example.com. 300 IN A 192.0.2.9")
		b := testZone(t, 101, "fresh.example.com. 300 IN A 192.0.2.8")
		ch, err := CreateFromDiff(a, b)
		if err != nil {
			t.Fatalf("CreateFromDiff: %v", err)
		}
		if ch.SerialFrom != 100 || ch.SerialTo != 101 {
			t.Errorf("serials: got %d->%d", ch.SerialFrom, ch.SerialTo)
		}
		if len(ch.Removes) != 1 || len(ch.Adds) != 1 {
			t.Fatalf("diff sections: %d removes, %d adds, want 1/1", len(ch.Removes), len(ch.Adds))
		}
		if ch.Removes[0].Header().Name != "gone.example.com." {
			t.Errorf("remove: %s", ch.Removes[0])
		}
		if ch.Adds[0].Header().Name != "fresh.example.com." {
			t.Errorf("add: %s", ch.Adds[0])
		}
	})
}

// apply(changeset(A -> B), snapshot_A) == snapshot_B
func TestChangesetApplyLaw(t *testing.T) {
	a := testZone(t, 100, "gone.example.com. 300 IN A 192.0.2.9")
	b := testZone(t, 101, "fresh.example.com. 300 IN A 192.0.2.8")

	ch, err := CreateFromDiff(a, b)
	if err != nil {
		t.Fatalf("CreateFromDiff: %v", err)
	}
	got, err := ch.Apply(a)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got.Serial() != b.Serial() {
		t.Errorf("applied serial = %d, want %d", got.Serial(), b.Serial())
	}
	wantRRs := map[string]bool{}
	for _, rr := range b.AllRRs() {
		wantRRs[rr.String()] = true
	}
	for _, rr := range got.AllRRs() {
		if !wantRRs[rr.String()] {
			t.Errorf("unexpected RR after apply: %s", rr)
		}
		delete(wantRRs, rr.String())
	}
	for s := range wantRRs {
		t.Errorf("missing RR after apply: %s", s)
	}

	// and the rollback brings A back
	back, err := ch.Rollback().Apply(got)
	if err != nil {
		t.Fatalf("rollback apply: %v", err)
	}
	if back.Serial() != a.Serial() {
		t.Errorf("rolled-back serial = %d, want %d", back.Serial(), a.Serial())
	}
	if back.GetRRset("gone.example.com.", dns.TypeA) == nil {
		t.Errorf("rollback did not restore removed RRset")
	}
}

func TestChangesetsFromRRs(t *testing.T) {
	rrs := []dns.RR{
		testSOA(t, 102), // final
		testSOA(t, 100),
		mustRR(t, "a.example.com. 300 IN A 192.0.2.1"),
		testSOA(t, 101),
		mustRR(t, "b.example.com. 300 IN A 192.0.2.2"),
		testSOA(t, 101),
		mustRR(t, "b.example.com. 300 IN A 192.0.2.2"),
		testSOA(t, 102),
		mustRR(t, "c.example.com. 300 IN A 192.0.2.3"),
		testSOA(t, 102), // terminator
	}
	chs, err := ChangesetsFromRRs(rrs)
	if err != nil {
		t.Fatalf("ChangesetsFromRRs: %v", err)
	}
	if len(chs.Sets) != 2 {
		t.Fatalf("parsed %d changesets, want 2", len(chs.Sets))
	}
	if chs.Sets[0].SerialFrom != 100 || chs.Sets[0].SerialTo != 101 {
		t.Errorf("first changeset: %d->%d", chs.Sets[0].SerialFrom, chs.Sets[0].SerialTo)
	}
	if chs.Sets[1].SerialFrom != 101 || chs.Sets[1].SerialTo != 102 {
		t.Errorf("second changeset: %d->%d", chs.Sets[1].SerialFrom, chs.Sets[1].SerialTo)
	}
	if err := chs.Check(); err != nil {
		t.Errorf("chain check: %v", err)
	}
}

func TestApplyUpdateToContents(t *testing.T) {
	zd := &ZoneData{ZoneName: "example.com.", SerialPolicy: SerialIncrement}

	t.Run("AddAndRemove", func(t *testing.T) {
		old := testZone(t, 100, "gone.example.com. 300 IN A 192.0.2.9")

		m := new(dns.Msg)
		m.SetUpdate("example.com.")
		m.Insert([]dns.RR{mustRR(t, "fresh.example.com. 300 IN A 192.0.2.8")})
		m.RemoveRRset([]dns.RR{mustRR(t, "gone.example.com. 300 IN A 0.0.0.0")})

		nzc, ch, changed, rcode, err := zd.ApplyUpdateToContents(m, old, 101)
		if err != nil {
			t.Fatalf("ApplyUpdateToContents: %v", err)
		}
		if !changed || rcode != dns.RcodeSuccess {
			t.Fatalf("changed=%v rcode=%d", changed, rcode)
		}
		if nzc.Serial() != 101 {
			t.Errorf("new serial = %d, want 101", nzc.Serial())
		}
		if nzc.GetRRset("gone.example.com.", dns.TypeA) != nil {
			t.Errorf("removed RRset still present")
		}
		if nzc.GetRRset("fresh.example.com.", dns.TypeA) == nil {
			t.Errorf("added RRset missing")
		}
		if ch.SerialFrom != 100 || ch.SerialTo != 101 {
			t.Errorf("changeset serials: %d->%d", ch.SerialFrom, ch.SerialTo)
		}
		// old snapshot untouched
		if old.GetRRset("gone.example.com.", dns.TypeA) == nil {
			t.Errorf("old snapshot was mutated")
		}
	})

	t.Run("Noop", func(t *testing.T) {
		old := testZone(t, 100)
		m := new(dns.Msg)
		m.SetUpdate("example.com.")
		// inserting an RR that already exists changes nothing
		m.Insert([]dns.RR{mustRR(t, "ns1.example.com. 3600 IN A 192.0.2.1")})

		_, _, changed, rcode, err := zd.ApplyUpdateToContents(m, old, 101)
		if err != nil {
			t.Fatalf("ApplyUpdateToContents: %v", err)
		}
		if changed {
			t.Errorf("no-op update reported as a change")
		}
		if rcode != dns.RcodeSuccess {
			t.Errorf("no-op rcode = %d, want NOERROR", rcode)
		}
	})

	t.Run("OutOfZone", func(t *testing.T) {
		old := testZone(t, 100)
		m := new(dns.Msg)
		m.SetUpdate("example.com.")
		m.Insert([]dns.RR{mustRR(t, "other.example.net. 300 IN A 192.0.2.1")})

		_, _, _, rcode, err := zd.ApplyUpdateToContents(m, old, 101)
		if err == nil {
			t.Fatalf("out-of-zone update should fail")
		}
		if rcode != dns.RcodeNotZone {
			t.Errorf("rcode = %d, want NOTZONE", rcode)
		}
	})
}
