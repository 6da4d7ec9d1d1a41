/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/gookit/goutil/dump"
	"github.com/miekg/dns"
)

// Changeset is one serial step of a zone: the records leaving, the
// records arriving and the SOA pair bracketing them.
type Changeset struct {
	SerialFrom uint32
	SerialTo   uint32
	SoaFrom    dns.RR
	SoaTo      dns.RR
	Removes    []dns.RR
	Adds       []dns.RR
	Flags      uint32
}

// Changesets is an envelope of changesets ordered by serial_from,
// each ending where the next one begins.
type Changesets struct {
	Sets []*Changeset
}

func NewChangeset(soaFrom, soaTo dns.RR) *Changeset {
	ch := &Changeset{SoaFrom: soaFrom, SoaTo: soaTo}
	if soa, ok := soaFrom.(*dns.SOA); ok {
		ch.SerialFrom = soa.Serial
	}
	if soa, ok := soaTo.(*dns.SOA); ok {
		ch.SerialTo = soa.Serial
	}
	return ch
}

func (ch *Changeset) IsEmpty() bool {
	return len(ch.Removes) == 0 && len(ch.Adds) == 0
}

// Check verifies the envelope invariant: ordered by serial_from with
// each set ending at the next one's origin.
func (chs *Changesets) Check() error {
	for i := 0; i < len(chs.Sets)-1; i++ {
		if chs.Sets[i].SerialTo != chs.Sets[i+1].SerialFrom {
			return fmt.Errorf("changesets: gap between %d and %d: %w",
				chs.Sets[i].SerialTo, chs.Sets[i+1].SerialFrom, ErrRange)
		}
	}
	return nil
}

// CreateFromDiff synthesizes the changeset between two full snapshots,
// used after a text zonefile reload when build_diffs is set. Equal
// serials yield ErrNoDiff; a non-increasing serial yields ErrRange.
func CreateFromDiff(old, new *ZoneContents) (*Changeset, error) {
	oldSoa, err := old.GetSOA()
	if err != nil {
		return nil, err
	}
	newSoa, err := new.GetSOA()
	if err != nil {
		return nil, err
	}
	if oldSoa.Serial == newSoa.Serial {
		return nil, fmt.Errorf("zone %s: %w", old.ApexName, ErrNoDiff)
	}
	if !SerialNewer(oldSoa.Serial, newSoa.Serial) {
		return nil, fmt.Errorf("zone %s: serial %d not newer than %d: %w",
			old.ApexName, newSoa.Serial, oldSoa.Serial, ErrRange)
	}

	ch := NewChangeset(oldSoa, newSoa)

	index := func(zc *ZoneContents) map[string]dns.RR {
		m := map[string]dns.RR{}
		for _, rr := range zc.AllRRs() {
			if rr.Header().Rrtype == dns.TypeSOA && rr.Header().Name == zc.ApexName {
				continue
			}
			m[rr.String()] = rr
		}
		return m
	}
	oldIdx := index(old)
	newIdx := index(new)

	for s, rr := range oldIdx {
		if _, exist := newIdx[s]; !exist {
			ch.Removes = append(ch.Removes, rr)
		}
	}
	for s, rr := range newIdx {
		if _, exist := oldIdx[s]; !exist {
			ch.Adds = append(ch.Adds, rr)
		}
	}
	return ch, nil
}

// Merge folds b (typically the DNSSEC resign changeset) into a. The
// serial chains must be contiguous; the result ends at b's SOA.
func (ch *Changeset) Merge(b *Changeset) error {
	if ch.SerialTo != b.SerialFrom {
		return fmt.Errorf("merge: %d != %d: %w", ch.SerialTo, b.SerialFrom, ErrRange)
	}
	for _, rem := range b.Removes {
		cancelled := false
		for i, add := range ch.Adds {
			if add.String() == rem.String() {
				ch.Adds = append(ch.Adds[:i], ch.Adds[i+1:]...)
				cancelled = true
				break
			}
		}
		if !cancelled {
			ch.Removes = append(ch.Removes, rem)
		}
	}
	ch.Adds = append(ch.Adds, b.Adds...)
	ch.SoaTo = b.SoaTo
	ch.SerialTo = b.SerialTo
	return nil
}

func packRR(buf []byte, rr dns.RR) ([]byte, error) {
	wire := make([]byte, dns.Len(rr)+64)
	off, err := dns.PackRR(rr, wire, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("packRR %s: %v: %w", rr.Header().Name, err, ErrMalformed)
	}
	return append(buf, wire[:off]...), nil
}

// Serialize emits the compact journal payload:
// flags:u32 | soa_from | removes... | soa_to | adds...
// The section boundaries are carried by the SOA records themselves.
func (ch *Changeset) Serialize() ([]byte, error) {
	if ch.SoaFrom == nil || ch.SoaTo == nil {
		return nil, fmt.Errorf("changeset: missing SOA bracket: %w", ErrInval)
	}
	buf := make([]byte, 4, 512)
	binary.BigEndian.PutUint32(buf, ch.Flags)
	var err error
	if buf, err = packRR(buf, ch.SoaFrom); err != nil {
		return nil, err
	}
	for _, rr := range ch.Removes {
		if buf, err = packRR(buf, rr); err != nil {
			return nil, err
		}
	}
	if buf, err = packRR(buf, ch.SoaTo); err != nil {
		return nil, err
	}
	for _, rr := range ch.Adds {
		if buf, err = packRR(buf, rr); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DeserializeChangeset parses one serialized changeset. Sections are
// delimited by SOA records: the first SOA opens the REMOVE section,
// the second switches to ADD, a third (or end of buffer) terminates.
func DeserializeChangeset(buf []byte) (*Changeset, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("changeset payload too short: %w", ErrMalformed)
	}
	ch := &Changeset{Flags: binary.BigEndian.Uint32(buf)}
	off := 4

	inAdd := false
	for off < len(buf) {
		rr, noff, err := dns.UnpackRR(buf, off)
		if err != nil {
			return nil, fmt.Errorf("changeset unpack at %d: %v: %w", off, err, ErrMalformed)
		}
		off = noff
		if soa, ok := rr.(*dns.SOA); ok {
			switch {
			case ch.SoaFrom == nil:
				ch.SoaFrom = soa
				ch.SerialFrom = soa.Serial
			case !inAdd:
				ch.SoaTo = soa
				ch.SerialTo = soa.Serial
				inAdd = true
			default:
				// terminator; a well-formed single payload ends here
				if off != len(buf) {
					return nil, fmt.Errorf("changeset: trailing data after terminator: %w", ErrMalformed)
				}
				return ch, nil
			}
			continue
		}
		if ch.SoaFrom == nil {
			return nil, fmt.Errorf("changeset: leading RR is not a SOA: %w", ErrMalformed)
		}
		if inAdd {
			ch.Adds = append(ch.Adds, rr)
		} else {
			ch.Removes = append(ch.Removes, rr)
		}
	}
	if ch.SoaTo == nil {
		return nil, fmt.Errorf("changeset: missing target SOA: %w", ErrMalformed)
	}
	return ch, nil
}

// ChangesetsFromRRs parses an IXFR-style record stream (leading full
// SOA, then alternating remove/add sections bracketed by SOAs) into a
// changesets envelope.
func ChangesetsFromRRs(rrs []dns.RR) (*Changesets, error) {
	if len(rrs) < 3 {
		return nil, fmt.Errorf("ixfr stream too short: %w", ErrMalformed)
	}
	final, ok := rrs[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("ixfr stream: leading RR is not a SOA: %w", ErrMalformed)
	}
	chs := &Changesets{}
	var cur *Changeset
	inAdd := false
	for _, rr := range rrs[1:] {
		if soa, ok := rr.(*dns.SOA); ok {
			switch {
			case cur == nil:
				cur = &Changeset{SoaFrom: soa, SerialFrom: soa.Serial}
				inAdd = false
			case !inAdd:
				cur.SoaTo = soa
				cur.SerialTo = soa.Serial
				inAdd = true
			default:
				chs.Sets = append(chs.Sets, cur)
				if soa.Serial == final.Serial && cur.SerialTo == final.Serial {
					cur = nil
					inAdd = false
					continue
				}
				cur = &Changeset{SoaFrom: soa, SerialFrom: soa.Serial}
				inAdd = false
			}
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("ixfr stream: RR outside changeset: %w", ErrMalformed)
		}
		if inAdd {
			cur.Adds = append(cur.Adds, rr)
		} else {
			cur.Removes = append(cur.Removes, rr)
		}
	}
	if cur != nil {
		chs.Sets = append(chs.Sets, cur)
	}
	if err := chs.Check(); err != nil {
		return nil, err
	}
	return chs, nil
}

// Apply produces a new snapshot with the changeset applied. The input
// snapshot is never touched.
func (ch *Changeset) Apply(zc *ZoneContents) (*ZoneContents, error) {
	if zc.Serial() != ch.SerialFrom {
		return nil, fmt.Errorf("apply: contents at serial %d, changeset starts at %d: %w",
			zc.Serial(), ch.SerialFrom, ErrRange)
	}
	nzc := zc.Clone()
	for _, rr := range ch.Removes {
		nzc.RemoveRR(rr)
	}
	for _, rr := range ch.Adds {
		nzc.AddRR(rr)
	}
	apex := nzc.Apex()
	apex.RRtypes[dns.TypeSOA] = RRset{
		Name:   nzc.ApexName,
		RRtype: dns.TypeSOA,
		RRs:    []dns.RR{dns.Copy(ch.SoaTo)},
	}
	nzc.Normalize()
	return nzc, nil
}

// Rollback returns the inverse of the changeset, for undoing an
// applied-but-not-committed change.
func (ch *Changeset) Rollback() *Changeset {
	return &Changeset{
		SerialFrom: ch.SerialTo,
		SerialTo:   ch.SerialFrom,
		SoaFrom:    ch.SoaTo,
		SoaTo:      ch.SoaFrom,
		Removes:    ch.Adds,
		Adds:       ch.Removes,
		Flags:      ch.Flags,
	}
}

// ApplyUpdateToContents applies a DDNS UPDATE section to a cloned
// snapshot, yielding the new snapshot and the changeset describing
// the diff. A structurally valid update that changes nothing returns
// changed == false with rcode NOERROR.
func (zd *ZoneData) ApplyUpdateToContents(r *dns.Msg, old *ZoneContents, newSerial uint32) (*ZoneContents, *Changeset, bool, int, error) {
	oldSoa, err := old.GetSOA()
	if err != nil {
		return nil, nil, false, dns.RcodeServerFailure, err
	}

	newSoa := dns.Copy(oldSoa).(*dns.SOA)
	newSoa.Serial = newSerial
	ch := NewChangeset(dns.Copy(oldSoa), newSoa)

	nzc := old.Clone()
	changed := false

	for _, rr := range r.Ns {
		hdr := rr.Header()
		if !dns.IsSubDomain(zd.ZoneName, hdr.Name) {
			return nil, nil, false, dns.RcodeNotZone, fmt.Errorf("update: %s outside zone %s: %w",
				hdr.Name, zd.ZoneName, ErrInval)
		}

		switch hdr.Class {
		case dns.ClassNONE:
			// Remove exact RR
			victim := nzc.GetRRset(hdr.Name, hdr.Rrtype)
			if victim == nil {
				continue
			}
			before := append([]dns.RR{}, victim.RRs...)
			if nzc.RemoveRR(rr) {
				changed = true
				rrcopy := dns.Copy(rr)
				rrcopy.Header().Class = dns.ClassINET
				for _, b := range before {
					bc := dns.Copy(b)
					bc.Header().Ttl = 0
					rc := dns.Copy(rrcopy)
					rc.Header().Ttl = 0
					if dns.IsDuplicate(bc, rc) {
						ch.Removes = append(ch.Removes, b)
						break
					}
				}
			}

		case dns.ClassANY:
			// Remove RRset
			victim := nzc.GetRRset(hdr.Name, hdr.Rrtype)
			if victim == nil {
				continue
			}
			ch.Removes = append(ch.Removes, victim.RRs...)
			nzc.RemoveRRset(hdr.Name, hdr.Rrtype)
			changed = true

		case dns.ClassINET:
			rrcopy := dns.Copy(rr)
			dup := false
			if existing := nzc.GetRRset(hdr.Name, hdr.Rrtype); existing != nil {
				for _, oldrr := range existing.RRs {
					if dns.IsDuplicate(oldrr, rrcopy) {
						dup = true
						break
					}
				}
			}
			if dup {
				continue
			}
			nzc.AddRR(rrcopy)
			ch.Adds = append(ch.Adds, rrcopy)
			changed = true

		default:
			return nil, nil, false, dns.RcodeFormatError,
				fmt.Errorf("update: RR %s has class %d: %w", hdr.Name, hdr.Class, ErrMalformed)
		}
	}

	if !changed {
		return nil, nil, false, dns.RcodeSuccess, nil
	}

	apex := nzc.Apex()
	apex.RRtypes[dns.TypeSOA] = RRset{
		Name:   nzc.ApexName,
		RRtype: dns.TypeSOA,
		RRs:    []dns.RR{newSoa},
	}
	nzc.Normalize()

	if zd.Debug {
		log.Printf("ApplyUpdateToContents: zone %s: %d removes, %d adds, serial %d -> %d",
			zd.ZoneName, len(ch.Removes), len(ch.Adds), ch.SerialFrom, ch.SerialTo)
		dump.P(ch.Removes, ch.Adds)
	}

	return nzc, ch, true, dns.RcodeSuccess, nil
}
