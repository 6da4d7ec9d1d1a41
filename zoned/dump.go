/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/miekg/dns"
)

// Binary zone dump. Layout:
//
//	MAGIC | sflen:u32 | source_filename | normal_count:u32 |
//	nsec3_count:u32 | auth_count:u32 | [normal nodes] | [nsec3 nodes]
//
// node: owner_size:u8 owner_wire label_count:u8 labels owner_id:u64
//
//	parent_id:u64 flags:u8 nsec3_peer_id:u64 rrset_count:u8 [rrsets]
//
// rrset: type:u16 class:u16 ttl:u32 rdata_count:u8 rrsig_count:u8
//
//	[rdata] [rrsigs]
//
// rdata items are either an interned dname reference (0x01 + id), a
// full dname with an optional closest-encloser reference, or a raw
// length-prefixed blob. Node counts are only known after traversal,
// so the writer stubs the three count slots and patches them by
// seeking back (the output must be an io.WriteSeeker). A failure
// mid-write leaves a partial file; the caller removes it.

var dumpMagic = []byte("zoned1")

const MaxCnameChainDepth = 15

// DumpSession carries the per-dump state: the dname-ID intern table,
// the closest-encloser side table for external dnames, and the node
// counters. IDs are only stable within one dump artifact.
type DumpSession struct {
	zc       *ZoneContents
	doChecks int

	dnameID   map[string]uint64
	enclosers map[string]string
	nextID    uint64

	normalCount uint32
	nsec3Count  uint32
	authCount   uint32

	Problems []string
}

func (ds *DumpSession) problem(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ds.Problems = append(ds.Problems, msg)
	log.Printf("DumpZone: zone %s: %s", ds.zc.ApexName, msg)
}

func NewDumpSession(zc *ZoneContents, doChecks int) *DumpSession {
	ds := &DumpSession{
		zc:        zc,
		doChecks:  doChecks,
		dnameID:   map[string]uint64{},
		enclosers: map[string]string{},
		nextID:    1,
	}
	// A secured zone gets the full RRSIG cross-checks.
	if doChecks >= 1 && zc.IsSecure() {
		ds.doChecks = 2
	}
	return ds
}

// intern assigns every owner node its dname ID in tree order, and
// pre-resolves closest enclosers for every external dname found in
// rdata so the writer never searches twice.
func (ds *DumpSession) intern() {
	for _, od := range ds.zc.Owners {
		ds.dnameID[od.Name] = ds.nextID
		ds.nextID++
	}
	for _, od := range ds.zc.Nsec3Owners {
		ds.dnameID[od.Name] = ds.nextID
		ds.nextID++
	}
	saveEnclosers := func(od *OwnerData) {
		for _, rrset := range od.RRtypes {
			for _, rr := range rrset.RRs {
				items, err := rdataItems(rr)
				if err != nil {
					continue
				}
				for _, item := range items {
					if item.dname == "" {
						continue
					}
					if _, inzone := ds.dnameID[item.dname]; inzone {
						continue
					}
					if _, seen := ds.enclosers[item.dname]; seen {
						continue
					}
					if ce, exact := ds.zc.ClosestEncloser(item.dname); !exact && ce != "" {
						ds.enclosers[item.dname] = ce
					}
				}
			}
		}
	}
	for _, od := range ds.zc.Owners {
		saveEnclosers(od)
	}
	for _, od := range ds.zc.Nsec3Owners {
		saveEnclosers(od)
	}
}

type rdataItem struct {
	dname string
	raw   []byte
}

// rdataWire extracts the raw rdata wire form of a record.
func rdataWire(rr dns.RR) ([]byte, error) {
	wire := make([]byte, dns.Len(rr)+64)
	off, err := dns.PackRR(rr, wire, 0, nil, false)
	if err != nil {
		return nil, err
	}
	_, noff, err := dns.UnpackDomainName(wire[:off], 0)
	if err != nil {
		return nil, err
	}
	hoff := noff + 10 // Rrtype(2) + Class(2) + Ttl(4) + Rdlength(2)
	return wire[hoff:off], nil
}

// rdataItems splits a record's rdata into dname and raw items, per a
// small per-type descriptor. Types without embedded dnames are one
// opaque blob.
func rdataItems(rr dns.RR) ([]rdataItem, error) {
	switch t := rr.(type) {
	case *dns.NS:
		return []rdataItem{{dname: t.Ns}}, nil
	case *dns.CNAME:
		return []rdataItem{{dname: t.Target}}, nil
	case *dns.DNAME:
		return []rdataItem{{dname: t.Target}}, nil
	case *dns.PTR:
		return []rdataItem{{dname: t.Ptr}}, nil
	case *dns.MX:
		pref := make([]byte, 2)
		binary.BigEndian.PutUint16(pref, t.Preference)
		return []rdataItem{{raw: pref}, {dname: t.Mx}}, nil
	case *dns.SRV:
		fixed := make([]byte, 6)
		binary.BigEndian.PutUint16(fixed[0:], t.Priority)
		binary.BigEndian.PutUint16(fixed[2:], t.Weight)
		binary.BigEndian.PutUint16(fixed[4:], t.Port)
		return []rdataItem{{raw: fixed}, {dname: t.Target}}, nil
	case *dns.SOA:
		wire, err := rdataWire(rr)
		if err != nil {
			return nil, err
		}
		// The two leading dnames; the five counters stay raw.
		return []rdataItem{{dname: t.Ns}, {dname: t.Mbox}, {raw: wire[len(wire)-20:]}}, nil
	default:
		wire, err := rdataWire(rr)
		if err != nil {
			return nil, err
		}
		return []rdataItem{{raw: wire}}, nil
	}
}

func packName(name string) ([]byte, error) {
	buf := make([]byte, 256)
	off, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:off], nil
}

func labelLengths(name string) []byte {
	labels := dns.SplitDomainName(name)
	out := make([]byte, len(labels))
	for i, l := range labels {
		out[i] = uint8(len(l))
	}
	return out
}

type dumpWriter struct {
	w   io.WriteSeeker
	err error
}

func (dw *dumpWriter) write(p []byte) {
	if dw.err != nil {
		return
	}
	_, dw.err = dw.w.Write(p)
}

func (dw *dumpWriter) u8(v uint8)   { dw.write([]byte{v}) }
func (dw *dumpWriter) u16(v uint16) { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); dw.write(b) }
func (dw *dumpWriter) u32(v uint32) { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); dw.write(b) }
func (dw *dumpWriter) u64(v uint64) { b := make([]byte, 8); binary.BigEndian.PutUint64(b, v); dw.write(b) }

func (ds *DumpSession) writeDnameItem(dw *dumpWriter, name string) {
	if id, inzone := ds.dnameID[name]; inzone {
		dw.u8(0x01)
		dw.u64(id)
		return
	}
	dw.u8(0x00)
	wire, err := packName(name)
	if err != nil {
		dw.err = err
		return
	}
	dw.u8(uint8(len(wire)))
	dw.write(wire)
	labels := labelLengths(name)
	dw.u8(uint8(len(labels)))
	dw.write(labels)
	if ce, exist := ds.enclosers[name]; exist {
		dw.u8(0x01)
		dw.u64(ds.dnameID[ce])
	} else {
		dw.u8(0x00)
	}
}

func (ds *DumpSession) writeRRset(dw *dumpWriter, rrset RRset) {
	if len(rrset.RRs) == 0 {
		return
	}
	hdr := rrset.RRs[0].Header()
	dw.u16(hdr.Rrtype)
	dw.u16(hdr.Class)
	dw.u32(hdr.Ttl)
	dw.u8(uint8(len(rrset.RRs)))
	dw.u8(uint8(len(rrset.RRSIGs)))
	for _, rr := range rrset.RRs {
		items, err := rdataItems(rr)
		if err != nil {
			dw.err = err
			return
		}
		dw.u8(uint8(len(items)))
		for _, item := range items {
			if item.dname != "" {
				dw.u8(0x01)
				ds.writeDnameItem(dw, item.dname)
			} else {
				dw.u8(0x00)
				dw.u16(uint16(len(item.raw)))
				dw.write(item.raw)
			}
		}
	}
	for _, sig := range rrset.RRSIGs {
		wire, err := rdataWire(sig)
		if err != nil {
			dw.err = err
			return
		}
		dw.u16(uint16(len(wire)))
		dw.write(wire)
	}
}

func (ds *DumpSession) writeNode(dw *dumpWriter, od *OwnerData) {
	ds.checkNode(od)

	wire, err := packName(od.Name)
	if err != nil {
		dw.err = err
		return
	}
	dw.u8(uint8(len(wire)))
	dw.write(wire)
	labels := labelLengths(od.Name)
	dw.u8(uint8(len(labels)))
	dw.write(labels)
	dw.u64(ds.dnameID[od.Name])
	parent := ds.zc.ParentName(od.Name)
	if od.Name == ds.zc.ApexName {
		dw.u64(0)
	} else {
		dw.u64(ds.dnameID[parent])
	}
	dw.u8(od.Flags)
	if od.Nsec3Peer != "" {
		dw.u64(ds.dnameID[od.Nsec3Peer])
	} else {
		dw.u64(0)
	}

	rrts := make([]uint16, 0, len(od.RRtypes))
	for rrt := range od.RRtypes {
		rrts = append(rrts, rrt)
	}
	// deterministic order inside a node
	for i := 0; i < len(rrts); i++ {
		for k := i + 1; k < len(rrts); k++ {
			if rrts[k] < rrts[i] {
				rrts[i], rrts[k] = rrts[k], rrts[i]
			}
		}
	}
	count := 0
	for _, rrt := range rrts {
		if len(od.RRtypes[rrt].RRs) > 0 {
			count++
		}
	}
	dw.u8(uint8(count))
	for _, rrt := range rrts {
		ds.writeRRset(dw, od.RRtypes[rrt])
	}
}

// checkNode runs the semantic checks: CNAME chain termination within
// MaxCnameChainDepth, CNAME cohabitation rules and, for secured
// zones, the RRSIG cross-checks. Problems are logged per node; the
// dump proceeds regardless.
func (ds *DumpSession) checkNode(od *OwnerData) {
	if ds.doChecks < 1 {
		return
	}
	if rrset, exist := od.RRtypes[dns.TypeCNAME]; exist {
		if len(rrset.RRs) > 1 {
			ds.problem("node %s: more than one CNAME record", od.Name)
		}
		for rrt := range od.RRtypes {
			if rrt != dns.TypeCNAME && rrt != dns.TypeRRSIG && rrt != dns.TypeNSEC {
				ds.problem("node %s: CNAME cohabits with %s", od.Name, dns.TypeToString[rrt])
			}
		}
		ds.checkCnameChain(od)
	}
	if ds.doChecks >= 2 {
		for _, rrset := range od.RRtypes {
			ds.checkRRSIGs(od, rrset)
		}
	}
}

func (ds *DumpSession) checkCnameChain(start *OwnerData) {
	node := start
	for depth := 0; ; depth++ {
		if depth > MaxCnameChainDepth {
			ds.problem("node %s: CNAME chain does not terminate within %d steps (cycle)",
				start.Name, MaxCnameChainDepth)
			return
		}
		rrset, exist := node.RRtypes[dns.TypeCNAME]
		if !exist || len(rrset.RRs) == 0 {
			return
		}
		target := rrset.RRs[0].(*dns.CNAME).Target
		next := ds.zc.GetOwner(target)
		if next == nil {
			next = ds.zc.GetNsec3Owner(target)
		}
		if next == nil {
			return // chain leaves the zone
		}
		node = next
	}
}

func (ds *DumpSession) checkRRSIGs(od *OwnerData, rrset RRset) {
	if len(rrset.RRSIGs) == 0 {
		return
	}
	dnskeys := ds.zc.GetRRset(ds.zc.ApexName, dns.TypeDNSKEY)
	ownerLabels := dns.CountLabel(od.Name)
	for _, sigrr := range rrset.RRSIGs {
		sig, ok := sigrr.(*dns.RRSIG)
		if !ok {
			ds.problem("node %s: non-RRSIG record attached as signature", od.Name)
			continue
		}
		if sig.TypeCovered != rrset.RRtype {
			ds.problem("node %s: RRSIG covers %s but is attached to %s RRset",
				od.Name, dns.TypeToString[sig.TypeCovered], dns.TypeToString[rrset.RRtype])
		}
		if int(sig.Labels) != ownerLabels {
			ds.problem("node %s: RRSIG label count %d != owner label count %d",
				od.Name, sig.Labels, ownerLabels)
		}
		if sig.SignerName != ds.zc.ApexName {
			ds.problem("node %s: RRSIG signer %s is not the zone apex %s",
				od.Name, sig.SignerName, ds.zc.ApexName)
		}
		matched := false
		if dnskeys != nil {
			for _, keyrr := range dnskeys.RRs {
				if key, ok := keyrr.(*dns.DNSKEY); ok {
					if key.Algorithm == sig.Algorithm && key.KeyTag() == sig.KeyTag {
						matched = true
						break
					}
				}
			}
		}
		if !matched {
			ds.problem("node %s: RRSIG (alg %d, keytag %d) matches no apex DNSKEY",
				od.Name, sig.Algorithm, sig.KeyTag)
		}
	}
}

// DumpZone writes the snapshot in the binary dump format. Two passes:
// the count slots are stubbed, the trees traversed, then the slots
// patched by seeking back.
func DumpZone(zc *ZoneContents, w io.WriteSeeker, doChecks int) (*DumpSession, error) {
	ds := NewDumpSession(zc, doChecks)
	ds.intern()

	dw := &dumpWriter{w: w}
	dw.write(dumpMagic)
	dw.u32(uint32(len(zc.SourceFile)))
	dw.write([]byte(zc.SourceFile))

	countOffset, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return ds, err
	}
	dw.u32(0) // normal node count, patched below
	dw.u32(0) // nsec3 node count, patched below
	dw.u32(0) // authoritative node count, patched below

	for _, od := range zc.Owners {
		ds.writeNode(dw, od)
		ds.normalCount++
		if od.Flags&NodeAuth != 0 {
			ds.authCount++
		}
	}
	for _, od := range zc.Nsec3Owners {
		ds.writeNode(dw, od)
		ds.nsec3Count++
	}
	if dw.err != nil {
		return ds, dw.err
	}

	if _, err := w.Seek(countOffset, io.SeekStart); err != nil {
		return ds, err
	}
	dw.u32(ds.normalCount)
	dw.u32(ds.nsec3Count)
	dw.u32(ds.authCount)
	if dw.err != nil {
		return ds, dw.err
	}
	_, err = w.Seek(0, io.SeekEnd)
	return ds, err
}
