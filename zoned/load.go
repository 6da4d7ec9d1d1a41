/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/miekg/dns"
)

// Loader for the binary zone dump. Dname IDs are only meaningful
// inside one artifact, so the loader first reads every node record,
// rebuilds the id -> owner name table from file order, and only then
// materializes the records.

type loadReader struct {
	buf []byte
	off int
	err error
}

func (lr *loadReader) fail(format string, args ...interface{}) {
	if lr.err == nil {
		lr.err = fmt.Errorf(format+": %w", append(args, ErrMalformed)...)
	}
}

func (lr *loadReader) bytes(n int) []byte {
	if lr.err != nil {
		return nil
	}
	if lr.off+n > len(lr.buf) {
		lr.fail("dump truncated at offset %d", lr.off)
		return nil
	}
	out := lr.buf[lr.off : lr.off+n]
	lr.off += n
	return out
}

func (lr *loadReader) u8() uint8 {
	b := lr.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (lr *loadReader) u16() uint16 {
	b := lr.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (lr *loadReader) u32() uint32 {
	b := lr.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (lr *loadReader) u64() uint64 {
	b := lr.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

type rawRdataItem struct {
	isDname     bool
	dnameID     uint64
	dnameInline string
	hasEncloser bool
	encloserID  uint64
	raw         []byte
}

type rawRR struct {
	items []rawRdataItem
}

type rawRRset struct {
	rrtype uint16
	class  uint16
	ttl    uint32
	rrs    []rawRR
	rrsigs [][]byte
}

type rawNode struct {
	name      string
	id        uint64
	parentID  uint64
	flags     uint8
	nsec3Peer uint64
	rrsets    []rawRRset
}

func (lr *loadReader) readName() string {
	size := int(lr.u8())
	wire := lr.bytes(size)
	if lr.err != nil {
		return ""
	}
	name, _, err := dns.UnpackDomainName(wire, 0)
	if err != nil {
		lr.fail("bad owner wire form: %v", err)
		return ""
	}
	labelCount := int(lr.u8())
	lr.bytes(labelCount) // label lengths, reconstructible from the name
	return name
}

func (lr *loadReader) readRdataItem() rawRdataItem {
	var item rawRdataItem
	tag := lr.u8()
	if tag == 0x01 {
		item.isDname = true
		inzone := lr.u8()
		if inzone == 0x01 {
			item.dnameID = lr.u64()
			return item
		}
		item.dnameInline = lr.readName()
		if lr.u8() == 0x01 {
			item.hasEncloser = true
			item.encloserID = lr.u64()
		}
		return item
	}
	size := int(lr.u16())
	item.raw = append([]byte{}, lr.bytes(size)...)
	return item
}

func (lr *loadReader) readRRset() rawRRset {
	var rrset rawRRset
	rrset.rrtype = lr.u16()
	rrset.class = lr.u16()
	rrset.ttl = lr.u32()
	rdataCount := int(lr.u8())
	rrsigCount := int(lr.u8())
	for i := 0; i < rdataCount; i++ {
		itemCount := int(lr.u8())
		var rr rawRR
		for k := 0; k < itemCount; k++ {
			rr.items = append(rr.items, lr.readRdataItem())
			if lr.err != nil {
				return rrset
			}
		}
		rrset.rrs = append(rrset.rrs, rr)
	}
	for i := 0; i < rrsigCount; i++ {
		size := int(lr.u16())
		rrset.rrsigs = append(rrset.rrsigs, append([]byte{}, lr.bytes(size)...))
	}
	return rrset
}

func (lr *loadReader) readNode() rawNode {
	var node rawNode
	node.name = lr.readName()
	node.id = lr.u64()
	node.parentID = lr.u64()
	node.flags = lr.u8()
	node.nsec3Peer = lr.u64()
	rrsetCount := int(lr.u8())
	for i := 0; i < rrsetCount; i++ {
		node.rrsets = append(node.rrsets, lr.readRRset())
		if lr.err != nil {
			return node
		}
	}
	return node
}

func assembleRR(owner string, rrtype, class uint16, ttl uint32, rdata []byte) (dns.RR, error) {
	wire := make([]byte, 0, len(rdata)+len(owner)+16)
	nameWire, err := packName(owner)
	if err != nil {
		return nil, err
	}
	wire = append(wire, nameWire...)
	var fixed [10]byte
	binary.BigEndian.PutUint16(fixed[0:], rrtype)
	binary.BigEndian.PutUint16(fixed[2:], class)
	binary.BigEndian.PutUint32(fixed[4:], ttl)
	binary.BigEndian.PutUint16(fixed[8:], uint16(len(rdata)))
	wire = append(wire, fixed[:]...)
	wire = append(wire, rdata...)
	rr, _, err := dns.UnpackRR(wire, 0)
	return rr, err
}

// LoadZone reads a dump artifact back into a contents snapshot.
// Round-trips with DumpZone modulo dname-ID re-interning.
func LoadZone(r io.Reader) (*ZoneContents, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	lr := &loadReader{buf: buf}

	magic := lr.bytes(len(dumpMagic))
	if lr.err != nil {
		return nil, lr.err
	}
	if string(magic) != string(dumpMagic) {
		return nil, fmt.Errorf("dump: bad magic: %w", ErrMalformed)
	}
	sflen := int(lr.u32())
	sourceFile := string(lr.bytes(sflen))
	normalCount := lr.u32()
	nsec3Count := lr.u32()
	authCount := lr.u32()
	if lr.err != nil {
		return nil, lr.err
	}

	nodes := make([]rawNode, 0, normalCount+nsec3Count)
	for i := uint32(0); i < normalCount+nsec3Count; i++ {
		nodes = append(nodes, lr.readNode())
		if lr.err != nil {
			return nil, lr.err
		}
	}

	idToName := make(map[uint64]string, len(nodes))
	for _, n := range nodes {
		idToName[n.id] = n.name
	}

	resolveDname := func(item rawRdataItem) (string, error) {
		if item.dnameInline != "" {
			return item.dnameInline, nil
		}
		name, exist := idToName[item.dnameID]
		if !exist {
			return "", fmt.Errorf("dump: unknown dname id %d: %w", item.dnameID, ErrMalformed)
		}
		return name, nil
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("dump: no nodes: %w", ErrMalformed)
	}
	apex := nodes[0].name
	for _, n := range nodes {
		if n.parentID == 0 && n.flags&NodeNsec3 == 0 {
			apex = n.name
			break
		}
	}

	zc := &ZoneContents{
		ApexName:   apex,
		OwnerIndex: map[string]int{},
		Nsec3Index: map[string]int{},
		SourceFile: sourceFile,
		AuthCount:  int(authCount),
	}

	for i, n := range nodes {
		od := NewOwnerData(n.name)
		od.Flags = n.flags
		if i >= int(normalCount) {
			od.Flags |= NodeNsec3
		}
		if peer, exist := idToName[n.nsec3Peer]; exist && n.nsec3Peer != 0 {
			od.Nsec3Peer = peer
		}
		for _, rrs := range n.rrsets {
			rrset := RRset{Name: n.name, RRtype: rrs.rrtype}
			for _, raw := range rrs.rrs {
				var rdata []byte
				for _, item := range raw.items {
					if item.isDname {
						name, err := resolveDname(item)
						if err != nil {
							return nil, err
						}
						wire, err := packName(name)
						if err != nil {
							return nil, err
						}
						rdata = append(rdata, wire...)
					} else {
						rdata = append(rdata, item.raw...)
					}
				}
				rr, err := assembleRR(n.name, rrs.rrtype, rrs.class, rrs.ttl, rdata)
				if err != nil {
					return nil, fmt.Errorf("dump: node %s type %s: %v: %w",
						n.name, dns.TypeToString[rrs.rrtype], err, ErrMalformed)
				}
				rrset.RRs = append(rrset.RRs, rr)
			}
			for _, sigdata := range rrs.rrsigs {
				sig, err := assembleRR(n.name, dns.TypeRRSIG, rrs.class, rrs.ttl, sigdata)
				if err != nil {
					return nil, fmt.Errorf("dump: node %s RRSIG: %v: %w", n.name, err, ErrMalformed)
				}
				rrset.RRSIGs = append(rrset.RRSIGs, sig)
			}
			od.RRtypes[rrs.rrtype] = rrset
		}
		zc.AddOwner(od)
	}

	if _, err := zc.GetSOA(); err != nil {
		return nil, err
	}
	return zc, nil
}
