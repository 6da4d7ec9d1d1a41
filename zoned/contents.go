/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/twotwotwo/sorts/sortutil"
)

// ZoneContents is one immutable snapshot of a zone: the apex, the
// owner tree in canonical order, the NSEC3 tree and the node counts.
// It is built single-threaded, published with an atomic pointer swap
// and never modified afterwards.
type ZoneContents struct {
	ApexName    string
	Owners      []*OwnerData
	OwnerIndex  map[string]int
	Nsec3Owners []*OwnerData
	Nsec3Index  map[string]int
	AuthCount   int
	SourceFile  string
}

func NewZoneContents(apex string) *ZoneContents {
	zc := &ZoneContents{
		ApexName:   dns.Fqdn(apex),
		OwnerIndex: map[string]int{},
		Nsec3Index: map[string]int{},
	}
	zc.AddOwner(NewOwnerData(zc.ApexName))
	return zc
}

func (zc *ZoneContents) Apex() *OwnerData {
	return zc.Owners[zc.OwnerIndex[zc.ApexName]]
}

func (zc *ZoneContents) GetOwner(qname string) *OwnerData {
	if idx, exist := zc.OwnerIndex[qname]; exist {
		return zc.Owners[idx]
	}
	return nil
}

func (zc *ZoneContents) GetNsec3Owner(qname string) *OwnerData {
	if idx, exist := zc.Nsec3Index[qname]; exist {
		return zc.Nsec3Owners[idx]
	}
	return nil
}

func (zc *ZoneContents) AddOwner(od *OwnerData) *OwnerData {
	if od.Flags&NodeNsec3 != 0 {
		zc.Nsec3Index[od.Name] = len(zc.Nsec3Owners)
		zc.Nsec3Owners = append(zc.Nsec3Owners, od)
		return od
	}
	zc.OwnerIndex[od.Name] = len(zc.Owners)
	zc.Owners = append(zc.Owners, od)
	return od
}

func (zc *ZoneContents) GetRRset(qname string, rrtype uint16) *RRset {
	owner := zc.GetOwner(qname)
	if owner == nil {
		return nil
	}
	if rrset, exist := owner.RRtypes[rrtype]; exist {
		return &rrset
	}
	return nil
}

// GetSOA returns the apex SOA. Every published snapshot carries one.
func (zc *ZoneContents) GetSOA() (*dns.SOA, error) {
	rrset := zc.GetRRset(zc.ApexName, dns.TypeSOA)
	if rrset == nil || len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("zone %s: apex has no SOA: %w", zc.ApexName, ErrMalformed)
	}
	soa, ok := rrset.RRs[0].(*dns.SOA)
	if !ok {
		return nil, fmt.Errorf("zone %s: apex SOA has wrong type: %w", zc.ApexName, ErrMalformed)
	}
	return soa, nil
}

func (zc *ZoneContents) Serial() uint32 {
	soa, err := zc.GetSOA()
	if err != nil {
		return 0
	}
	return soa.Serial
}

// IsSecure reports whether the apex holds a DNSKEY RRset.
func (zc *ZoneContents) IsSecure() bool {
	rrset := zc.GetRRset(zc.ApexName, dns.TypeDNSKEY)
	return rrset != nil && len(rrset.RRs) > 0
}

// Clone produces a deep, mutable copy used by the changeset engine.
// RRs are copied record by record so the update applicator can modify
// them without the published snapshot ever seeing the change.
func (zc *ZoneContents) Clone() *ZoneContents {
	nzc := &ZoneContents{
		ApexName:   zc.ApexName,
		OwnerIndex: make(map[string]int, len(zc.OwnerIndex)),
		Nsec3Index: make(map[string]int, len(zc.Nsec3Index)),
		AuthCount:  zc.AuthCount,
		SourceFile: zc.SourceFile,
	}
	cloneOwner := func(od *OwnerData) *OwnerData {
		nod := &OwnerData{
			Name:      od.Name,
			RRtypes:   make(map[uint16]RRset, len(od.RRtypes)),
			Flags:     od.Flags,
			Nsec3Peer: od.Nsec3Peer,
		}
		for rrt, rrset := range od.RRtypes {
			nrrset := RRset{Name: rrset.Name, RRtype: rrset.RRtype}
			for _, rr := range rrset.RRs {
				nrrset.RRs = append(nrrset.RRs, dns.Copy(rr))
			}
			for _, sig := range rrset.RRSIGs {
				nrrset.RRSIGs = append(nrrset.RRSIGs, dns.Copy(sig))
			}
			nod.RRtypes[rrt] = nrrset
		}
		return nod
	}
	for _, od := range zc.Owners {
		nzc.OwnerIndex[od.Name] = len(nzc.Owners)
		nzc.Owners = append(nzc.Owners, cloneOwner(od))
	}
	for _, od := range zc.Nsec3Owners {
		nzc.Nsec3Index[od.Name] = len(nzc.Nsec3Owners)
		nzc.Nsec3Owners = append(nzc.Nsec3Owners, cloneOwner(od))
	}
	return nzc
}

// CanonicalCompare orders two owner names in canonical DNS order
// (RFC 4034 §6.1): by label from the right, case-insensitively.
func CanonicalCompare(a, b string) int {
	la := dns.SplitDomainName(strings.ToLower(dns.Fqdn(a)))
	lb := dns.SplitDomainName(strings.ToLower(dns.Fqdn(b)))
	for i := 1; i <= len(la) && i <= len(lb); i++ {
		x, y := la[len(la)-i], lb[len(lb)-i]
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(la) < len(lb):
		return -1
	case len(la) > len(lb):
		return 1
	}
	return 0
}

// Normalize sorts the owner tree into canonical order, rebuilds the
// indices, recomputes node flags (authoritative vs glue) and the
// authoritative node count. Called after building or mutating a
// snapshot, before publication.
func (zc *ZoneContents) Normalize() {
	sort.SliceStable(zc.Owners, func(i, j int) bool {
		return CanonicalCompare(zc.Owners[i].Name, zc.Owners[j].Name) < 0
	})
	sort.SliceStable(zc.Nsec3Owners, func(i, j int) bool {
		return CanonicalCompare(zc.Nsec3Owners[i].Name, zc.Nsec3Owners[j].Name) < 0
	})
	zc.OwnerIndex = make(map[string]int, len(zc.Owners))
	for i, od := range zc.Owners {
		zc.OwnerIndex[od.Name] = i
	}
	zc.Nsec3Index = make(map[string]int, len(zc.Nsec3Owners))
	for i, od := range zc.Nsec3Owners {
		zc.Nsec3Index[od.Name] = i
	}

	delegations := zc.delegationNames()
	zc.AuthCount = 0
	for _, od := range zc.Owners {
		od.Flags &^= NodeAuth | NodeGlue
		if underDelegation(od.Name, delegations) {
			od.Flags |= NodeGlue
			continue
		}
		od.Flags |= NodeAuth
		zc.AuthCount++
	}
}

func (zc *ZoneContents) delegationNames() []string {
	var dels []string
	for _, od := range zc.Owners {
		if od.Name == zc.ApexName {
			continue
		}
		if rrset, exist := od.RRtypes[dns.TypeNS]; exist && len(rrset.RRs) > 0 {
			dels = append(dels, od.Name)
		}
	}
	sortutil.Strings(dels)
	return dels
}

// underDelegation reports whether name lies strictly below a zone cut.
func underDelegation(name string, delegations []string) bool {
	for _, del := range delegations {
		if name != del && dns.IsSubDomain(del, name) {
			return true
		}
	}
	return false
}

// ParentName returns the closest existing ancestor of qname within
// the snapshot, or the apex when no intermediate node exists.
func (zc *ZoneContents) ParentName(qname string) string {
	labels := dns.SplitDomainName(qname)
	for i := 1; i < len(labels); i++ {
		cand := dns.Fqdn(strings.Join(labels[i:], "."))
		if !dns.IsSubDomain(zc.ApexName, cand) {
			break
		}
		if _, exist := zc.OwnerIndex[cand]; exist {
			return cand
		}
	}
	return zc.ApexName
}

// ClosestEncloser returns the longest existing ancestor of qname in
// the zone, and whether the match was exact. Used by the dump codec
// for externally-rooted dnames.
func (zc *ZoneContents) ClosestEncloser(qname string) (string, bool) {
	if _, exist := zc.OwnerIndex[qname]; exist {
		return qname, true
	}
	if !dns.IsSubDomain(zc.ApexName, qname) {
		return "", false
	}
	labels := dns.SplitDomainName(qname)
	for i := 1; i < len(labels); i++ {
		cand := dns.Fqdn(strings.Join(labels[i:], "."))
		if !dns.IsSubDomain(zc.ApexName, cand) {
			break
		}
		if _, exist := zc.OwnerIndex[cand]; exist {
			return cand, false
		}
	}
	return zc.ApexName, false
}

// AddRR inserts one record, creating the owner node if needed.
// Duplicates (per dns.IsDuplicate) are dropped.
func (zc *ZoneContents) AddRR(rr dns.RR) {
	name := rr.Header().Name
	rrtype := rr.Header().Rrtype

	if rrtype == dns.TypeRRSIG {
		zc.attachRRSIG(rr.(*dns.RRSIG))
		return
	}

	od := zc.GetOwner(name)
	if od == nil && rrtype == dns.TypeNSEC3 {
		od = zc.GetNsec3Owner(name)
	}
	if od == nil {
		od = NewOwnerData(name)
		if rrtype == dns.TypeNSEC3 {
			od.Flags |= NodeNsec3
		}
		zc.AddOwner(od)
	}
	rrset := od.RRtypes[rrtype]
	rrset.Name = name
	rrset.RRtype = rrtype
	for _, old := range rrset.RRs {
		if dns.IsDuplicate(old, rr) {
			return
		}
	}
	rrset.RRs = append(rrset.RRs, rr)
	od.RRtypes[rrtype] = rrset
}

func (zc *ZoneContents) attachRRSIG(sig *dns.RRSIG) {
	name := sig.Header().Name
	od := zc.GetOwner(name)
	if od == nil {
		od = zc.GetNsec3Owner(name)
	}
	if od == nil {
		od = NewOwnerData(name)
		if sig.TypeCovered == dns.TypeNSEC3 {
			od.Flags |= NodeNsec3
		}
		zc.AddOwner(od)
	}
	rrset := od.RRtypes[sig.TypeCovered]
	rrset.Name = name
	rrset.RRtype = sig.TypeCovered
	rrset.RRSIGs = append(rrset.RRSIGs, sig)
	od.RRtypes[sig.TypeCovered] = rrset
}

// RemoveRR deletes the matching record, comparing with TTL zeroed the
// way DDNS deletions arrive. Empty RRsets and bare owner nodes are
// pruned.
func (zc *ZoneContents) RemoveRR(rr dns.RR) bool {
	od := zc.GetOwner(rr.Header().Name)
	if od == nil {
		return false
	}
	rrtype := rr.Header().Rrtype
	rrset, exist := od.RRtypes[rrtype]
	if !exist {
		return false
	}
	cand := dns.Copy(rr)
	cand.Header().Ttl = 0
	cand.Header().Class = dns.ClassINET
	for i, old := range rrset.RRs {
		oldc := dns.Copy(old)
		oldc.Header().Ttl = 0
		if dns.IsDuplicate(oldc, cand) {
			rrset.RRs = append(rrset.RRs[:i], rrset.RRs[i+1:]...)
			rrset.RRSIGs = nil
			if len(rrset.RRs) == 0 {
				delete(od.RRtypes, rrtype)
			} else {
				od.RRtypes[rrtype] = rrset
			}
			zc.maybePrune(od)
			return true
		}
	}
	return false
}

func (zc *ZoneContents) RemoveRRset(qname string, rrtype uint16) bool {
	od := zc.GetOwner(qname)
	if od == nil {
		return false
	}
	if _, exist := od.RRtypes[rrtype]; !exist {
		return false
	}
	delete(od.RRtypes, rrtype)
	zc.maybePrune(od)
	return true
}

func (zc *ZoneContents) maybePrune(od *OwnerData) {
	if len(od.RRtypes) > 0 || od.Name == zc.ApexName {
		return
	}
	idx, exist := zc.OwnerIndex[od.Name]
	if !exist {
		return
	}
	zc.Owners = append(zc.Owners[:idx], zc.Owners[idx+1:]...)
	delete(zc.OwnerIndex, od.Name)
	for i := idx; i < len(zc.Owners); i++ {
		zc.OwnerIndex[zc.Owners[i].Name] = i
	}
}

// AllRRs flattens the snapshot in canonical order, SOA first.
func (zc *ZoneContents) AllRRs() []dns.RR {
	var rrs []dns.RR
	soa, err := zc.GetSOA()
	if err == nil {
		rrs = append(rrs, soa)
	}
	emit := func(od *OwnerData) {
		rrts := make([]int, 0, len(od.RRtypes))
		for rrt := range od.RRtypes {
			rrts = append(rrts, int(rrt))
		}
		sort.Ints(rrts)
		for _, rrt := range rrts {
			rrset := od.RRtypes[uint16(rrt)]
			for _, rr := range rrset.RRs {
				if rr.Header().Rrtype == dns.TypeSOA && od.Name == zc.ApexName {
					continue
				}
				rrs = append(rrs, rr)
			}
			rrs = append(rrs, rrset.RRSIGs...)
		}
	}
	for _, od := range zc.Owners {
		emit(od)
	}
	for _, od := range zc.Nsec3Owners {
		emit(od)
	}
	return rrs
}

// ContentsFromRRs builds a fresh snapshot from a record stream (zone
// transfer or zone file).
func ContentsFromRRs(apex string, rrs []dns.RR) (*ZoneContents, error) {
	zc := NewZoneContents(apex)
	for _, rr := range rrs {
		zc.AddRR(rr)
	}
	if _, err := zc.GetSOA(); err != nil {
		return nil, err
	}
	zc.Normalize()
	return zc, nil
}
