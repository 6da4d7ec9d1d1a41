/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"crypto"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

// ZoneSigner is the DNSSEC collaborator of the changeset engine. The
// cryptographic routines live behind this interface; the lifecycle
// core only consumes the resign changeset and the moment the next
// resign is due. Returned changesets span the contents' own serial
// (SerialFrom == SerialTo), so they merge cleanly onto a semantic
// changeset that ends at that serial.
type ZoneSigner interface {
	// SignChangeset signs only the RRsets an update touched.
	SignChangeset(zc *ZoneContents, ch *Changeset) (*Changeset, int64, error)
	// ResignZone re-signs every authoritative RRset that needs it.
	ResignZone(zc *ZoneContents) (*Changeset, int64, error)
}

// ApexRRChanged reports whether the RRset of the given type at the
// apex differs between two snapshots. A DNSKEY or NSEC3PARAM change
// forces a full zone resign instead of an incremental one.
func ApexRRChanged(old, new *ZoneContents, rrtype uint16) bool {
	oldSet := old.GetRRset(old.ApexName, rrtype)
	newSet := new.GetRRset(new.ApexName, rrtype)
	if (oldSet == nil) != (newSet == nil) {
		return true
	}
	if oldSet == nil {
		return false
	}
	if len(oldSet.RRs) != len(newSet.RRs) {
		return true
	}
	for _, orr := range oldSet.RRs {
		found := false
		for _, nrr := range newSet.RRs {
			if dns.IsDuplicate(orr, nrr) {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

type PrivateKeyCache struct {
	CS        crypto.Signer
	DnskeyRR  dns.DNSKEY
	Algorithm uint8
	KeyId     uint16
	Flags     uint16
}

type DnssecKeys struct {
	KSKs []*PrivateKeyCache
	ZSKs []*PrivateKeyCache
}

// OnlineSigner is the in-process signer used when dnssec_enable is
// set and no external signing pipeline is configured.
type OnlineSigner struct {
	ZoneName    string
	Keys        *DnssecKeys
	SigValidity uint32 // seconds
}

func sigLifetime(t time.Time, lifetime uint32) (uint32, uint32) {
	sigJitter := time.Duration(rand.Intn(61)) * time.Second
	sigValidity := time.Duration(lifetime) * time.Second
	if lifetime == 0 {
		sigValidity = 5 * time.Minute
	}
	incep := uint32(t.Add(-sigJitter).Add(-60 * time.Second).Unix()) // allow 60s clock skew
	expir := uint32(t.Add(sigValidity).Add(sigJitter).Unix())
	return incep, expir
}

// ReadKeyFiles loads a DNSKEY + private key pair from the
// BIND-format files dnssec-keygen writes.
func ReadKeyFiles(pubfile, privfile string) (*PrivateKeyCache, error) {
	pubdata, err := os.ReadFile(pubfile)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %v: %w", pubfile, err, ErrNotFound)
	}
	rr, err := dns.NewRR(string(pubdata))
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %v: %w", pubfile, err, ErrMalformed)
	}
	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("%q does not contain a DNSKEY: %w", pubfile, ErrMalformed)
	}
	privdata, err := os.Open(privfile)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %v: %w", privfile, err, ErrNotFound)
	}
	defer privdata.Close()
	privkey, err := dnskey.ReadPrivateKey(privdata, privfile)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %v: %w", privfile, err, ErrMalformed)
	}
	signer, ok := privkey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%q: key type does not implement crypto.Signer: %w", privfile, ErrInval)
	}
	return &PrivateKeyCache{
		CS:        signer,
		DnskeyRR:  *dnskey,
		Algorithm: dnskey.Algorithm,
		KeyId:     dnskey.KeyTag(),
		Flags:     dnskey.Flags,
	}, nil
}

// signRRset produces fresh RRSIGs for one RRset. DNSKEY RRsets are
// signed with the KSKs, everything else with the ZSKs.
func (s *OnlineSigner) signRRset(rrset *RRset) ([]dns.RR, int64, error) {
	var keys []*PrivateKeyCache
	if rrset.RRtype == dns.TypeDNSKEY {
		keys = s.Keys.KSKs
	} else {
		keys = s.Keys.ZSKs
	}
	if len(keys) == 0 {
		return nil, 0, fmt.Errorf("zone %s: no active signing keys: %w", s.ZoneName, ErrInval)
	}

	var sigs []dns.RR
	var earliest int64
	for _, key := range keys {
		rrsig := new(dns.RRSIG)
		rrsig.Hdr = dns.RR_Header{
			Name:   rrset.RRs[0].Header().Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    rrset.RRs[0].Header().Ttl,
		}
		rrsig.KeyTag = key.DnskeyRR.KeyTag()
		rrsig.Algorithm = key.DnskeyRR.Algorithm
		rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), s.SigValidity)
		rrsig.SignerName = s.ZoneName

		if err := rrsig.Sign(key.CS, rrset.RRs); err != nil {
			log.Printf("Error from rrsig.Sign(%s): %v", rrset.Name, err)
			return nil, 0, err
		}
		sigs = append(sigs, rrsig)

		// Resign well before the signature lapses.
		refreshAt := int64(rrsig.Expiration) - int64(s.SigValidity/10)
		if earliest == 0 || refreshAt < earliest {
			earliest = refreshAt
		}
	}
	return sigs, earliest, nil
}

func (s *OnlineSigner) needsResign(rrset *RRset) bool {
	if len(rrset.RRSIGs) == 0 {
		return true
	}
	for _, sigrr := range rrset.RRSIGs {
		sig, ok := sigrr.(*dns.RRSIG)
		if !ok {
			return true
		}
		if time.Until(time.Unix(int64(sig.Expiration), 0)) < time.Duration(s.SigValidity/5)*time.Second {
			return true
		}
	}
	return false
}

func signableRRset(zc *ZoneContents, od *OwnerData, rrset *RRset) bool {
	if len(rrset.RRs) == 0 {
		return false
	}
	if od.Flags&NodeAuth == 0 {
		return false // glue
	}
	if rrset.RRtype == dns.TypeNS && od.Name != zc.ApexName {
		return false // delegation
	}
	return rrset.RRtype != dns.TypeRRSIG
}

func emptyResignChangeset(zc *ZoneContents) (*Changeset, error) {
	soa, err := zc.GetSOA()
	if err != nil {
		return nil, err
	}
	return NewChangeset(dns.Copy(soa), dns.Copy(soa)), nil
}

// ResignZone walks every authoritative RRset and refreshes the
// signatures that are missing or close to expiring.
func (s *OnlineSigner) ResignZone(zc *ZoneContents) (*Changeset, int64, error) {
	ch, err := emptyResignChangeset(zc)
	if err != nil {
		return nil, 0, err
	}
	var earliest int64
	for _, od := range zc.Owners {
		for rrt := range od.RRtypes {
			rrset := od.RRtypes[rrt]
			if !signableRRset(zc, od, &rrset) {
				continue
			}
			if !s.needsResign(&rrset) {
				continue
			}
			sigs, refreshAt, err := s.signRRset(&rrset)
			if err != nil {
				return nil, 0, err
			}
			ch.Removes = append(ch.Removes, rrset.RRSIGs...)
			ch.Adds = append(ch.Adds, sigs...)
			if earliest == 0 || (refreshAt != 0 && refreshAt < earliest) {
				earliest = refreshAt
			}
		}
	}
	return ch, earliest, nil
}

// SignChangeset refreshes only the RRsets an update touched.
func (s *OnlineSigner) SignChangeset(zc *ZoneContents, semantic *Changeset) (*Changeset, int64, error) {
	ch, err := emptyResignChangeset(zc)
	if err != nil {
		return nil, 0, err
	}

	touched := map[string]map[uint16]bool{}
	note := func(rrs []dns.RR) {
		for _, rr := range rrs {
			name := rr.Header().Name
			if touched[name] == nil {
				touched[name] = map[uint16]bool{}
			}
			touched[name][rr.Header().Rrtype] = true
		}
	}
	note(semantic.Removes)
	note(semantic.Adds)
	// The SOA always changed.
	if touched[zc.ApexName] == nil {
		touched[zc.ApexName] = map[uint16]bool{}
	}
	touched[zc.ApexName][dns.TypeSOA] = true

	var earliest int64
	for name, rrts := range touched {
		od := zc.GetOwner(name)
		if od == nil {
			continue // removed entirely
		}
		for rrt := range rrts {
			rrset, exist := od.RRtypes[rrt]
			if !exist {
				continue
			}
			if !signableRRset(zc, od, &rrset) {
				continue
			}
			sigs, refreshAt, err := s.signRRset(&rrset)
			if err != nil {
				return nil, 0, err
			}
			ch.Removes = append(ch.Removes, rrset.RRSIGs...)
			ch.Adds = append(ch.Adds, sigs...)
			if earliest == 0 || (refreshAt != 0 && refreshAt < earliest) {
				earliest = refreshAt
			}
		}
	}
	return ch, earliest, nil
}
