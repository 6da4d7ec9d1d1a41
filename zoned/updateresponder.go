/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/miekg/dns"
)

type DnsUpdateRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Qname          string
}

// UpdateHandler is the engine that consumes inbound DNS UPDATE
// requests from the transport layer, runs the gateway and writes the
// response.
func UpdateHandler(ctx context.Context, dnsupdateq chan DnsUpdateRequest) error {
	log.Printf("*** DnsUpdateResponderEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Println("DnsUpdateResponderEngine: terminating due to context cancelled")
			return nil
		case dur, ok := <-dnsupdateq:
			if !ok {
				log.Println("DnsUpdateResponderEngine: terminating due to dnsupdateq closed")
				return nil
			}
			UpdateResponder(&dur)
		}
	}
}

// UpdateResponder locates the zone, verifies TSIG via the transport's
// verdict, runs the update pipeline and writes the response.
func UpdateResponder(dur *DnsUpdateRequest) error {
	w := dur.ResponseWriter
	r := dur.Msg
	qname := dur.Qname

	m := new(dns.Msg)
	m.SetReply(r)

	log.Printf("UpdateResponder: Received UPDATE for zone %q with %d RRs in the update section",
		qname, len(r.Ns))

	zd := LookupZone(qname)
	if zd == nil {
		log.Printf("UpdateResponder: zone %s not found", qname)
		m.SetRcode(r, dns.RcodeNotAuth)
		w.WriteMsg(m)
		return nil
	}

	zd.Retain()
	defer zd.Release()

	// TSIG is verified by the dns.Server transport before we see the
	// message; an unverified signature surfaces here as a status error.
	if r.IsTsig() != nil {
		if err := w.TsigStatus(); err != nil {
			rcode, terr := TsigRcode(err)
			log.Printf("UpdateResponder: zone %s: TSIG verification failed: %v", zd.ZoneName, terr)
			m.SetRcode(r, rcode)
			w.WriteMsg(m)
			return terr
		}
	} else if len(zd.ACL.Update) > 0 {
		log.Printf("UpdateResponder: zone %s requires TSIG on updates. Refused.", zd.ZoneName)
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return nil
	}

	var rcode int
	err := zd.ProcessUpdate(r, &rcode)
	if err != nil {
		log.Printf("UpdateResponder: zone %s: update failed (rcode %s): %v",
			zd.ZoneName, dns.RcodeToString[rcode], err)
	}
	m.SetRcode(r, rcode)
	w.WriteMsg(m)
	return err
}

// ProcessUpdate is the DDNS pipeline. rcode is an out-parameter the
// caller writes into the response; it stays SERVFAIL until success is
// proven. The steps, in order: choose the new serial per policy,
// apply the update to a cloned tree, extend with the DNSSEC resign
// changeset (full resign when the apex DNSKEY or NSEC3PARAM changed),
// apply the signatures to the new tree, merge, journal inside a
// transaction (flush-and-retry-once on a full journal), replan the
// resign timer, commit, swap the contents. Any failure after the journal transaction opened
// rolls journal and contents back together.
func (zd *ZoneData) ProcessUpdate(r *dns.Msg, rcode *int) error {
	*rcode = dns.RcodeServerFailure

	epoch := ReadLock()
	defer func() { ReadUnlock(epoch) }()

	old := zd.Contents()
	if old == nil {
		return fmt.Errorf("zone %s: no contents: %w", zd.ZoneName, ErrAgain)
	}
	oldSoa, err := old.GetSOA()
	if err != nil {
		return err
	}

	// Step 2: choose the new serial; NextSerial warns on regression.
	newSerial := zd.NextSerial(oldSoa.Serial)

	// Step 3: apply to a cloned tree.
	newContents, semantic, changed, urcode, err := zd.ApplyUpdateToContents(r, old, newSerial)
	if err != nil {
		*rcode = urcode
		return err
	}
	if !changed {
		// Positive no-op.
		*rcode = dns.RcodeSuccess
		return nil
	}

	// Steps 4-5: DNSSEC changeset, merged onto the semantic one.
	var refreshAt int64
	if zd.DnssecEnable && zd.Signer != nil {
		var secCh *Changeset
		if ApexRRChanged(old, newContents, dns.TypeDNSKEY) ||
			ApexRRChanged(old, newContents, dns.TypeNSEC3PARAM) {
			log.Printf("Zone %s: apex DNSKEY/NSEC3PARAM changed, full zone resign", zd.ZoneName)
			secCh, refreshAt, err = zd.Signer.ResignZone(newContents)
		} else {
			secCh, refreshAt, err = zd.Signer.SignChangeset(newContents, semantic)
		}
		if err != nil {
			return err
		}
		if secCh != nil && !secCh.IsEmpty() {
			applied, err := secCh.Apply(newContents) // step 7
			if err != nil {
				return err
			}
			newContents = applied
			if err := semantic.Merge(secCh); err != nil {
				return err
			}
		}
	}

	// Step 6: journal inside a transaction, with the BUSY recovery.
	if zd.Journal != nil {
		if err := zd.Journal.TransBegin(); err != nil {
			return err
		}
		payload, err := semantic.Serialize()
		if err != nil {
			zd.Journal.TransRollback()
			return err
		}
		err = zd.Journal.Store(semantic.SerialFrom, semantic.SerialTo, payload)
		if IsBusy(err) {
			// Transaction rolled back, journal released, we may flush.
			zd.Journal.TransRollback()
			log.Printf("Journal for %q is full, flushing.", zd.ZoneName)
			if ferr := zd.ZonefileSync(); ferr != nil && !errors.Is(ferr, ErrRange) {
				return ferr
			}
			if ferr := zd.Journal.TrimClean(); ferr != nil {
				return ferr
			}
			if ferr := zd.Journal.TransBegin(); ferr != nil {
				return ferr
			}
			err = zd.Journal.Store(semantic.SerialFrom, semantic.SerialTo, payload)
		}
		if err != nil {
			zd.Journal.TransRollback()
			return err
		}

		// Step 8: the resign moved; never later, only earlier.
		zd.ReplanSignAfterUpdate(refreshAt)

		// Step 9: commit. From here the journal and the snapshot must
		// move together; a failed commit leaves the old snapshot.
		if err := zd.Journal.TransCommit(); err != nil {
			return err
		}
	} else {
		zd.ReplanSignAfterUpdate(refreshAt)
	}

	// Step 10: swap, releasing the read-side section across it.
	ReadUnlock(epoch)
	zd.ReplaceContents(newContents, ContentsUpdate)
	epoch = ReadLock()

	// Step 12: dbsync_timeout == 0 means flush on every change.
	if zd.DbsyncTimeout == 0 {
		if err := zd.ZonefileSync(); err != nil && !errors.Is(err, ErrRange) {
			log.Printf("Zone %s: immediate zonefile sync failed: %v", zd.ZoneName, err)
		}
	}

	zd.NotifySlaves()

	*rcode = dns.RcodeSuccess
	return nil
}
