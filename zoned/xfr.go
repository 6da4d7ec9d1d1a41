/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/miekg/dns"
)

// Transfer-in: the XfrEngine consumes probe and transfer requests
// enqueued by the lifecycle controller and drives the DNS exchanges.
// Every request retains the zone; the engine releases on completion.

func XfrEngine(ctx context.Context, xfrq chan XfrRequest) error {
	log.Printf("*** XfrEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Println("XfrEngine: terminating due to context cancelled")
			return nil
		case xr, ok := <-xfrq:
			if !ok {
				log.Println("XfrEngine: terminating due to xfrq closed")
				return nil
			}
			zd := xr.ZoneData
			switch xr.XfrType {
			case "soa":
				zd.soaProbe()
			case "axfr", "ixfr":
				zd.transferIn(xr.XfrType, xr.Serial)
			default:
				log.Printf("XfrEngine: unknown request type %q for zone %s", xr.XfrType, xr.ZoneName)
			}
			zd.Release()
		}
	}
}

func (zd *ZoneData) masterAddr() string {
	if zd.Master == nil {
		return ""
	}
	addr := zd.Master.Address
	port := zd.Master.Port
	if port == "" {
		port = "53"
	}
	return net.JoinHostPort(addr, port)
}

// soaProbe queries the master for the current SOA and feeds the
// answer into the SOA-response gateway.
func (zd *ZoneData) soaProbe() {
	upstream := zd.masterAddr()
	if upstream == "" {
		return
	}
	m := new(dns.Msg)
	m.SetQuestion(zd.ZoneName, dns.TypeSOA)

	zd.mu.Lock()
	zd.ExpectedMsgID = m.Id
	tsigkey := ""
	if zd.Master != nil {
		tsigkey = zd.Master.TsigKey
	}
	zd.mu.Unlock()

	client := new(dns.Client)
	if tsigkey != "" {
		if details, exist := Globals.TsigKeys[tsigkey]; exist {
			client.TsigSecret = map[string]string{dns.Fqdn(details.Name): details.Secret}
			m.SetTsig(dns.Fqdn(details.Name), details.Algorithm, 300, 0)
		}
	}

	r, _, err := client.Exchange(m, upstream)
	if err != nil {
		log.Printf("Zone %s: error from SOA probe to %s: %v", zd.ZoneName, upstream, err)
		zd.TransferFailed(fmt.Errorf("SOA probe: %v: %w", err, ErrConn))
		return
	}
	if _, err := zd.ProcessSoaResponse(r); err != nil {
		log.Printf("Zone %s: bad SOA response: %v", zd.ZoneName, err)
	}
}

// transferIn runs an AXFR or IXFR from the master. An IXFR stream is
// applied as a changeset chain on top of the current contents and
// journaled; an AXFR (or an IXFR the master answered with a full
// zone) replaces the contents wholesale.
func (zd *ZoneData) transferIn(ttype string, serial uint32) {
	upstream := zd.masterAddr()
	if upstream == "" {
		zd.TransferFailed(fmt.Errorf("zone %s: no master: %w", zd.ZoneName, ErrInval))
		return
	}

	msg := new(dns.Msg)
	if ttype == "ixfr" {
		msg.SetIxfr(zd.ZoneName, serial, "", "")
	} else {
		msg.SetAxfr(zd.ZoneName)
	}

	transfer := new(dns.Transfer)
	if zd.Master.TsigKey != "" {
		if details, exist := Globals.TsigKeys[zd.Master.TsigKey]; exist {
			transfer.TsigSecret = map[string]string{dns.Fqdn(details.Name): details.Secret}
			msg.SetTsig(dns.Fqdn(details.Name), details.Algorithm, 300, 0)
		}
	}

	answerChan, err := transfer.In(msg, upstream)
	if err != nil {
		zd.TransferFailed(fmt.Errorf("transfer.In(%s): %v: %w", upstream, err, ErrConn))
		return
	}

	var rrs []dns.RR
	for envelope := range answerChan {
		if envelope.Error != nil {
			zd.TransferFailed(fmt.Errorf("zone %s transfer: %v: %w", zd.ZoneName, envelope.Error, ErrConn))
			return
		}
		rrs = append(rrs, envelope.RR...)
	}
	if len(rrs) == 0 {
		zd.TransferFailed(fmt.Errorf("zone %s: empty transfer: %w", zd.ZoneName, ErrMalformed))
		return
	}

	if ttype == "ixfr" && IsIxfr(rrs) {
		zd.applyIxfr(rrs)
		return
	}

	nzc, err := ContentsFromRRs(zd.ZoneName, rrs)
	if err != nil {
		zd.TransferFailed(err)
		return
	}

	// Journal the delta for the incremental history when possible.
	if zd.Journal != nil && zd.BuildDiffs {
		if old := zd.Contents(); old != nil {
			ch, err := CreateFromDiff(old, nzc)
			switch {
			case err == nil:
				zd.journalChangeset(ch)
			default:
				if zd.Verbose {
					log.Printf("Zone %s: no diff journaled after AXFR: %v", zd.ZoneName, err)
				}
			}
		}
	}

	zd.TransferSucceeded(nzc)
}

// applyIxfr applies an incremental stream: parse into a changeset
// chain, journal each step, apply on top of the current snapshot.
func (zd *ZoneData) applyIxfr(rrs []dns.RR) {
	chs, err := ChangesetsFromRRs(rrs)
	if err != nil {
		zd.TransferFailed(err)
		return
	}
	contents := zd.Contents()
	if contents == nil {
		zd.TransferFailed(fmt.Errorf("zone %s: IXFR without contents: %w", zd.ZoneName, ErrInval))
		return
	}

	cur := contents
	for _, ch := range chs.Sets {
		next, err := ch.Apply(cur)
		if err != nil {
			zd.TransferFailed(err)
			return
		}
		if err := zd.journalChangeset(ch); err != nil {
			zd.TransferFailed(err)
			return
		}
		cur = next
	}
	zd.TransferSucceeded(cur)
}

// journalChangeset stores one changeset, honoring the flush-and-retry
// -once recovery on a full journal.
func (zd *ZoneData) journalChangeset(ch *Changeset) error {
	if zd.Journal == nil {
		return nil
	}
	payload, err := ch.Serialize()
	if err != nil {
		return err
	}
	err = zd.Journal.Store(ch.SerialFrom, ch.SerialTo, payload)
	if err == nil {
		return nil
	}
	if !IsBusy(err) {
		return err
	}
	log.Printf("Journal for %q is full, flushing.", zd.ZoneName)
	if err := zd.ZonefileSync(); err != nil && !errors.Is(err, ErrRange) {
		return err
	}
	if err := zd.Journal.TrimClean(); err != nil {
		return err
	}
	return zd.Journal.Store(ch.SerialFrom, ch.SerialTo, payload)
}

// IsIxfr reports whether a transfer stream is incremental: two
// leading SOA records.
func IsIxfr(rrs []dns.RR) bool {
	if len(rrs) < 3 {
		return false
	}
	_, first := rrs[0].(*dns.SOA)
	_, second := rrs[1].(*dns.SOA)
	return first && second
}
