/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"context"
	"log"

	"github.com/miekg/dns"
)

type DnsNotifyRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Qname          string
}

// NotifyHandler consumes inbound NOTIFY messages. A NOTIFY for a
// known secondary zone triggers an immediate refresh event; a NOTIFY
// for a primary zone is answered NOERROR and ignored; a NOTIFY for an
// unknown zone is refused.
func NotifyHandler(ctx context.Context, dnsnotifyq chan DnsNotifyRequest) error {
	log.Printf("*** DnsNotifyResponderEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Println("DnsNotifyResponderEngine: terminating due to context cancelled")
			return nil
		case dnr, ok := <-dnsnotifyq:
			if !ok {
				log.Println("DnsNotifyResponderEngine: terminating due to dnsnotifyq closed")
				return nil
			}
			NotifyResponder(&dnr)
		}
	}
}

func NotifyResponder(dnr *DnsNotifyRequest) error {
	w := dnr.ResponseWriter
	r := dnr.Msg
	qname := dnr.Qname

	m := new(dns.Msg)
	m.SetReply(r)

	zd, exist := Zones.Get(qname)
	if !exist {
		log.Printf("NotifyResponder: NOTIFY for unknown zone %q. Refused.", qname)
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return nil
	}

	if zd.ZoneType != Secondary {
		log.Printf("NotifyResponder: NOTIFY for primary zone %q ignored.", qname)
		m.SetRcode(r, dns.RcodeSuccess)
		w.WriteMsg(m)
		return nil
	}

	log.Printf("NotifyResponder: zone %q: NOTIFY received, scheduling refresh", qname)
	m.SetRcode(r, dns.RcodeSuccess)
	w.WriteMsg(m)

	if zd.RefreshQ != nil {
		zd.RefreshQ <- ZoneRefresher{Name: zd.ZoneName}
	} else {
		go zd.RefreshEvent()
	}
	return nil
}
