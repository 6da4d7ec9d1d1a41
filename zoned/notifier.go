/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/miekg/dns"
)

// Notifier drains the NOTIFY fan-out queue. One request carries one
// peer (the controller enqueues per peer so a slow or dead slave
// never blocks the others); the retry count comes from the zone's
// notify_retries.
func Notifier(ctx context.Context, notifyreqQ chan NotifyRequest) error {

	log.Printf("*** NotifierEngine: starting")
	for {
		select {
		case <-ctx.Done():
			log.Println("NotifierEngine: terminating due to context cancelled")
			return nil
		case nr, ok := <-notifyreqQ:
			if !ok {
				log.Println("NotifierEngine: terminating due to notifyreqQ closed")
				return nil
			}

			zd := nr.ZoneData

			if zd.Verbose {
				log.Printf("NotifierEngine: Zone %q: will notify %d peer(s)", zd.ZoneName, len(nr.Targets))
			}

			rcode, err := zd.SendNotify(nr.Targets, nr.Retries)
			if err != nil {
				log.Printf("NotifierEngine: Zone %q: %v", zd.ZoneName, err)
			}

			if nr.Response != nil {
				select {
				case nr.Response <- NotifyResponse{Msg: "OK", Rcode: rcode, Error: err != nil}:
				case <-ctx.Done():
					zd.Release()
					return nil
				}
			}
			zd.Release()
		}
	}
}

// SendNotify sends NOTIFY(SOA) to each target, making up to retries+1
// attempts per target. Per-peer failures are logged and do not stop the
// remaining peers.
func (zd *ZoneData) SendNotify(targets []NotifyPeer, retries int) (int, error) {
	if zd.ZoneName == "." {
		return dns.RcodeServerFailure, fmt.Errorf("zone %q: zone name not specified, ignoring notify request", zd.ZoneName)
	}
	if len(targets) == 0 {
		return dns.RcodeServerFailure, fmt.Errorf("zone %q: no notify targets", zd.ZoneName)
	}

	lastRcode := dns.RcodeServerFailure
	anyOk := false

	for _, peer := range targets {
		port := peer.Port
		if port == "" {
			port = "53"
		}
		dst := net.JoinHostPort(peer.Address, port)

		m := new(dns.Msg)
		m.SetNotify(zd.ZoneName)

		client := new(dns.Client)
		if peer.TsigKey != "" {
			if details, exist := Globals.TsigKeys[peer.TsigKey]; exist {
				client.TsigSecret = map[string]string{dns.Fqdn(details.Name): details.Secret}
				m.SetTsig(dns.Fqdn(details.Name), details.Algorithm, 300, 0)
			}
		}

		sent := false
		for attempt := 0; attempt <= retries; attempt++ {
			if Globals.Verbose {
				log.Printf("Sending NOTIFY to %q (attempt %d)", dst, attempt+1)
			}
			res, _, err := client.Exchange(m, dst)
			if err != nil {
				log.Printf("Error from NOTIFY to %q: %v. Retrying.", dst, err)
				continue
			}
			lastRcode = res.Rcode
			if res.Rcode != dns.RcodeSuccess {
				log.Printf("NOTIFY to %q: rcode %q", dst, dns.RcodeToString[res.Rcode])
			}
			sent = true
			anyOk = true
			break
		}
		if !sent {
			log.Printf("Zone %q: no response from NOTIFY target %q after %d attempts",
				zd.ZoneName, dst, retries+1)
		}
	}

	if !anyOk {
		return dns.RcodeServerFailure, fmt.Errorf("no response from any NOTIFY target for zone %q: %w",
			zd.ZoneName, ErrConn)
	}
	return lastRcode, nil
}
