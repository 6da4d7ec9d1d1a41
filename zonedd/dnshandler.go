/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"log"

	"github.com/miekg/dns"

	"github.com/johanix/zoned/zoned"
)

// DnsEngine is the thin transport front: it listens on the configured
// addresses and routes UPDATE and NOTIFY opcodes into their engines.
// Query serving proper is outside the lifecycle core; a query for an
// expired zone gets SERVFAIL here.
func DnsEngine(conf *zoned.Config) error {
	addresses := conf.DnsEngine.Addresses

	_, tsigSecrets := zoned.ParseTsigKeys(&conf.Keys)

	dns.HandleFunc(".", createHandler(conf))
	for _, addr := range addresses {
		for _, net := range []string{"udp", "tcp"} {
			go func(addr, net string) {
				log.Printf("DnsEngine: serving on %s (%s)\n", addr, net)
				server := &dns.Server{
					Addr:          addr,
					Net:           net,
					TsigSecret:    tsigSecrets,
					MsgAcceptFunc: zoneMsgAcceptFunc, // accept QUERY, UPDATE and NOTIFY
				}
				if err := server.ListenAndServe(); err != nil {
					log.Printf("Failed to setup the %q server on %s: %v\n", net, addr, err)
				} else {
					log.Printf("DnsEngine: listening on %s/%s\n", addr, net)
				}
			}(addr, net)
		}
	}
	return nil
}

func createHandler(conf *zoned.Config) func(w dns.ResponseWriter, r *dns.Msg) {
	dnsupdateq := conf.Internal.DnsUpdateQ
	dnsnotifyq := conf.Internal.DnsNotifyQ

	return func(w dns.ResponseWriter, r *dns.Msg) {
		if len(r.Question) == 0 {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeFormatError)
			w.WriteMsg(m)
			return
		}
		qname := r.Question[0].Name

		switch r.Opcode {
		case dns.OpcodeUpdate:
			log.Printf("DnsHandler: UPDATE for %q", qname)
			dnsupdateq <- zoned.DnsUpdateRequest{
				ResponseWriter: w,
				Msg:            r,
				Qname:          qname,
			}

		case dns.OpcodeNotify:
			log.Printf("DnsHandler: NOTIFY for %q", qname)
			dnsnotifyq <- zoned.DnsNotifyRequest{
				ResponseWriter: w,
				Msg:            r,
				Qname:          qname,
			}

		default:
			// Queries against an expired or unknown zone get SERVFAIL /
			// REFUSED; real query serving is a separate engine.
			m := new(dns.Msg)
			zd := zoned.LookupZone(qname)
			if zd == nil {
				m.SetRcode(r, dns.RcodeRefused)
			} else if zd.Contents() == nil {
				m.SetRcode(r, dns.RcodeServerFailure)
			} else {
				m.SetRcode(r, dns.RcodeNotImplemented)
			}
			w.WriteMsg(m)
		}
	}
}

func zoneMsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	opcode := int(dh.Bits>>11) & 0xF
	switch opcode {
	case dns.OpcodeQuery, dns.OpcodeNotify, dns.OpcodeUpdate:
		return dns.MsgAccept
	}
	return dns.MsgRejectNotImplemented
}
