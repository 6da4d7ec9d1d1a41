/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

type TsigDetails struct {
	Name      string
	Algorithm string
	Secret    string
}

type KeyConf struct {
	Tsig []TsigDetails
}

// ParseTsigKeys loads the configured TSIG keys into the global key
// table and returns the name->secret map in the format the dns.Server
// and dns.Client expect.
func ParseTsigKeys(keyconf *KeyConf) (int, map[string]string) {
	numtsigs := len(keyconf.Tsig)
	var tsigSecrets map[string]string
	if numtsigs > 0 {
		Globals.TsigKeys = make(map[string]*TsigDetails, numtsigs)
		tsigSecrets = make(map[string]string, numtsigs)
		for _, val := range keyconf.Tsig {
			Globals.TsigKeys[val.Name] = &TsigDetails{
				Name:      val.Name,
				Algorithm: val.Algorithm,
				Secret:    val.Secret,
			}
			tsigSecrets[dns.Fqdn(val.Name)] = val.Secret
		}
		return numtsigs, tsigSecrets
	}
	return numtsigs, nil
}

// TsigRcode maps a TSIG verification error from the dns package onto
// the response rcode and our sentinel error.
func TsigRcode(err error) (int, error) {
	switch {
	case err == nil:
		return dns.RcodeSuccess, nil
	case errors.Is(err, dns.ErrSecret), errors.Is(err, dns.ErrKeyAlg), errors.Is(err, dns.ErrKey):
		return dns.RcodeBadKey, fmt.Errorf("tsig: %v: %w", err, ErrTsigBadKey)
	case errors.Is(err, dns.ErrTime):
		return dns.RcodeBadTime, fmt.Errorf("tsig: %v: %w", err, ErrTsigBadTime)
	case errors.Is(err, dns.ErrSig):
		return dns.RcodeBadSig, fmt.Errorf("tsig: %v: %w", err, ErrTsigBadSig)
	}
	return dns.RcodeBadSig, fmt.Errorf("tsig: %v: %w", err, ErrTsigBadSig)
}
