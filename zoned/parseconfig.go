/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ParseConfig reads the main config through viper and fills in the
// internal channel plumbing.
func ParseConfig(conf *Config, reload bool) error {
	viper.SetConfigFile(conf.Internal.CfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("could not load config %s: %v: %w", conf.Internal.CfgFile, err, ErrNotFound)
	}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal of config %s failed: %v: %w", conf.Internal.CfgFile, err, ErrMalformed)
	}

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}
	Globals.AppName = conf.App.Name

	if err := ValidateConfig(nil, conf.Internal.CfgFile); err != nil {
		return err
	}

	ParseTsigKeys(&conf.Keys)

	if !reload {
		conf.Internal.RefreshZoneQ = make(chan ZoneRefresher, 10)
		conf.Internal.XfrInQ = make(chan XfrRequest, 10)
		conf.Internal.NotifyQ = make(chan NotifyRequest, 100)
		conf.Internal.DnsUpdateQ = make(chan DnsUpdateRequest, 100)
		conf.Internal.DnsNotifyQ = make(chan DnsNotifyRequest, 100)
		conf.Internal.ResignQ = make(chan *ZoneData, 10)
		conf.Internal.StopCh = make(chan struct{})
	}

	conf.App.ServerConfigTime = time.Now()
	return nil
}

// ParseZonesFile reads a separate YAML zone list, the same shape as
// the zones: section of the main config.
func ParseZonesFile(fname string) (map[string]ZoneConf, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("could not read zones file %s: %v: %w", fname, err, ErrNotFound)
	}
	var wrapper struct {
		Zones map[string]ZoneConf
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("could not parse zones file %s: %v: %w", fname, err, ErrMalformed)
	}
	return wrapper.Zones, nil
}

// ParseZones materializes ZoneData for each configured zone and hands
// them to the refresh engine. Zones no longer configured are
// discarded. Returns the list of configured zone names.
func ParseZones(conf *Config, reload bool) ([]string, error) {
	var zonelist []string

	for zname, zconf := range conf.Zones {
		name := dns.Fqdn(zname)
		if zconf.Name == "" {
			zconf.Name = name
		}
		zonelist = append(zonelist, name)

		if _, exist := Zones.Get(name); exist && reload {
			// Known zone; schedule a refresh to pick up changes.
			conf.Internal.RefreshZoneQ <- ZoneRefresher{Name: name}
			continue
		}

		zd, err := ZoneDataFromConf(name, &zconf, conf)
		if err != nil {
			log.Printf("ParseZones: zone %s: %v. Skipped.", name, err)
			continue
		}
		Zones.Set(name, zd)

		if zd.DnssecEnable {
			conf.Internal.ResignQ <- zd
		}
		conf.Internal.RefreshZoneQ <- ZoneRefresher{Name: name}
	}

	// Drop zones that disappeared from the config.
	for _, zname := range Zones.Keys() {
		found := false
		for _, cur := range zonelist {
			if cur == zname {
				found = true
				break
			}
		}
		if !found {
			log.Printf("ParseZones: Zone %s no longer in config. Discarding.", zname)
			if zd, exist := Zones.Get(zname); exist {
				zd.Discard()
			}
		}
	}

	return zonelist, nil
}

// ZoneDataFromConf translates a ZoneConf into a live ZoneData with
// its journal and, when signing is enabled, its signer.
func ZoneDataFromConf(name string, zconf *ZoneConf, conf *Config) (*ZoneData, error) {
	ztype, exist := map[string]ZoneType{"primary": Primary, "secondary": Secondary}[zconf.Type]
	if !exist {
		return nil, fmt.Errorf("unknown zone type %q: %w", zconf.Type, ErrInval)
	}

	policy := SerialIncrement
	if zconf.SerialPolicy != "" {
		policy, exist = StringToSerialPolicy[zconf.SerialPolicy]
		if !exist {
			return nil, fmt.Errorf("unknown serial policy %q: %w", zconf.SerialPolicy, ErrInval)
		}
	}

	dbsync := 300
	if zconf.DbsyncTimeout != nil {
		dbsync = *zconf.DbsyncTimeout
	}
	maxConnIdle := zconf.MaxConnIdle
	if maxConnIdle == 0 {
		maxConnIdle = 20
	}

	zd := &ZoneData{
		ZoneName:      name,
		ZoneType:      ztype,
		Zonefile:      zconf.Zonefile,
		SerialPolicy:  policy,
		DbsyncTimeout: dbsync,
		DnssecEnable:  zconf.DnssecEnable,
		BuildDiffs:    zconf.BuildDiffs,
		NotifyRetries: zconf.NotifyRetries,
		MaxConnIdle:   maxConnIdle,
		XfrState:      XfrIdle,
		Logger:        log.Default(),
		Verbose:       Globals.Verbose,
		Debug:         Globals.Debug,
		XfrInQ:        conf.Internal.XfrInQ,
		NotifyQ:       conf.Internal.NotifyQ,
		RefreshQ:      conf.Internal.RefreshZoneQ,
	}

	if zconf.Master.Address != "" {
		zd.Master = &MasterRelation{
			Address: zconf.Master.Address,
			Port:    zconf.Master.Port,
			Family:  zconf.Master.Family,
			TsigKey: zconf.Master.TsigKey,
			Via:     zconf.Master.Via,
		}
	}
	for _, peer := range zconf.NotifyOut {
		zd.NotifyOut = append(zd.NotifyOut, NotifyPeer{
			Address: peer.Address,
			Port:    peer.Port,
			Family:  peer.Family,
			TsigKey: peer.TsigKey,
			Via:     peer.Via,
		})
	}
	zd.ACL = ZoneACL{
		Xfr:    zconf.ACL.Xfr,
		Update: zconf.ACL.Update,
		Notify: zconf.ACL.Notify,
	}

	if conf.Internal.JournalDB != nil {
		zd.Journal = NewJournal(conf.Internal.JournalDB, name)
	}

	if zconf.DnssecEnable {
		keys := &DnssecKeys{}
		for _, kc := range zconf.DnssecKeys {
			pkc, err := ReadKeyFiles(kc.Public, kc.Private)
			if err != nil {
				return nil, err
			}
			// SEP flag set means KSK.
			if pkc.Flags&0x0001 != 0 {
				keys.KSKs = append(keys.KSKs, pkc)
			} else {
				keys.ZSKs = append(keys.ZSKs, pkc)
			}
		}
		zd.Signer = &OnlineSigner{
			ZoneName:    name,
			Keys:        keys,
			SigValidity: 3600 * 24 * 30,
		}
	}

	if zconf.Zonefile != "" {
		if _, err := zd.ReloadFromFile(); err != nil {
			if ztype == Primary {
				return nil, err
			}
			// A secondary bootstraps from its master instead.
			log.Printf("Zone %s: no local copy yet (%v), will bootstrap from master", name, err)
		}
	}

	zd.ScheduleFlush()
	return zd, nil
}
