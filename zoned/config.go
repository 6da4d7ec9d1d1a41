/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppDetails
	Service   ServiceConf
	DnsEngine DnsEngineConf
	Db        DbConf
	Keys      KeyConf
	Zones     map[string]ZoneConf
	Log       struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type AppDetails struct {
	Name             string
	Version          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
}

type DbConf struct {
	File string `validate:"required"`
}

// ZoneConf is the external per-zone configuration; it contains no
// zone data.
type ZoneConf struct {
	Name          string `validate:"required"`
	Type          string `validate:"required"` // primary | secondary
	Zonefile      string
	Master        MasterConf       `yaml:"master"`
	SerialPolicy  string           `yaml:"serial-policy"` // increment | unixtime
	DbsyncTimeout *int             `yaml:"dbsync-timeout"`
	DnssecEnable  bool             `yaml:"dnssec-enable"`
	BuildDiffs    bool             `yaml:"build-diffs"`
	NotifyOut     []NotifyPeerConf `yaml:"notify"`
	NotifyRetries int              `yaml:"notify-retries"`
	MaxConnIdle   int              `yaml:"max-conn-idle"`
	ACL           ZoneACLConf      `yaml:"acl"`
	DnssecKeys    []DnssecKeyConf  `yaml:"dnssec-keys"`
}

type MasterConf struct {
	Address string
	Port    string
	Family  string
	TsigKey string `yaml:"tsig-key"`
	Via     string
}

type NotifyPeerConf struct {
	Address string `validate:"required"`
	Port    string
	Family  string
	TsigKey string `yaml:"tsig-key"`
	Via     string
}

type ZoneACLConf struct {
	Xfr    []string
	Update []string
	Notify []string
}

// ZoneACL is the parsed form: each entry names a TSIG key or address
// prefix allowed for the operation.
type ZoneACL struct {
	Xfr    []string
	Update []string
	Notify []string
}

type DnssecKeyConf struct {
	Public  string `validate:"required"`
	Private string `validate:"required"`
}

type InternalConf struct {
	CfgFile      string
	JournalDB    *JournalDB
	StopCh       chan struct{}
	RefreshZoneQ chan ZoneRefresher
	XfrInQ       chan XfrRequest
	NotifyQ      chan NotifyRequest
	DnsUpdateQ   chan DnsUpdateRequest
	DnsNotifyQ   chan DnsNotifyRequest
	ResignQ      chan *ZoneData
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["db"] = config.Db
	configsections["dnsengine"] = config.DnsEngine

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateZones(c *Config, cfgfile string) error {
	var zones = make(map[string]interface{}, 5)

	// Cannot validate a map[string]foobar, must validate the individual foobars:
	for zname, val := range c.Zones {
		zones["zone:"+zname] = val
	}

	if err := ValidateBySection(c, zones, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		log.Printf("%s: Validating config for %s section\n", strings.ToUpper(config.App.Name), k)
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.App.Name), cfgfile, k, err)
		}
	}
	return nil
}
