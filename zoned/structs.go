/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

type SerialPolicy uint8

const (
	SerialIncrement SerialPolicy = iota + 1
	SerialUnixtime
)

var SerialPolicyToString = map[SerialPolicy]string{
	SerialIncrement: "increment",
	SerialUnixtime:  "unixtime",
}

var StringToSerialPolicy = map[string]SerialPolicy{
	"increment": SerialIncrement,
	"unixtime":  SerialUnixtime,
}

// XfrInState tracks where a zone is in its transfer-in cycle. All
// transitions happen under the zone mutex.
type XfrInState uint8

const (
	XfrIdle XfrInState = iota + 1
	XfrSched
	XfrPending
	XfrExpired
)

var XfrInStateToString = map[XfrInState]string{
	XfrIdle:    "IDLE",
	XfrSched:   "SCHED",
	XfrPending: "PENDING",
	XfrExpired: "EXPIRED",
}

type RRset struct {
	Name   string
	RRtype uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}

// Owner node flags in a contents snapshot.
const (
	NodeAuth uint8 = 1 << iota
	NodeGlue
	NodeNsec3
)

// OwnerData is one owner node in a contents snapshot. A snapshot is
// built single-threaded and immutable once published, so a plain map
// is all the RRtype store needs.
type OwnerData struct {
	Name      string
	RRtypes   map[uint16]RRset
	Flags     uint8
	Nsec3Peer string // owner name of the NSEC3 node covering this one, if any
}

func NewOwnerData(name string) *OwnerData {
	return &OwnerData{
		Name:    name,
		RRtypes: map[uint16]RRset{},
	}
}

func (od *OwnerData) GetRRset(rrtype uint16) (RRset, bool) {
	rrset, exist := od.RRtypes[rrtype]
	return rrset, exist
}

func (od *OwnerData) GetOnlyRRSet(rrtype uint16) RRset {
	return od.RRtypes[rrtype]
}

func (od *OwnerData) SetRRset(rrtype uint16, rrset RRset) {
	od.RRtypes[rrtype] = rrset
}

func (od *OwnerData) DeleteRRset(rrtype uint16) {
	delete(od.RRtypes, rrtype)
}

// MasterRelation describes where a secondary zone transfers from.
type MasterRelation struct {
	Address string
	Port    string
	Family  string
	TsigKey string // name of a configured TSIG key, optional
	Via     string // local source address, optional
}

type NotifyPeer struct {
	Address string
	Port    string
	Family  string
	TsigKey string
	Via     string
}

// ZoneData is the per-zone entity: configuration, the published
// contents pointer, the journal reference, timer handles and the
// transfer-in state machine. The mutex guards state transitions,
// timer handles and the zonefile serial/mtime pair; the contents
// pointer itself is read lock-free.
type ZoneData struct {
	mu       sync.Mutex
	ZoneName string
	ZoneType ZoneType

	contents atomic.Pointer[ZoneContents]

	Journal *Journal
	Master  *MasterRelation

	Zonefile      string
	SerialPolicy  SerialPolicy
	DbsyncTimeout int // seconds; 0 = flush immediately on every change
	DnssecEnable  bool
	BuildDiffs    bool
	NotifyOut     []NotifyPeer
	NotifyRetries int
	MaxConnIdle   int // seconds
	ACL           ZoneACL

	XfrState      XfrInState
	ExpectedMsgID uint16

	ZonefileSerial uint32
	ZonefileValid  bool // ZonefileSerial has been written at least once
	ZonefileMtime  time.Time

	refreshTimer *TimerHandle
	expireTimer  *TimerHandle
	flushTimer   *TimerHandle
	dnssecTimer  *TimerHandle
	dnssecAt     int64 // absolute seconds since epoch of the scheduled resign

	Discarded bool
	refcount  atomic.Int32

	Error     bool
	ErrorKind ErrorKind
	ErrorMsg  string

	Signer ZoneSigner

	Logger  *log.Logger
	Verbose bool
	Debug   bool

	XfrInQ   chan<- XfrRequest
	NotifyQ  chan<- NotifyRequest
	RefreshQ chan<- ZoneRefresher
}

// Retain/Release track outstanding requests against the zone. The
// final release of a discarded zone tears it down.
func (zd *ZoneData) Retain() {
	zd.refcount.Add(1)
}

func (zd *ZoneData) Release() {
	if zd.refcount.Add(-1) == 0 && zd.Discarded {
		Zones.Remove(zd.ZoneName)
	}
}

type ZoneRefresher struct {
	Name     string
	Force    bool
	Response chan RefresherResponse
}

type RefresherResponse struct {
	Time     time.Time
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

type XfrRequest struct {
	ZoneName string
	ZoneData *ZoneData
	XfrType  string // soa | axfr | ixfr
	Serial   uint32 // for ixfr
	Response chan XfrResponse
}

type XfrResponse struct {
	Zone     string
	Serial   uint32
	Updated  bool
	Error    bool
	ErrorMsg string
}

type NotifyRequest struct {
	ZoneName string
	ZoneData *ZoneData
	Targets  []NotifyPeer
	Retries  int
	Response chan NotifyResponse
}

type NotifyResponse struct {
	Msg      string
	Rcode    int
	Error    bool
	ErrorMsg string
}
