/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"fmt"
	"log"
	"sync"
)

// Journal entry flags. Only VALID && !TRANS entries are visible to
// Fetch and Walk; TRANS marks entries belonging to an open journal
// transaction, DIRTY marks entries not yet synced to the text
// zonefile.
type JournalFlags uint8

const (
	JournalValid JournalFlags = 1 << iota
	JournalDirty
	JournalTrans
)

// JournalKey packs a changeset's serial pair into the 64-bit entry
// key: upper 32 bits serial_to, lower 32 bits serial_from.
func JournalKey(serialFrom, serialTo uint32) uint64 {
	return uint64(serialTo)<<32 | uint64(serialFrom)
}

func KeySerialFrom(key uint64) uint32 { return uint32(key) }
func KeySerialTo(key uint64) uint32   { return uint32(key >> 32) }

// CmpFrom and CmpTo are the two total orderings over entry keys used
// when scanning: by origin serial and by target serial.
func CmpFrom(key uint64, serial uint32) int {
	return SerialCompare(KeySerialFrom(key), serial)
}

func CmpTo(key uint64, serial uint32) int {
	return SerialCompare(KeySerialTo(key), serial)
}

type JournalEntry struct {
	Key     uint64
	Flags   JournalFlags
	Payload []byte
}

// Journal is one zone's bounded changeset log, rows in the shared
// sqlite file keyed by (zone, key). Capacity is bounded by entry
// count and payload bytes; a full journal fails Store with ErrBusy
// and the caller is expected to flush the zone to its text zonefile
// and retry exactly once.
type Journal struct {
	db   *JournalDB
	zone string

	mu      sync.Mutex
	refs    int
	inTrans bool
	tx      *Tx

	MaxEntries int
	MaxBytes   int64
}

const (
	DefaultJournalMaxEntries = 512
	DefaultJournalMaxBytes   = 1 << 20
)

func NewJournal(db *JournalDB, zone string) *Journal {
	return &Journal{
		db:         db,
		zone:       zone,
		MaxEntries: DefaultJournalMaxEntries,
		MaxBytes:   DefaultJournalMaxBytes,
	}
}

func (j *Journal) Retain() {
	j.mu.Lock()
	j.refs++
	j.mu.Unlock()
}

func (j *Journal) Release() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.refs > 0 {
		j.refs--
	}
}

// TransBegin opens the journal transaction. Only one may be open at a
// time; a second attempt fails with ErrAgain.
func (j *Journal) TransBegin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.inTrans {
		return fmt.Errorf("journal %s: transaction already open: %w", j.zone, ErrAgain)
	}
	tx, err := j.db.Begin("journal:" + j.zone)
	if err != nil {
		return err
	}
	j.tx = tx
	j.inTrans = true
	j.refs++
	return nil
}

// TransCommit clears the TRANS bit on everything stored inside the
// transaction and commits, making the entries visible to Fetch.
func (j *Journal) TransCommit() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.inTrans {
		return fmt.Errorf("journal %s: no open transaction: %w", j.zone, ErrInval)
	}
	_, err := j.tx.Exec(`UPDATE Journal SET flags = flags & ~? WHERE zone = ? AND (flags & ?) != 0`,
		int(JournalTrans), j.zone, int(JournalTrans))
	if err != nil {
		j.tx.Rollback()
		j.inTrans = false
		j.tx = nil
		j.refs--
		return err
	}
	err = j.tx.Commit()
	j.inTrans = false
	j.tx = nil
	j.refs--
	return err
}

func (j *Journal) TransRollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.inTrans {
		return fmt.Errorf("journal %s: no open transaction: %w", j.zone, ErrInval)
	}
	err := j.tx.Rollback()
	j.inTrans = false
	j.tx = nil
	j.refs--
	return err
}

func (j *Journal) usage() (int, int64, error) {
	var count int
	var bytes int64
	row := j.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM Journal WHERE zone = ? AND (flags & ?) != 0`,
		j.zone, int(JournalValid))
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

// Store appends one entry. Inside an open transaction the entry
// carries the TRANS bit until commit. A full journal fails with
// ErrBusy without touching the store.
func (j *Journal) Store(serialFrom, serialTo uint32, payload []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	count, bytes, err := j.usage()
	if err != nil {
		return err
	}
	if count >= j.MaxEntries || bytes+int64(len(payload)) > j.MaxBytes {
		log.Printf("Journal for %q is full (%d entries, %d bytes)", j.zone, count, bytes)
		return fmt.Errorf("journal %s: %w", j.zone, ErrBusy)
	}

	flags := JournalValid | JournalDirty
	if j.inTrans {
		flags |= JournalTrans
	}
	const insert = `INSERT OR REPLACE INTO Journal (zone, key, flags, payload) VALUES (?, ?, ?, ?)`
	key := int64(JournalKey(serialFrom, serialTo))
	if j.inTrans {
		_, err = j.tx.Exec(insert, j.zone, key, int(flags), payload)
	} else {
		_, err = j.db.Exec(insert, j.zone, key, int(flags), payload)
	}
	return err
}

// Discard removes one entry, committed or not. This is the unmap-with
// valid=false path of the slot abstraction.
func (j *Journal) Discard(serialFrom, serialTo uint32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := int64(JournalKey(serialFrom, serialTo))
	const del = `DELETE FROM Journal WHERE zone = ? AND key = ?`
	var err error
	if j.inTrans {
		_, err = j.tx.Exec(del, j.zone, key)
	} else {
		_, err = j.db.Exec(del, j.zone, key)
	}
	return err
}

func (j *Journal) visibleEntries() ([]JournalEntry, error) {
	rows, err := j.db.Query(`SELECT key, flags, payload FROM Journal WHERE zone = ? AND (flags & ?) != 0 AND (flags & ?) = 0`,
		j.zone, int(JournalValid), int(JournalTrans))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var key int64
		var flags int
		var payload []byte
		if err := rows.Scan(&key, &flags, &payload); err != nil {
			return nil, err
		}
		entries = append(entries, JournalEntry{Key: uint64(key), Flags: JournalFlags(flags), Payload: payload})
	}
	return entries, rows.Err()
}

// Fetch returns the committed changeset chain starting at serialFrom,
// following key order: each entry's serial_to is the next entry's
// serial_from. A gap terminates the chain; no entry at the start is
// ErrNotFound.
func (j *Journal) Fetch(serialFrom uint32) ([]JournalEntry, error) {
	j.Retain()
	defer j.Release()

	entries, err := j.visibleEntries()
	if err != nil {
		return nil, err
	}
	byFrom := make(map[uint32]JournalEntry, len(entries))
	for _, e := range entries {
		byFrom[KeySerialFrom(e.Key)] = e
	}

	var chain []JournalEntry
	cur := serialFrom
	for {
		e, exist := byFrom[cur]
		if !exist {
			break
		}
		chain = append(chain, e)
		cur = KeySerialTo(e.Key)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("journal %s: no entry with serial_from %d: %w", j.zone, serialFrom, ErrNotFound)
	}
	return chain, nil
}

// Walk applies fn to every committed entry and writes back any flag
// changes fn makes. The order in which entries are visited is not
// defined. The zonefile flush uses this
// to clear DIRTY bits after a successful dump.
func (j *Journal) Walk(fn func(e *JournalEntry) error) error {
	j.Retain()
	defer j.Release()

	entries, err := j.visibleEntries()
	if err != nil {
		return err
	}
	for i := range entries {
		before := entries[i].Flags
		if err := fn(&entries[i]); err != nil {
			return err
		}
		if entries[i].Flags != before {
			_, err := j.db.Exec(`UPDATE Journal SET flags = ? WHERE zone = ? AND key = ?`,
				int(entries[i].Flags), j.zone, int64(entries[i].Key))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkClean clears the DIRTY bit on every committed entry.
func (j *Journal) MarkClean() error {
	return j.Walk(func(e *JournalEntry) error {
		e.Flags &^= JournalDirty
		return nil
	})
}

// TrimClean drops entries already synced to the zonefile, freeing
// space after a flush-on-BUSY recovery.
func (j *Journal) TrimClean() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`DELETE FROM Journal WHERE zone = ? AND (flags & ?) = 0`,
		j.zone, int(JournalDirty))
	return err
}

func (j *Journal) IsUsed() bool {
	count, _, err := j.usage()
	return err == nil && count > 0
}

// LastSerial returns the newest committed serial_to, or ErrNotFound
// for an empty journal.
func (j *Journal) LastSerial() (uint32, error) {
	entries, err := j.visibleEntries()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("journal %s: empty: %w", j.zone, ErrNotFound)
	}
	last := KeySerialTo(entries[0].Key)
	for _, e := range entries[1:] {
		if SerialNewer(last, KeySerialTo(e.Key)) {
			last = KeySerialTo(e.Key)
		}
	}
	return last, nil
}
