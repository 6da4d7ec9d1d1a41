/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/miekg/dns"
)

// ZonefileSync writes the current contents to the configured text
// zonefile and clears the DIRTY bit on every journal entry. Calling
// it again at the same serial performs no write and returns ErrRange,
// so the flush timer and the journal-full recovery cannot double-
// write.
func (zd *ZoneData) ZonefileSync() error {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	return zd.zonefileSyncLocked()
}

func (zd *ZoneData) zonefileSyncLocked() error {
	contents := zd.Contents()
	if contents == nil {
		return fmt.Errorf("zone %s: no contents to sync: %w", zd.ZoneName, ErrInval)
	}
	if zd.Zonefile == "" {
		return fmt.Errorf("zone %s: no zonefile configured: %w", zd.ZoneName, ErrInval)
	}

	serialTo := contents.Serial()
	if zd.ZonefileValid && zd.ZonefileSerial == serialTo {
		return fmt.Errorf("zone %s: zonefile already at serial %d: %w", zd.ZoneName, serialTo, ErrRange)
	}

	if zd.Verbose {
		log.Printf("Zone %s: syncing differences to %q (SOA serial %d)", zd.ZoneName, zd.Zonefile, serialTo)
	}

	if err := writeZoneText(contents, zd.Zonefile); err != nil {
		log.Printf("Failed to apply differences %q to %q (%v)", zd.ZoneName, zd.Zonefile, err)
		return err
	}

	st, err := os.Stat(zd.Zonefile)
	if err != nil {
		return fmt.Errorf("zone %s: stat %q: %v: %w", zd.ZoneName, zd.Zonefile, err, ErrWritable)
	}
	zd.ZonefileSerial = serialTo
	zd.ZonefileValid = true
	zd.ZonefileMtime = st.ModTime()

	if zd.Journal != nil {
		if err := zd.Journal.MarkClean(); err != nil {
			return err
		}
	}
	return nil
}

// writeZoneText dumps the snapshot as a text zone, via a temp file
// and rename so a failed write never truncates the previous copy.
func writeZoneText(zc *ZoneContents, fname string) error {
	tmp := fname + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %q: %v: %w", tmp, err, ErrWritable)
	}
	w := bufio.NewWriter(f)
	for _, rr := range zc.AllRRs() {
		if _, err := fmt.Fprintln(w, rr.String()); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, fname)
}

// ReloadFromFile reads the text zonefile and, when build_diffs is
// set, synthesizes and journals the changeset between the published
// snapshot and the file contents.
func (zd *ZoneData) ReloadFromFile() (bool, error) {
	if zd.Zonefile == "" {
		return false, fmt.Errorf("zone %s: no zonefile configured: %w", zd.ZoneName, ErrInval)
	}
	f, err := os.Open(zd.Zonefile)
	if err != nil {
		return false, fmt.Errorf("zone %s: open %q: %v: %w", zd.ZoneName, zd.Zonefile, err, ErrNotFound)
	}
	defer f.Close()

	var rrs []dns.RR
	zp := dns.NewZoneParser(f, zd.ZoneName, zd.Zonefile)
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}
	if err := zp.Err(); err != nil {
		return false, fmt.Errorf("zone %s: parse %q: %v: %w", zd.ZoneName, zd.Zonefile, err, ErrMalformed)
	}

	nzc, err := ContentsFromRRs(zd.ZoneName, rrs)
	if err != nil {
		return false, err
	}
	nzc.SourceFile = zd.Zonefile

	old := zd.Contents()
	if old == nil {
		zd.ReplaceContents(nzc, ContentsLoad)
		zd.mu.Lock()
		zd.ZonefileSerial = nzc.Serial()
		zd.ZonefileValid = true
		zd.mu.Unlock()
		return true, nil
	}

	if zd.BuildDiffs && zd.Journal != nil {
		ch, err := CreateFromDiff(old, nzc)
		switch {
		case err == nil:
			if err := zd.journalChangeset(ch); err != nil {
				return false, err
			}
		case IsNoDiff(err):
			return false, nil
		default:
			return false, err
		}
	}

	zd.ReplaceContents(nzc, ContentsLoad)
	return true, nil
}

// IsNoDiff reports the reload-without-change condition.
func IsNoDiff(err error) bool {
	return errors.Is(err, ErrNoDiff)
}
