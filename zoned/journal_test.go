package zoned

import (
	"errors"
	"path/filepath"
	"testing"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	dbfile := filepath.Join(t.TempDir(), "journal.db")
	jdb, err := NewJournalDB(dbfile)
	if err != nil {
		t.Fatalf("NewJournalDB: %v", err)
	}
	t.Cleanup(func() { jdb.Close() })
	return NewJournal(jdb, "example.com.")
}

func TestJournalKey(t *testing.T) {
	key := JournalKey(100, 101)
	if KeySerialFrom(key) != 100 || KeySerialTo(key) != 101 {
		t.Errorf("key roundtrip: from=%d to=%d", KeySerialFrom(key), KeySerialTo(key))
	}
	if CmpFrom(key, 100) != 0 || CmpFrom(key, 99) <= 0 || CmpFrom(key, 101) >= 0 {
		t.Errorf("CmpFrom ordering broken")
	}
	if CmpTo(key, 101) != 0 || CmpTo(key, 100) <= 0 || CmpTo(key, 102) >= 0 {
		t.Errorf("CmpTo ordering broken")
	}
}

func TestJournalChain(t *testing.T) {
	j := testJournal(t)

	for _, step := range []struct{ from, to uint32 }{
		{100, 101}, {101, 102}, {102, 103},
	} {
		if err := j.Store(step.from, step.to, []byte{byte(step.from)}); err != nil {
			t.Fatalf("Store(%d->%d): %v", step.from, step.to, err)
		}
	}

	chain, err := j.Fetch(100)
	if err != nil {
		t.Fatalf("Fetch(100): %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	for i := 0; i < len(chain)-1; i++ {
		if KeySerialTo(chain[i].Key) != KeySerialFrom(chain[i+1].Key) {
			t.Errorf("chain gap between entry %d and %d", i, i+1)
		}
	}

	if _, err := j.Fetch(50); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch(50): got %v, want ErrNotFound", err)
	}

	last, err := j.LastSerial()
	if err != nil || last != 103 {
		t.Errorf("LastSerial = %d, %v; want 103", last, err)
	}
}

func TestJournalBusyAndRecovery(t *testing.T) {
	j := testJournal(t)
	j.MaxEntries = 2

	if err := j.Store(100, 101, []byte("a")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := j.Store(101, 102, []byte("b")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	err := j.Store(102, 103, []byte("c"))
	if !IsBusy(err) {
		t.Fatalf("third store: got %v, want ErrBusy", err)
	}

	// The flush-and-retry-once recovery: mark everything synced,
	// drop the clean entries, retry the store.
	if err := j.MarkClean(); err != nil {
		t.Fatalf("MarkClean: %v", err)
	}
	if err := j.TrimClean(); err != nil {
		t.Fatalf("TrimClean: %v", err)
	}
	if err := j.Store(102, 103, []byte("c")); err != nil {
		t.Fatalf("retried store: %v", err)
	}
	if !j.IsUsed() {
		t.Errorf("journal should be in use after retry")
	}
}

func TestJournalDirtyFlags(t *testing.T) {
	j := testJournal(t)
	if err := j.Store(100, 101, []byte("a")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	dirty := 0
	if err := j.Walk(func(e *JournalEntry) error {
		if e.Flags&JournalDirty != 0 {
			dirty++
		}
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if dirty != 1 {
		t.Errorf("dirty entries = %d, want 1", dirty)
	}

	if err := j.MarkClean(); err != nil {
		t.Fatalf("MarkClean: %v", err)
	}
	dirty = 0
	if err := j.Walk(func(e *JournalEntry) error {
		if e.Flags&JournalDirty != 0 {
			dirty++
		}
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if dirty != 0 {
		t.Errorf("dirty entries after MarkClean = %d, want 0", dirty)
	}
}

func TestJournalTransactions(t *testing.T) {
	t.Run("RollbackDiscards", func(t *testing.T) {
		j := testJournal(t)
		if err := j.TransBegin(); err != nil {
			t.Fatalf("TransBegin: %v", err)
		}
		if err := j.Store(100, 101, []byte("a")); err != nil {
			t.Fatalf("Store in trans: %v", err)
		}
		if err := j.TransRollback(); err != nil {
			t.Fatalf("TransRollback: %v", err)
		}
		if _, err := j.Fetch(100); !errors.Is(err, ErrNotFound) {
			t.Errorf("rolled-back entry visible: %v", err)
		}
	})

	t.Run("CommitPublishes", func(t *testing.T) {
		j := testJournal(t)
		if err := j.TransBegin(); err != nil {
			t.Fatalf("TransBegin: %v", err)
		}
		if err := j.Store(100, 101, []byte("a")); err != nil {
			t.Fatalf("Store in trans: %v", err)
		}
		if err := j.TransCommit(); err != nil {
			t.Fatalf("TransCommit: %v", err)
		}
		chain, err := j.Fetch(100)
		if err != nil {
			t.Fatalf("Fetch after commit: %v", err)
		}
		if len(chain) != 1 || chain[0].Flags&JournalTrans != 0 {
			t.Errorf("committed entry wrong: %+v", chain)
		}
	})

	t.Run("OnlyOneOpen", func(t *testing.T) {
		j := testJournal(t)
		if err := j.TransBegin(); err != nil {
			t.Fatalf("TransBegin: %v", err)
		}
		if err := j.TransBegin(); err == nil {
			t.Errorf("second TransBegin should fail")
		}
		j.TransRollback()
	})
}

func TestJournalSerializedChangeset(t *testing.T) {
	j := testJournal(t)

	ch := NewChangeset(testSOA(t, 100), testSOA(t, 101))
	ch.Adds = append(ch.Adds, mustRR(t, "x.example.com. 300 IN A 192.0.2.1"))
	payload, err := ch.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := j.Store(ch.SerialFrom, ch.SerialTo, payload); err != nil {
		t.Fatalf("Store: %v", err)
	}

	chain, err := j.Fetch(100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := DeserializeChangeset(chain[0].Payload)
	if err != nil {
		t.Fatalf("DeserializeChangeset: %v", err)
	}
	if got.SerialFrom != 100 || got.SerialTo != 101 || len(got.Adds) != 1 {
		t.Errorf("journaled changeset mangled: %d->%d adds=%d",
			got.SerialFrom, got.SerialTo, len(got.Adds))
	}
}
