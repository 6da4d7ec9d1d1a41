/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zoned

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var DefaultTables = map[string]string{

	// One row per journal entry. key is the packed (serial_to << 32 |
	// serial_from) changeset key; flags carry VALID/DIRTY/TRANS.
	"Journal": `CREATE TABLE IF NOT EXISTS 'Journal' (
id		  INTEGER PRIMARY KEY,
zone		  TEXT,
key		  INTEGER,
flags		  INTEGER,
payload		  BLOB,
UNIQUE (zone, key)
)`,
}

type Tx struct {
	*sql.Tx
	JDB     *JournalDB
	context string
}

func (tx *Tx) Commit() error {
	err := tx.Tx.Commit()
	tx.JDB.Ctx = ""
	if err != nil {
		log.Printf("<--- Error committing JournalDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.JDB.Ctx = ""
	if err != nil {
		log.Printf("<--- Error rolling back JournalDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	result, err := tx.Tx.Exec(query, args...)
	if err != nil {
		log.Printf("<--- Error executing JournalDB Exec (%s): %v", tx.context, err)
	}
	return result, err
}

func (tx *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := tx.Tx.Query(query, args...)
	if err != nil {
		log.Printf("<--- Error executing JournalDB query (%s): %v", tx.context, err)
	}
	return rows, err
}

// JournalDB is the sqlite file backing all zone journals. Only one
// transaction may be open at a time; Begin enforces that.
type JournalDB struct {
	DB  *sql.DB
	mu  sync.Mutex
	Ctx string
}

func (db *JournalDB) Begin(context string) (*Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Ctx != "" {
		log.Printf("<--- Error: JournalDB transaction already in progress: %s", db.Ctx)
		return nil, fmt.Errorf("JournalDB transaction already in progress (%s): %w", db.Ctx, ErrAgain)
	}
	db.Ctx = context
	tx, err := db.DB.Begin()
	if err != nil {
		db.Ctx = ""
		log.Printf("Error beginning transaction (%s): %v", context, err)
		return nil, err
	}
	return &Tx{Tx: tx, JDB: db, context: context}, nil
}

func (db *JournalDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(query, args...)
}

func (db *JournalDB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(query, args...)
}

func (db *JournalDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(query, args...)
}

func (db *JournalDB) Close() error {
	return db.DB.Close()
}

func dbSetupTables(db *sql.DB) {
	if Globals.Verbose {
		log.Printf("Setting up missing tables\n")
	}

	for t, s := range DefaultTables {
		stmt, err := db.Prepare(s)
		if err != nil {
			log.Printf("dbSetupTables: Error from %s schema \"%s\": %v\n", t, s, err)
			continue
		}
		_, err = stmt.Exec()
		if err != nil {
			log.Fatalf("Failed to set up db schema: %s. Error: %v", s, err)
		}
	}
}

func NewJournalDB(dbfile string) (*JournalDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("journal DB filename unspecified: %w", ErrInval)
	}
	if Globals.Verbose {
		log.Printf("NewJournalDB: using sqlite db in file %s\n", dbfile)
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewJournalDB: Error from sql.Open: %v", err)
	}
	dbSetupTables(db)
	return &JournalDB{DB: db}, nil
}
