// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"

	"github.com/google/whitelister/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS whitelist (
	hash   BLOB PRIMARY KEY,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
	checksum BLOB PRIMARY KEY,
	info     TEXT NOT NULL
);
`

// SQLiteStore is the SQL Store backend, for whitelists that get queried with
// ad hoc SQL afterwards. Same batch semantics as BoltStore: one batch, one
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the whitelist database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initializing sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// BatchWrite persists one batch in a single SQL transaction.
func (s *SQLiteStore) BatchWrite(entries []Entry, replace bool) (Counts, error) {
	if s.db == nil {
		return Counts{}, ErrClosed
	}
	log.Debugf("Batch write of %d entries", len(entries))
	var c Counts
	tx, err := s.db.Begin()
	if err != nil {
		return Counts{}, fmt.Errorf("store: beginning batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, e := range entries {
		val, err := json.Marshal(e.Record)
		if err != nil {
			return Counts{}, fmt.Errorf("store: marshaling record for %s: %w", e.Record.FilePath, err)
		}
		for _, key := range e.Digests.Triple() {
			c.Processed++
			var present int
			err := tx.QueryRow(`SELECT COUNT(*) FROM whitelist WHERE hash = ?`, key).Scan(&present)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return Counts{}, fmt.Errorf("store: looking up key %x: %w", key, err)
			}
			if present > 0 {
				c.Duplicates++
				if !replace {
					log.Debugf("%x already present, not added", key)
					continue
				}
				c.Added++
				log.Debugf("%x already present, replaced", key)
			}
			if _, err := tx.Exec(`INSERT OR REPLACE INTO whitelist (hash, record) VALUES (?, ?)`, key, string(val)); err != nil {
				return Counts{}, fmt.Errorf("store: writing key %x: %w", key, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return Counts{}, fmt.Errorf("store: committing batch: %w", err)
	}
	return c, nil
}

// Get returns the record stored under key, or nil if the digest is not
// whitelisted.
func (s *SQLiteStore) Get(key []byte) (*Record, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var val string
	err := s.db.QueryRow(`SELECT record FROM whitelist WHERE hash = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading key %x: %w", key, err)
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(val), rec); err != nil {
		return nil, fmt.Errorf("store: decoding record for %x: %w", key, err)
	}
	return rec, nil
}

// PutSource records an ingested source in the sources side-channel.
func (s *SQLiteStore) PutSource(checksum []byte, info SourceInfo) error {
	if s.db == nil {
		return ErrClosed
	}
	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("store: marshaling source info: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO sources (checksum, info) VALUES (?, ?)`, checksum, string(val)); err != nil {
		return fmt.Errorf("store: writing source %x: %w", checksum, err)
	}
	return nil
}

// GetSource returns the ingestion record for checksum, or nil if unseen.
func (s *SQLiteStore) GetSource(checksum []byte) (*SourceInfo, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var val string
	err := s.db.QueryRow(`SELECT info FROM sources WHERE checksum = ?`, checksum).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading source %x: %w", checksum, err)
	}
	info := &SourceInfo{}
	if err := json.Unmarshal([]byte(val), info); err != nil {
		return nil, fmt.Errorf("store: decoding source %x: %w", checksum, err)
	}
	return info, nil
}

// Close releases the database. A second Close is a programming error.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("store: closing: %w", err)
	}
	return nil
}
