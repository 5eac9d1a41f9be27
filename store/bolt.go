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
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/whitelister/log"
)

var (
	whitelistBucket = []byte("whitelist")
	sourcesBucket   = []byte("sources")
)

// BoltStore is the default Store backend, a single-file bbolt database.
// bbolt holds an exclusive file lock, so a second concurrent open fails
// fast after the open timeout instead of corrupting data.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the whitelist database at path.
func OpenBolt(path string) (*BoltStore, error) {
	// The timeout makes a concurrently locked database an error rather
	// than an indefinite hang.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{whitelistBucket, sourcesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initializing %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// BatchWrite persists one batch in a single bbolt transaction.
func (s *BoltStore) BatchWrite(entries []Entry, replace bool) (Counts, error) {
	if s.db == nil {
		return Counts{}, ErrClosed
	}
	log.Debugf("Batch write of %d entries", len(entries))
	var c Counts
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(whitelistBucket)
		for _, e := range entries {
			val, err := json.Marshal(e.Record)
			if err != nil {
				return fmt.Errorf("marshaling record for %s: %w", e.Record.FilePath, err)
			}
			for _, key := range e.Digests.Triple() {
				c.Processed++
				if b.Get(key) != nil {
					c.Duplicates++
					if !replace {
						log.Debugf("%x already present, not added", key)
						continue
					}
					c.Added++
					log.Debugf("%x already present, replaced", key)
				}
				if err := b.Put(key, val); err != nil {
					return fmt.Errorf("writing key %x: %w", key, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("store: batch write: %w", err)
	}
	return c, nil
}

// Get returns the record stored under key, or nil if the digest is not
// whitelisted.
func (s *BoltStore) Get(key []byte) (*Record, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(whitelistBucket).Get(key)
		if val == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading key %x: %w", key, err)
	}
	return rec, nil
}

// PutSource records an ingested source in the sources side-channel.
func (s *BoltStore) PutSource(checksum []byte, info SourceInfo) error {
	if s.db == nil {
		return ErrClosed
	}
	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("store: marshaling source info: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sourcesBucket).Put(checksum, val)
	})
	if err != nil {
		return fmt.Errorf("store: writing source %x: %w", checksum, err)
	}
	return nil
}

// GetSource returns the ingestion record for checksum, or nil if unseen.
func (s *BoltStore) GetSource(checksum []byte) (*SourceInfo, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var info *SourceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(sourcesBucket).Get(checksum)
		if val == nil {
			return nil
		}
		info = &SourceInfo{}
		return json.Unmarshal(val, info)
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading source %x: %w", checksum, err)
	}
	return info, nil
}

// Close releases the database. A second Close is a programming error.
func (s *BoltStore) Close() error {
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
