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

// Package store persists the content-addressed whitelist: raw file digests
// mapped to trust/threat records, plus a small side-channel of already
// processed sources.
//
// Every record is reachable through three keys, one per digest algorithm.
// A batch of entries commits as one atomic unit; there is no atomicity
// guarantee between the three keys of a single entry if the process dies
// mid-batch-assembly. The batch boundary, not the entry boundary, is the
// unit of durability.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/whitelister/digest"
)

// DefaultBatchSize bounds how many entries callers should accumulate before
// flushing a batch, to bound peak memory and transaction size.
const DefaultBatchSize = 1024

// ErrClosed is returned when a store is used after Close. Writing after
// close is a programming error and always fails fast.
var ErrClosed = errors.New("store: use of closed whitelist store")

// TrustLevel expresses how much the source of a file is trusted.
type TrustLevel int

// Trust levels, ordered from least to most trusted.
const (
	TrustLow    TrustLevel = 0 // Source trust unknown
	TrustMedium TrustLevel = 1 // Source probably good, but not verified
	TrustHigh   TrustLevel = 2 // Known good source
)

var trustNames = map[TrustLevel]string{
	TrustLow:    "low",
	TrustMedium: "medium",
	TrustHigh:   "high",
}

func (t TrustLevel) String() string {
	if n, ok := trustNames[t]; ok {
		return n
	}
	return fmt.Sprintf("trust(%d)", int(t))
}

// ParseTrust maps the CLI trust choice to a TrustLevel.
func ParseTrust(s string) (TrustLevel, error) {
	for level, name := range trustNames {
		if name == s {
			return level, nil
		}
	}
	return TrustLow, fmt.Errorf("store: unknown trust level %q, want low, medium or high", s)
}

// ThreatLevel classifies whitelisted content as known-good or known-evil.
type ThreatLevel int

// Threat levels.
const (
	ThreatGood ThreatLevel = 0
	ThreatEvil ThreatLevel = 1
)

var threatNames = map[ThreatLevel]string{
	ThreatGood: "good",
	ThreatEvil: "evil",
}

func (t ThreatLevel) String() string {
	if n, ok := threatNames[t]; ok {
		return n
	}
	return fmt.Sprintf("threat(%d)", int(t))
}

// ParseThreat maps the CLI threat choice to a ThreatLevel.
func ParseThreat(s string) (ThreatLevel, error) {
	for level, name := range threatNames {
		if name == s {
			return level, nil
		}
	}
	return ThreatGood, fmt.Errorf("store: unknown threat level %q, want good or evil", s)
}

// Record is the value stored per digest key, serialized as JSON.
type Record struct {
	FilePath string      `json:"filepath"`
	SourceID string      `json:"source_id,omitempty"`
	Threat   ThreatLevel `json:"threat"`
	Trust    TrustLevel  `json:"trust"`
}

// Entry is one file's contribution to a batch: its digest triple and the
// record all three keys will reference.
type Entry struct {
	Digests digest.Set
	Record  Record
}

// Counts tracks batch write outcomes. Processed counts every key write
// attempt, Duplicates counts keys that were already present, and Added
// counts records that replaced an existing one. Counts are summed across
// batches, including the final partial batch.
type Counts struct {
	Added      int
	Processed  int
	Duplicates int
}

// Accumulate adds the counts of one batch into the running totals.
func (c *Counts) Accumulate(o Counts) {
	c.Added += o.Added
	c.Processed += o.Processed
	c.Duplicates += o.Duplicates
}

// SourceInfo is the side-channel record kept per ingested source, keyed by
// the source's content checksum, used to skip re-processing.
type SourceInfo struct {
	Processed time.Time `json:"processed"`
	SourceID  string    `json:"source_id,omitempty"`
	Locator   string    `json:"locator"`
}

// Store is a content-addressed whitelist store. Implementations must be
// explicitly opened before any write and closed exactly once afterwards.
type Store interface {
	// BatchWrite persists one batch atomically. For each entry, each of the
	// three digest keys is handled independently: absent keys are inserted;
	// present keys are kept (replace=false) or overwritten (replace=true).
	BatchWrite(entries []Entry, replace bool) (Counts, error)
	// Get returns the record stored under the given digest key, or nil if
	// the digest is not whitelisted.
	Get(key []byte) (*Record, error)
	// PutSource records that a source has been ingested.
	PutSource(checksum []byte, info SourceInfo) error
	// GetSource returns the ingestion record for a source checksum, or nil
	// if the source has not been seen.
	GetSource(checksum []byte) (*SourceInfo, error)
	Close() error
}
