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

package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/google/whitelister/digest"
	"github.com/google/whitelister/store"
)

// backends lists the store implementations under test; every subtest runs
// against each.
var backends = []struct {
	name string
	open func(t *testing.T) store.Store
}{
	{
		name: "bolt",
		open: func(t *testing.T) store.Store {
			t.Helper()
			s, err := store.OpenBolt(filepath.Join(t.TempDir(), "hashes.db"))
			if err != nil {
				t.Fatalf("OpenBolt(): %v", err)
			}
			return s
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T) store.Store {
			t.Helper()
			s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "hashes.sqlite"))
			if err != nil {
				t.Fatalf("OpenSQLite(): %v", err)
			}
			return s
		},
	},
}

func testEntry(seed byte, path string) store.Entry {
	mk := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = seed
		}
		return b
	}
	return store.Entry{
		Digests: digest.Set{MD5: mk(16), SHA1: mk(20), SHA256: mk(32)},
		Record: store.Record{
			FilePath: path,
			SourceID: "src-1",
			Threat:   store.ThreatGood,
			Trust:    store.TrustHigh,
		},
	}
}

func TestBatchWriteFresh(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			counts, err := s.BatchWrite([]store.Entry{testEntry(1, "/a"), testEntry(2, "/b")}, false)
			if err != nil {
				t.Fatalf("BatchWrite(): %v", err)
			}
			want := store.Counts{Processed: 6, Duplicates: 0, Added: 0}
			if diff := cmp.Diff(want, counts); diff != "" {
				t.Errorf("BatchWrite() counts mismatch (-want +got):\n%s", diff)
			}

			got, err := s.Get(testEntry(1, "/a").Digests.SHA256)
			if err != nil {
				t.Fatalf("Get(): %v", err)
			}
			if got == nil {
				t.Fatal("Get() = nil for a freshly written digest")
			}
			if got.FilePath != "/a" {
				t.Errorf("Get().FilePath = %q, want %q", got.FilePath, "/a")
			}
		})
	}
}

func TestBatchWriteKeepsFirstWithoutReplace(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			first := testEntry(7, "/first")
			second := testEntry(7, "/second") // same digests, different record
			if _, err := s.BatchWrite([]store.Entry{first}, false); err != nil {
				t.Fatalf("BatchWrite(): %v", err)
			}

			counts, err := s.BatchWrite([]store.Entry{second}, false)
			if err != nil {
				t.Fatalf("BatchWrite(): %v", err)
			}
			want := store.Counts{Processed: 3, Duplicates: 3, Added: 0}
			if diff := cmp.Diff(want, counts); diff != "" {
				t.Errorf("BatchWrite() counts mismatch (-want +got):\n%s", diff)
			}

			got, err := s.Get(first.Digests.MD5)
			if err != nil {
				t.Fatalf("Get(): %v", err)
			}
			if diff := cmp.Diff(&first.Record, got); diff != "" {
				t.Errorf("record was not preserved (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBatchWriteOverwritesWithReplace(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			first := testEntry(7, "/first")
			second := testEntry(7, "/second")
			if _, err := s.BatchWrite([]store.Entry{first}, true); err != nil {
				t.Fatalf("BatchWrite(): %v", err)
			}

			counts, err := s.BatchWrite([]store.Entry{second}, true)
			if err != nil {
				t.Fatalf("BatchWrite(): %v", err)
			}
			want := store.Counts{Processed: 3, Duplicates: 3, Added: 3}
			if diff := cmp.Diff(want, counts); diff != "" {
				t.Errorf("BatchWrite() counts mismatch (-want +got):\n%s", diff)
			}

			got, err := s.Get(first.Digests.SHA1)
			if err != nil {
				t.Fatalf("Get(): %v", err)
			}
			if diff := cmp.Diff(&second.Record, got); diff != "" {
				t.Errorf("record was not replaced (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetUnknownDigest(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			got, err := s.Get([]byte("nosuchdigest........."))
			if err != nil {
				t.Fatalf("Get(): %v", err)
			}
			if got != nil {
				t.Errorf("Get() = %+v for an unknown digest, want nil", got)
			}
		})
	}
}

func TestUseAfterClose(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			if err := s.Close(); err != nil {
				t.Fatalf("Close(): %v", err)
			}

			if _, err := s.BatchWrite([]store.Entry{testEntry(1, "/a")}, false); !errors.Is(err, store.ErrClosed) {
				t.Errorf("BatchWrite() after close: error = %v, want ErrClosed", err)
			}
			if _, err := s.Get([]byte{1}); !errors.Is(err, store.ErrClosed) {
				t.Errorf("Get() after close: error = %v, want ErrClosed", err)
			}
			if err := s.Close(); !errors.Is(err, store.ErrClosed) {
				t.Errorf("second Close(): error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestSourcesSideChannel(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()

			checksum := []byte("source-checksum-32-bytes........")
			got, err := s.GetSource(checksum)
			if err != nil {
				t.Fatalf("GetSource(): %v", err)
			}
			if got != nil {
				t.Fatalf("GetSource() = %+v for an unseen source, want nil", got)
			}

			want := store.SourceInfo{
				Processed: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
				SourceID:  "factory-image-42",
				Locator:   "/images/factory.img",
			}
			if err := s.PutSource(checksum, want); err != nil {
				t.Fatalf("PutSource(): %v", err)
			}
			got, err = s.GetSource(checksum)
			if err != nil {
				t.Fatalf("GetSource(): %v", err)
			}
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("GetSource() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLevels(t *testing.T) {
	if _, err := store.ParseTrust("bogus"); err == nil {
		t.Error("ParseTrust(bogus) succeeded, want error")
	}
	if _, err := store.ParseThreat("bogus"); err == nil {
		t.Error("ParseThreat(bogus) succeeded, want error")
	}
	for _, name := range []string{"low", "medium", "high"} {
		level, err := store.ParseTrust(name)
		if err != nil {
			t.Errorf("ParseTrust(%s): %v", name, err)
		}
		if level.String() != name {
			t.Errorf("ParseTrust(%s).String() = %q", name, level.String())
		}
	}
	for _, name := range []string{"good", "evil"} {
		level, err := store.ParseThreat(name)
		if err != nil {
			t.Errorf("ParseThreat(%s): %v", name, err)
		}
		if level.String() != name {
			t.Errorf("ParseThreat(%s).String() = %q", name, level.String())
		}
	}
}
