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

// Package whitelister builds an authenticated reference database of file
// content hashes from firmware and filesystem trees. It walks a scan root,
// hashes every regular file with three digest algorithms, and persists the
// results in batches to a content-addressed whitelist store.
package whitelister

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/google/whitelister/digest"
	wlfs "github.com/google/whitelister/fs"
	"github.com/google/whitelister/log"
	"github.com/google/whitelister/store"
)

// ScanConfig stores the settings for one scan session.
type ScanConfig struct {
	// Root is the directory tree to scan.
	Root *wlfs.ScanRoot
	// Store receives the hashed results. The caller owns the handle: it must
	// be open before Scan and is not closed by the scanner.
	Store store.Store
	// SourceID, Threat and Trust are recorded verbatim with every file.
	SourceID string
	Threat   store.ThreatLevel
	Trust    store.TrustLevel
	// Replace overwrites records whose digests are already present.
	Replace bool
	// BatchSize bounds how many files accumulate before a flush.
	// Defaults to store.DefaultBatchSize.
	BatchSize int
}

// Result holds the aggregate outcome of a scan.
type Result struct {
	Counts store.Counts
	// FilesHashed counts regular files that contributed digests.
	FilesHashed int
	// FilesSkipped counts symlinks and unreadable files that were logged
	// and left out.
	FilesSkipped int
	// FileErr aggregates the per-file errors behind FilesSkipped. Advisory:
	// a non-nil FileErr does not mean the scan failed.
	FileErr error
}

// Scanner walks directory trees and feeds the whitelist store.
type Scanner struct{}

// New creates a new Scanner.
func New() *Scanner { return &Scanner{} }

// Scan walks the configured root sequentially, hashing every regular file
// and flushing batches of results to the store. Symbolic links are never
// followed: symlinked directories are not descended into and symlinked
// files are skipped. Store failures abort the scan; per-file read failures
// only cost that file's contribution.
func (Scanner) Scan(ctx context.Context, cfg *ScanConfig) (*Result, error) {
	if cfg.Root == nil || cfg.Root.FS == nil {
		return nil, fmt.Errorf("whitelister: no scan root configured")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("whitelister: no store configured")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = store.DefaultBatchSize
	}
	root, err := cfg.Root.WithAbsolutePath()
	if err != nil {
		return nil, fmt.Errorf("whitelister: resolving scan root: %w", err)
	}
	log.Infof("Exploring from root %s...", displayPath(root, "."))

	res := &Result{}
	var batch []store.Entry

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		counts, err := cfg.Store.BatchWrite(batch, cfg.Replace)
		if err != nil {
			return err
		}
		res.Counts.Accumulate(counts)
		batch = batch[:0]
		return nil
	}

	err = fs.WalkDir(root.FS, ".", func(path string, d fs.DirEntry, fserr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fserr != nil {
			if path == "." {
				return fmt.Errorf("walking scan root: %w", fserr)
			}
			if os.IsPermission(fserr) {
				// Permission errors are expected when traversing a whole
				// extracted filesystem.
				log.Debugf("Skipping %s: %v", path, fserr)
			} else {
				log.Warnf("Skipping %s: %v", path, fserr)
			}
			res.FilesSkipped++
			res.FileErr = multierr.Append(res.FileErr, fserr)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			log.Infof("%s is a symlink, skipped", displayPath(root, path))
			res.FilesSkipped++
			return nil
		}
		if !d.Type().IsRegular() {
			log.Debugf("%s is not a regular file, skipped", displayPath(root, path))
			res.FilesSkipped++
			return nil
		}

		filePath := displayPath(root, path)
		log.Debugf("Hashing %s", filePath)
		digests, err := digest.File(root.FS, path)
		if err != nil {
			log.Warnf("Failed to hash %s: %v", filePath, err)
			res.FilesSkipped++
			res.FileErr = multierr.Append(res.FileErr, err)
			return nil
		}
		res.FilesHashed++
		batch = append(batch, store.Entry{
			Digests: digests,
			Record: store.Record{
				FilePath: filePath,
				SourceID: cfg.SourceID,
				Threat:   cfg.Threat,
				Trust:    cfg.Trust,
			},
		})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("whitelister: scan aborted: %w", err)
	}
	if err := flush(); err != nil {
		return res, fmt.Errorf("whitelister: scan aborted: %w", err)
	}

	log.Info("Done exploring!")
	log.Infof("%d records processed", res.Counts.Processed)
	log.Infof("%d records already in db", res.Counts.Duplicates)
	return res, nil
}

// displayPath maps a slash-separated walk path to the path stored in
// records: joined under the real scan root when there is one, rooted at
// "/" for virtual filesystems.
func displayPath(root *wlfs.ScanRoot, path string) string {
	if root.IsVirtual() {
		return "/" + path
	}
	if path == "." {
		return root.Path
	}
	return filepath.Join(root.Path, filepath.FromSlash(path))
}
