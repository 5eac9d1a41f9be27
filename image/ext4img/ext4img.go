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

// Package ext4img reads ext4 filesystem images without an OS mount by
// extracting their contents into a scratch directory that can then be
// walked like any other file tree.
package ext4img

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/masahiro331/go-ext4-filesystem/ext4"

	"github.com/google/whitelister/log"
)

// Extract reads the ext4 image at imagePath and extracts its full file tree
// into destDir. Unreadable entries are logged and skipped so a single bad
// inode does not abort the whole extraction.
func Extract(imagePath, destDir string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("ext4img: opening image: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ext4img: stating image: %w", err)
	}

	fsys, err := ext4.NewFS(*io.NewSectionReader(f, 0, info.Size()), nil)
	if err != nil {
		return fmt.Errorf("ext4img: reading ext4 filesystem from %s: %w", imagePath, err)
	}
	return extractDir(fsys, "/", destDir)
}

func extractDir(fsys *ext4.FileSystem, srcPath, destPath string) error {
	entries, err := fsys.ReadDir(srcPath)
	if err != nil {
		log.Warnf("Failed to list image directory %s: %v", srcPath, err)
		return nil
	}
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return fmt.Errorf("ext4img: creating %s: %w", destPath, err)
	}

	for _, entry := range filterEntries(entries) {
		srcFull := path.Join(srcPath, entry.Name())
		destFull := filepath.Join(destPath, entry.Name())

		if entry.IsDir() {
			if err := extractDir(fsys, srcFull, destFull); err != nil {
				return err
			}
			continue
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			// Symlinks in the image are dropped: the scan would skip them
			// anyway and materializing them can escape destDir.
			log.Debugf("Skipping symlink %s in ext4 image", srcFull)
			continue
		}
		if err := extractFile(fsys, srcFull, destFull); err != nil {
			log.Warnf("Failed to extract %s: %v", srcFull, err)
		}
	}
	return nil
}

func extractFile(fsys *ext4.FileSystem, srcPath, destPath string) error {
	src, err := fsys.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %s in image: %w", srcPath, err)
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return fmt.Errorf("copying %s: %w", srcPath, err)
	}
	return nil
}

// filterEntries removes ".", ".." and "lost+found" from directory listings.
func filterEntries(entries []fs.DirEntry) []fs.DirEntry {
	var filtered []fs.DirEntry
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." || name == "lost+found" {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
