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

package unpack_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/whitelister/unpack"
)

func TestRamdiskRejectsNonGzip(t *testing.T) {
	_, err := unpack.Ramdisk(context.Background(), []byte("not a gzip stream"), t.TempDir())
	if err == nil {
		t.Error("Ramdisk() succeeded on non-gzip input, want error")
	}
}

func TestYaffsRefusesNonEmptyExtractDir(t *testing.T) {
	destDir := t.TempDir()
	imagePath := filepath.Join(t.TempDir(), "system.img")
	if err := os.WriteFile(imagePath, []byte("yaffs"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	taken := filepath.Join(destDir, "system.img")
	if err := os.MkdirAll(taken, 0755); err != nil {
		t.Fatalf("creating fixture dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taken, "leftover"), []byte("x"), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := unpack.Yaffs(context.Background(), imagePath, destDir); err == nil {
		t.Error("Yaffs() succeeded with a non-empty extract dir, want error")
	}
}
