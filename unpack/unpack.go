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

// Package unpack turns container images into directory trees by delegating
// to external tools. The tools are black boxes: a nonzero exit is surfaced
// as an error that is fatal for that source, with the tool's output attached
// for diagnosis.
package unpack

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/whitelister/log"
)

// ErrTool is wrapped into every error caused by a failing external tool.
var ErrTool = errors.New("unpack: external tool failed")

// Ramdisk decompresses a gzipped cpio ramdisk blob and unpacks it into a
// "ramdisk_unpacked" subdirectory of destDir, which is returned.
func Ramdisk(ctx context.Context, blob []byte, destDir string) (string, error) {
	extractDir := filepath.Join(destDir, "ramdisk_unpacked")
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return "", fmt.Errorf("unpack: creating %s: %w", extractDir, err)
	}
	log.Infof("Unpacking ramdisk to %s...", extractDir)

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("unpack: ramdisk is not a gzip stream: %w", err)
	}
	defer gz.Close()

	cmd := exec.CommandContext(ctx, "cpio", "-i", "--no-absolute-filenames")
	cmd.Dir = extractDir
	cmd.Stdin = gz
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", toolErr("cpio", err, out)
	}
	return extractDir, nil
}

// Yaffs unpacks a yaffs2 image into a subdirectory of destDir named after
// the image file, which is returned. The directory must not already hold
// content.
func Yaffs(ctx context.Context, imagePath, destDir string) (string, error) {
	extractDir, err := freshDir(imagePath, destDir)
	if err != nil {
		return "", err
	}
	log.Info("Extracting yaffs2 image...")
	if out, err := exec.CommandContext(ctx, "unyaffs", imagePath, extractDir).CombinedOutput(); err != nil {
		return "", toolErr("unyaffs", err, out)
	}
	log.Infof("Image extracted to %s", extractDir)
	return extractDir, nil
}

// Mount read-only mounts a filesystem image under a subdirectory of destDir
// named after the image file, relying on the mount command's own filesystem
// detection. The mount directory is returned.
func Mount(ctx context.Context, imagePath, destDir string) (string, error) {
	mountDir, err := freshDir(imagePath, destDir)
	if err != nil {
		return "", err
	}
	if out, err := exec.CommandContext(ctx, "mount", imagePath, mountDir, "-o", "ro").CombinedOutput(); err != nil {
		return "", toolErr("mount", err, out)
	}
	log.Infof("%s mounted at %s", imagePath, mountDir)
	return mountDir, nil
}

// Unmount releases a directory mounted with Mount.
func Unmount(ctx context.Context, mountDir string) error {
	if out, err := exec.CommandContext(ctx, "umount", mountDir).CombinedOutput(); err != nil {
		return toolErr("umount", err, out)
	}
	log.Infof("%s unmounted", mountDir)
	return nil
}

// freshDir creates destDir/<image base name>, reusing an existing empty
// directory but refusing a non-empty one.
func freshDir(imagePath, destDir string) (string, error) {
	dir := filepath.Join(destDir, filepath.Base(imagePath))
	if entries, err := os.ReadDir(dir); err == nil {
		if len(entries) > 0 {
			return "", fmt.Errorf("unpack: extract dir %s exists and is not empty", dir)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("unpack: checking %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("unpack: creating %s: %w", dir, err)
	}
	return dir, nil
}

func toolErr(tool string, err error, out []byte) error {
	msg := bytes.TrimSpace(out)
	if len(msg) == 0 {
		return fmt.Errorf("%w: %s: %v", ErrTool, tool, err)
	}
	return fmt.Errorf("%w: %s: %v: %s", ErrTool, tool, err, msg)
}
