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

// Package image classifies firmware image files by their magic bytes.
//
// Classification is advisory: a file that cannot be opened or is shorter than
// the probed prefix is reported as Unknown rather than as an error.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/deitch/magic/pkg/magic"
)

// Kind is the detected image format of a file.
type Kind int

// The image kinds the sniffer can detect.
const (
	Unknown Kind = iota
	BootImage
	BootloaderImage
	SparseExt4
	Ext4
	Yaffs2
)

var kindNames = map[Kind]string{
	Unknown:         "unknown",
	BootImage:       "boot image",
	BootloaderImage: "bootloader image",
	SparseExt4:      "sparse ext4 image",
	Ext4:            "ext4 image",
	Yaffs2:          "yaffs2 image",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

const (
	// sniffLen is the largest prefix any check needs. The ext4 superblock
	// magic sits at byte 0x438 (1024 bytes of padding + 0x38 into the
	// superblock), well within this bound.
	sniffLen = 2048

	sparseMagic     = 0xed26ff3a
	ext4Magic       = 0xEF53
	ext4MagicOffset = 0x438
)

var (
	bootMagic       = []byte("ANDROID!")
	bootloaderMagic = []byte("BOOTLDR!")
)

// Detect classifies the file at path by probing at most sniffLen bytes.
// Missing or short files classify as Unknown.
func Detect(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Unknown
	}
	return DetectBytes(buf[:n])
}

// DetectBytes classifies a file from its first bytes. Checks run in a fixed
// priority order and the first match wins; the formats are not mutually
// exclusive by construction.
func DetectBytes(buf []byte) Kind {
	switch {
	case isBootImage(buf):
		return BootImage
	case isBootloaderImage(buf):
		return BootloaderImage
	case isYaffs2(buf):
		return Yaffs2
	case isSparseExt4(buf):
		return SparseExt4
	case isExt4(buf):
		return Ext4
	default:
		return Unknown
	}
}

func isBootImage(buf []byte) bool {
	return len(buf) >= len(bootMagic) && bytes.Equal(buf[:len(bootMagic)], bootMagic)
}

func isBootloaderImage(buf []byte) bool {
	return len(buf) >= len(bootloaderMagic) && bytes.Equal(buf[:len(bootloaderMagic)], bootloaderMagic)
}

// isYaffs2 is a best-effort heuristic, not a format guarantee: a yaffs2
// object header starts with a small object type (0..4) and carries the
// 0xFFFF "checksum no longer used" sentinel at byte 8.
func isYaffs2(buf []byte) bool {
	if len(buf) < 10 {
		return false
	}
	parentObjID := binary.LittleEndian.Uint32(buf[0:4])
	return parentObjID < 5 && buf[8] == 0xFF && buf[9] == 0xFF
}

func isSparseExt4(buf []byte) bool {
	return len(buf) >= 4 && binary.LittleEndian.Uint32(buf[0:4]) == sparseMagic
}

func isExt4(buf []byte) bool {
	return len(buf) >= ext4MagicOffset+2 &&
		binary.LittleEndian.Uint16(buf[ext4MagicOffset:ext4MagicOffset+2]) == ext4Magic
}

// Describe returns a human-readable libmagic description of the content,
// for debug logging of files the fixed-offset checks do not recognize.
// Failures are reported as an empty description, never an error.
func Describe(r io.ReaderAt) []string {
	desc, err := magic.GetType(r)
	if err != nil {
		return nil
	}
	return desc
}
