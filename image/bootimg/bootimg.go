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

// Package bootimg decodes Android boot images and extracts their payloads.
//
// The layout, from bootimg.h:
//
//	+-----------------+
//	| boot header     | 1 page
//	+-----------------+
//	| kernel          | n pages
//	+-----------------+
//	| ramdisk         | m pages
//	+-----------------+
//	| second stage    | o pages
//	+-----------------+
//
//	n = (kernel_size + page_size - 1) / page_size
//	m = (ramdisk_size + page_size - 1) / page_size
//	o = (second_size + page_size - 1) / page_size
//
// All entities are page_size aligned. Kernel and ramdisk are required
// (size != 0); second stage is optional (second_size == 0 means absent).
// The ramdisk payload is an opaque compressed archive; decompressing and
// unpacking it is the caller's concern.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Boot image format constants.
const (
	Magic         = "ANDROID!"
	MagicSize     = 8
	NameSize      = 16
	ArgsSize      = 512
	IDSize        = 32
	ExtraArgsSize = 1024

	// HeaderSize is the exact byte length of the fixed header struct:
	// magic, 8 32-bit fields, 8 reserved bytes, name, cmdline, id and
	// extra cmdline.
	HeaderSize = MagicSize + 8*4 + 8 + NameSize + ArgsSize + IDSize + ExtraArgsSize
)

var (
	// ErrBadMagic is returned when the header magic is not "ANDROID!".
	ErrBadMagic = errors.New("bootimg: bad header magic")
	// ErrBadHeader is returned when a decoded header violates a layout
	// invariant (page size, payload sizes).
	ErrBadHeader = errors.New("bootimg: invalid header")
	// ErrTruncated is returned when the image is too short for a payload
	// region computed from the header.
	ErrTruncated = errors.New("bootimg: truncated image")
)

// Header is the fixed-layout boot image header, little-endian on disk.
type Header struct {
	Magic        [MagicSize]byte
	KernelSize   uint32
	KernelAddr   uint32
	RamdiskSize  uint32
	RamdiskAddr  uint32
	SecondSize   uint32
	SecondAddr   uint32
	TagsAddr     uint32
	PageSize     uint32
	Unused       [2]uint32
	Name         [NameSize]byte
	Cmdline      [ArgsSize]byte
	ID           [IDSize]byte
	ExtraCmdline [ExtraArgsSize]byte
}

// ParseHeader decodes and validates the boot image header from the first
// HeaderSize bytes of r.
func ParseHeader(r io.ReaderAt) (*Header, error) {
	var h Header
	if sz := binary.Size(&h); sz != HeaderSize {
		// The struct layout and the format constant must agree.
		return nil, fmt.Errorf("%w: header struct is %d bytes, want %d", ErrBadHeader, sz, HeaderSize)
	}
	sr := io.NewSectionReader(r, 0, HeaderSize)
	if err := binary.Read(sr, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: want %d header bytes: %v", ErrTruncated, HeaderSize, err)
		}
		return nil, fmt.Errorf("bootimg: reading header: %w", err)
	}
	if !bytes.Equal(h.Magic[:], []byte(Magic)) {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, h.Magic[:])
	}
	if h.PageSize == 0 || h.PageSize&(h.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a positive power of two", ErrBadHeader, h.PageSize)
	}
	if h.KernelSize == 0 || h.RamdiskSize == 0 {
		return nil, fmt.Errorf("%w: kernel size %d, ramdisk size %d, both must be nonzero",
			ErrBadHeader, h.KernelSize, h.RamdiskSize)
	}
	return &h, nil
}

// pages returns the number of whole pages needed to hold size bytes.
// An exact multiple of the page size adds no padding page.
func pages(size, pageSize uint32) uint32 {
	return (size + pageSize - 1) / pageSize
}

// KernelOffset is the byte offset of the kernel payload. The header occupies
// exactly one page, zero-filled up to the page boundary.
func (h *Header) KernelOffset() int64 {
	return int64(h.PageSize)
}

// RamdiskOffset is the byte offset of the ramdisk payload.
func (h *Header) RamdiskOffset() int64 {
	return h.KernelOffset() + int64(pages(h.KernelSize, h.PageSize))*int64(h.PageSize)
}

// SecondOffset is the byte offset of the optional second stage payload.
func (h *Header) SecondOffset() int64 {
	return h.RamdiskOffset() + int64(pages(h.RamdiskSize, h.PageSize))*int64(h.PageSize)
}

// Board returns the product/board name with trailing NUL padding removed.
func (h *Header) Board() string {
	return cstr(h.Name[:])
}

// CommandLine returns the kernel command line with trailing NUL padding removed.
func (h *Header) CommandLine() string {
	return cstr(h.Cmdline[:])
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Encode serializes the header back into its on-disk form. A synthetic image
// can be built by padding the result to one page and appending page-aligned
// payloads.
func (h *Header) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("bootimg: encoding header: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractKernel parses the header and reads the kernel payload.
func ExtractKernel(r io.ReaderAt) ([]byte, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	return readRegion(r, h.KernelOffset(), h.KernelSize, "kernel")
}

// ExtractRamdisk parses the header and reads the raw compressed ramdisk blob.
func ExtractRamdisk(r io.ReaderAt) ([]byte, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	return readRegion(r, h.RamdiskOffset(), h.RamdiskSize, "ramdisk")
}

// ExtractSecond parses the header and reads the second stage payload.
// Returns nil without error when the image carries none.
func ExtractSecond(r io.ReaderAt) ([]byte, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	if h.SecondSize == 0 {
		return nil, nil
	}
	return readRegion(r, h.SecondOffset(), h.SecondSize, "second stage")
}

// readRegion reads exactly size bytes at off. A short read is an error, never
// a silently truncated payload.
func readRegion(r io.ReaderAt, off int64, size uint32, what string) ([]byte, error) {
	blob := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r, off, int64(size)), blob); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s region wants %d bytes at offset %d", ErrTruncated, what, size, off)
		}
		return nil, fmt.Errorf("bootimg: reading %s at offset %d: %w", what, off, err)
	}
	return blob, nil
}
