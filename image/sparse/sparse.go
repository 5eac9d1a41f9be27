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

// Package sparse decodes Android sparse images into their dense form,
// equivalent to the simg2img tool.
//
// A sparse image is a 28-byte file header followed by a chunk stream. Each
// chunk is a 12-byte header plus chunk-type-specific data covering a run of
// blocks in the dense output: raw data, a repeated 4-byte fill pattern, a
// "don't care" hole, or a CRC32 checkpoint.
package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sparse format constants, from ext4_utils/sparse_format.h.
const (
	HeaderMagic = 0xed26ff3a

	fileHeaderSize  = 28
	chunkHeaderSize = 12

	chunkTypeRaw      = 0xCAC1
	chunkTypeFill     = 0xCAC2
	chunkTypeDontCare = 0xCAC3
	chunkTypeCRC32    = 0xCAC4
)

// ErrBadImage is returned when the input is not a well-formed sparse image.
var ErrBadImage = errors.New("sparse: malformed sparse image")

type fileHeader struct {
	Magic         uint32
	MajorVersion  uint16
	MinorVersion  uint16
	FileHdrSize   uint16
	ChunkHdrSize  uint16
	BlockSize     uint32
	TotalBlocks   uint32
	TotalChunks   uint32
	ImageChecksum uint32
}

type chunkHeader struct {
	ChunkType uint16
	Reserved  uint16
	ChunkSize uint32 // in blocks
	TotalSize uint32 // in bytes, including this header
}

// Unsparse decodes the sparse image read from r and writes the dense image
// to w. Don't-care runs are written as zeros so the output is usable as a
// regular file, not only as a block device.
func Unsparse(r io.Reader, w io.Writer) error {
	var fh fileHeader
	if err := binary.Read(r, binary.LittleEndian, &fh); err != nil {
		return fmt.Errorf("%w: reading file header: %v", ErrBadImage, err)
	}
	if fh.Magic != HeaderMagic {
		return fmt.Errorf("%w: magic 0x%08x, want 0x%08x", ErrBadImage, fh.Magic, uint32(HeaderMagic))
	}
	if fh.MajorVersion != 1 {
		return fmt.Errorf("%w: unsupported major version %d", ErrBadImage, fh.MajorVersion)
	}
	if fh.FileHdrSize < fileHeaderSize || fh.ChunkHdrSize < chunkHeaderSize {
		return fmt.Errorf("%w: header sizes %d/%d below format minimum", ErrBadImage, fh.FileHdrSize, fh.ChunkHdrSize)
	}
	if fh.BlockSize == 0 || fh.BlockSize%4 != 0 {
		return fmt.Errorf("%w: block size %d is not a positive multiple of 4", ErrBadImage, fh.BlockSize)
	}
	// Later format revisions may grow the headers; skip what we don't know.
	if err := skip(r, int64(fh.FileHdrSize)-fileHeaderSize); err != nil {
		return fmt.Errorf("%w: skipping extended file header: %v", ErrBadImage, err)
	}

	for i := uint32(0); i < fh.TotalChunks; i++ {
		var ch chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return fmt.Errorf("%w: reading chunk %d header: %v", ErrBadImage, i, err)
		}
		if err := skip(r, int64(fh.ChunkHdrSize)-chunkHeaderSize); err != nil {
			return fmt.Errorf("%w: skipping extended chunk %d header: %v", ErrBadImage, i, err)
		}
		outBytes := int64(ch.ChunkSize) * int64(fh.BlockSize)
		dataBytes := int64(ch.TotalSize) - int64(fh.ChunkHdrSize)

		switch ch.ChunkType {
		case chunkTypeRaw:
			if dataBytes != outBytes {
				return fmt.Errorf("%w: raw chunk %d carries %d bytes for %d output bytes", ErrBadImage, i, dataBytes, outBytes)
			}
			if _, err := io.CopyN(w, r, outBytes); err != nil {
				return fmt.Errorf("%w: copying raw chunk %d: %v", ErrBadImage, i, err)
			}
		case chunkTypeFill:
			if dataBytes != 4 {
				return fmt.Errorf("%w: fill chunk %d carries %d data bytes, want 4", ErrBadImage, i, dataBytes)
			}
			var fill [4]byte
			if _, err := io.ReadFull(r, fill[:]); err != nil {
				return fmt.Errorf("%w: reading fill value of chunk %d: %v", ErrBadImage, i, err)
			}
			if err := writeFill(w, fill, outBytes); err != nil {
				return fmt.Errorf("sparse: writing fill chunk %d: %w", i, err)
			}
		case chunkTypeDontCare:
			if dataBytes != 0 {
				return fmt.Errorf("%w: don't-care chunk %d carries %d data bytes", ErrBadImage, i, dataBytes)
			}
			if err := writeFill(w, [4]byte{}, outBytes); err != nil {
				return fmt.Errorf("sparse: writing don't-care chunk %d: %w", i, err)
			}
		case chunkTypeCRC32:
			if dataBytes != 4 {
				return fmt.Errorf("%w: crc chunk %d carries %d data bytes, want 4", ErrBadImage, i, dataBytes)
			}
			// Checkpoint over already-written data; skipped, not verified.
			if err := skip(r, 4); err != nil {
				return fmt.Errorf("%w: skipping crc chunk %d: %v", ErrBadImage, i, err)
			}
		default:
			return fmt.Errorf("%w: chunk %d has unknown type 0x%04x", ErrBadImage, i, ch.ChunkType)
		}
	}
	return nil
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func writeFill(w io.Writer, pattern [4]byte, n int64) error {
	buf := make([]byte, 64*1024)
	for i := range buf {
		buf[i] = pattern[i%4]
	}
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
