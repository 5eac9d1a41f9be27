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

package bootimg_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/whitelister/image/bootimg"
)

// buildImage assembles a page-aligned synthetic boot image.
func buildImage(t *testing.T, pageSize uint32, kernel, ramdisk, second []byte) []byte {
	t.Helper()
	h := newHeader(pageSize, uint32(len(kernel)), uint32(len(ramdisk)))
	h.SecondSize = uint32(len(second))

	hdr, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}
	img := padToPage(hdr, pageSize)
	img = append(img, padToPage(kernel, pageSize)...)
	img = append(img, padToPage(ramdisk, pageSize)...)
	img = append(img, padToPage(second, pageSize)...)
	return img
}

func newHeader(pageSize, kernelSize, ramdiskSize uint32) *bootimg.Header {
	h := &bootimg.Header{
		KernelSize:  kernelSize,
		KernelAddr:  0x10008000,
		RamdiskSize: ramdiskSize,
		RamdiskAddr: 0x11000000,
		TagsAddr:    0x10000100,
		PageSize:    pageSize,
	}
	copy(h.Magic[:], bootimg.Magic)
	copy(h.Name[:], "testboard")
	copy(h.Cmdline[:], "console=ttyS0")
	return h
}

func padToPage(b []byte, pageSize uint32) []byte {
	if len(b) == 0 {
		return nil
	}
	rem := uint32(len(b)) % pageSize
	if rem == 0 {
		return b
	}
	return append(append([]byte{}, b...), make([]byte, pageSize-rem)...)
}

func TestHeaderRoundTrip(t *testing.T) {
	want := newHeader(2048, 5000, 1234)
	enc, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}
	if len(enc) != bootimg.HeaderSize {
		t.Fatalf("Encode() produced %d bytes, want %d", len(enc), bootimg.HeaderSize)
	}

	got, err := bootimg.ParseHeader(bytes.NewReader(enc))
	if err != nil {
		t.Fatalf("ParseHeader(): %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOffsets(t *testing.T) {
	tests := []struct {
		name           string
		pageSize       uint32
		kernelSize     uint32
		ramdiskSize    uint32
		wantKernelOff  int64
		wantRamdiskOff int64
		wantSecondOff  int64
	}{
		{
			name:           "kernel spills into a third page",
			pageSize:       2048,
			kernelSize:     5000,
			ramdiskSize:    100,
			wantKernelOff:  2048,
			wantRamdiskOff: 2048 + 3*2048,
			wantSecondOff:  2048 + 3*2048 + 2048,
		},
		{
			name:           "kernel is an exact page multiple, no extra page",
			pageSize:       2048,
			kernelSize:     4096,
			ramdiskSize:    2048,
			wantKernelOff:  2048,
			wantRamdiskOff: 2048 + 4096,
			wantSecondOff:  2048 + 4096 + 2048,
		},
		{
			name:           "single byte payloads",
			pageSize:       4096,
			kernelSize:     1,
			ramdiskSize:    1,
			wantKernelOff:  4096,
			wantRamdiskOff: 8192,
			wantSecondOff:  12288,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHeader(tt.pageSize, tt.kernelSize, tt.ramdiskSize)
			if got := h.KernelOffset(); got != tt.wantKernelOff {
				t.Errorf("KernelOffset() = %d, want %d", got, tt.wantKernelOff)
			}
			if got := h.RamdiskOffset(); got != tt.wantRamdiskOff {
				t.Errorf("RamdiskOffset() = %d, want %d", got, tt.wantRamdiskOff)
			}
			if got := h.SecondOffset(); got != tt.wantSecondOff {
				t.Errorf("SecondOffset() = %d, want %d", got, tt.wantSecondOff)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xAB}, 5000)
	ramdisk := bytes.Repeat([]byte{0xCD}, 3000)
	second := bytes.Repeat([]byte{0xEF}, 100)
	img := buildImage(t, 2048, kernel, ramdisk, second)
	r := bytes.NewReader(img)

	gotKernel, err := bootimg.ExtractKernel(r)
	if err != nil {
		t.Fatalf("ExtractKernel(): %v", err)
	}
	if !bytes.Equal(gotKernel, kernel) {
		t.Errorf("ExtractKernel() returned %d bytes, mismatch with %d byte payload", len(gotKernel), len(kernel))
	}

	gotRamdisk, err := bootimg.ExtractRamdisk(r)
	if err != nil {
		t.Fatalf("ExtractRamdisk(): %v", err)
	}
	if !bytes.Equal(gotRamdisk, ramdisk) {
		t.Errorf("ExtractRamdisk() returned %d bytes, mismatch with %d byte payload", len(gotRamdisk), len(ramdisk))
	}

	gotSecond, err := bootimg.ExtractSecond(r)
	if err != nil {
		t.Fatalf("ExtractSecond(): %v", err)
	}
	if !bytes.Equal(gotSecond, second) {
		t.Errorf("ExtractSecond() returned %d bytes, mismatch with %d byte payload", len(gotSecond), len(second))
	}
}

func TestExtractNoSecond(t *testing.T) {
	img := buildImage(t, 2048, []byte{1}, []byte{2}, nil)
	got, err := bootimg.ExtractSecond(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ExtractSecond(): %v", err)
	}
	if got != nil {
		t.Errorf("ExtractSecond() = %d bytes, want nil for second_size == 0", len(got))
	}
}

func TestExtractPageAlignedKernel(t *testing.T) {
	// A kernel that fills its pages exactly must not shift the ramdisk by
	// an extra page.
	kernel := bytes.Repeat([]byte{0xAB}, 4096)
	ramdisk := bytes.Repeat([]byte{0xCD}, 512)
	img := buildImage(t, 2048, kernel, ramdisk, nil)

	got, err := bootimg.ExtractRamdisk(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ExtractRamdisk(): %v", err)
	}
	if !bytes.Equal(got, ramdisk) {
		t.Errorf("ExtractRamdisk() mismatch for page-aligned kernel")
	}
}

func TestTruncatedImage(t *testing.T) {
	kernel := bytes.Repeat([]byte{0xAB}, 5000)
	ramdisk := bytes.Repeat([]byte{0xCD}, 3000)
	img := buildImage(t, 2048, kernel, ramdisk, nil)

	tests := []struct {
		name string
		img  []byte
	}{
		{"cut mid-kernel", img[:3000]},
		{"cut mid-ramdisk", img[:9000]},
		{"header only", img[:2048]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bootimg.ExtractRamdisk(bytes.NewReader(tt.img)); !errors.Is(err, bootimg.ErrTruncated) {
				t.Errorf("ExtractRamdisk() error = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*bootimg.Header)
		wantErr error
	}{
		{
			name:    "bad magic",
			mutate:  func(h *bootimg.Header) { copy(h.Magic[:], "NOTANDRD") },
			wantErr: bootimg.ErrBadMagic,
		},
		{
			name:    "zero page size",
			mutate:  func(h *bootimg.Header) { h.PageSize = 0 },
			wantErr: bootimg.ErrBadHeader,
		},
		{
			name:    "page size not a power of two",
			mutate:  func(h *bootimg.Header) { h.PageSize = 2000 },
			wantErr: bootimg.ErrBadHeader,
		},
		{
			name:    "zero kernel size",
			mutate:  func(h *bootimg.Header) { h.KernelSize = 0 },
			wantErr: bootimg.ErrBadHeader,
		},
		{
			name:    "zero ramdisk size",
			mutate:  func(h *bootimg.Header) { h.RamdiskSize = 0 },
			wantErr: bootimg.ErrBadHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHeader(2048, 100, 100)
			tt.mutate(h)
			enc, err := h.Encode()
			if err != nil {
				t.Fatalf("Encode(): %v", err)
			}
			if _, err := bootimg.ParseHeader(bytes.NewReader(enc)); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseHeaderTruncated(t *testing.T) {
	if _, err := bootimg.ParseHeader(bytes.NewReader([]byte("ANDROID!"))); !errors.Is(err, bootimg.ErrTruncated) {
		t.Errorf("ParseHeader() error = %v, want ErrTruncated", err)
	}
}

func TestBoardAndCommandLine(t *testing.T) {
	h := newHeader(2048, 1, 1)
	if got := h.Board(); got != "testboard" {
		t.Errorf("Board() = %q, want %q", got, "testboard")
	}
	if got := h.CommandLine(); got != "console=ttyS0" {
		t.Errorf("CommandLine() = %q, want %q", got, "console=ttyS0")
	}
}
