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

// Package digest computes the md5, sha1 and sha256 digests of a file in a
// single streaming pass.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"

	"github.com/google/whitelister/internal/units"
)

// Set holds the three raw digests of one file's content. The raw bytes are
// used verbatim as whitelist store keys.
type Set struct {
	MD5    []byte // 16 bytes
	SHA1   []byte // 20 bytes
	SHA256 []byte // 32 bytes
}

// Triple returns the digests in md5, sha1, sha256 order.
func (s Set) Triple() [][]byte {
	return [][]byte{s.MD5, s.SHA1, s.SHA256}
}

// File hashes the file at name in fsys. No partial digests are returned on
// error. Symbolic links are not detected here; the caller must filter them
// before calling.
func File(fsys fs.FS, name string) (Set, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return Set{}, fmt.Errorf("digest: opening %s: %w", name, err)
	}
	defer f.Close()
	s, err := FromReader(f)
	if err != nil {
		return Set{}, fmt.Errorf("digest: hashing %s: %w", name, err)
	}
	return s, nil
}

// FromReader hashes the content read from r, feeding each chunk into all
// three digest computations simultaneously.
func FromReader(r io.Reader) (Set, error) {
	m := md5.New()
	s1 := sha1.New()
	s256 := sha256.New()
	buf := make([]byte, units.MiB)
	if _, err := io.CopyBuffer(io.MultiWriter(m, s1, s256), r, buf); err != nil {
		return Set{}, err
	}
	return Set{
		MD5:    m.Sum(nil),
		SHA1:   s1.Sum(nil),
		SHA256: s256.Sum(nil),
	}, nil
}
