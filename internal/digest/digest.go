/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package digest renders piece and content digests in the canonical
// "sha256:<hex>" form used throughout the metadata store and the
// wire protocol with the scheduler.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

const AlgorithmSHA256 = "sha256"

// Reader wraps an io.Reader, accumulating a running SHA-256 digest of
// every byte read through it. Callers read the whole body then call
// Digest to get the canonical string, the same shape as the teacher's
// digest-reader used in local_storage_subtask.go's WritePiece.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Digest returns the canonical "sha256:<hex>" string for everything
// read so far.
func (d *Reader) Digest() string {
	return Sha256Hex(d.h.Sum(nil))
}

func (d *Reader) Length() int64 {
	return d.n
}

func Sha256Hex(sum []byte) string {
	return fmt.Sprintf("%s:%s", AlgorithmSHA256, hex.EncodeToString(sum))
}

// SHA256FromBytes computes the canonical digest string of b directly,
// used when verifying a piece written in one shot.
func SHA256FromBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Sha256Hex(sum[:])
}

// Parse splits a canonical digest string into algorithm and hex value.
func Parse(digest string) (algorithm, value string, ok bool) {
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			return digest[:i], digest[i+1:], true
		}
	}
	return "", "", false
}
