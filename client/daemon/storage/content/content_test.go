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

package content

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfdaemon/internal/digest"
)

func newStore(t *testing.T) Store {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWritePieceThenReadPieceRoundTrips(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RegisterTask("t1"))

	n, digestValue, err := s.WritePiece("t1", 4, strings.NewReader("BBBB"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, digest.SHA256FromBytes([]byte("BBBB")), digestValue)

	r, err := s.ReadPiece("t1", 4, 4)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "BBBB", string(got))
}

func TestWritePieceAtDisjointOffsetsAssemblesFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RegisterTask("t1"))

	_, _, err := s.WritePiece("t1", 0, strings.NewReader("AAAA"))
	require.NoError(t, err)
	_, _, err = s.WritePiece("t1", 4, strings.NewReader("BBBB"))
	require.NoError(t, err)
	_, _, err = s.WritePiece("t1", 8, strings.NewReader("CC"))
	require.NoError(t, err)

	r, err := s.ReadPiece("t1", 0, 10)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBBCC", string(got))
}

func TestConcurrentWritesToDisjointOffsetsAreSafe(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RegisterTask("t1"))

	var wg sync.WaitGroup
	pieces := []string{"AAAA", "BBBB", "CCCC", "DDDD"}
	for i, p := range pieces {
		wg.Add(1)
		go func(offset int64, body string) {
			defer wg.Done()
			_, _, err := s.WritePiece("t1", offset, strings.NewReader(body))
			assert.NoError(t, err)
		}(int64(i*4), p)
	}
	wg.Wait()

	r, err := s.ReadPiece("t1", 0, 16)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "AAAABBBBCCCCDDDD", string(got))
}

func TestDeleteTaskRemovesFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.RegisterTask("t1"))
	_, _, err := s.WritePiece("t1", 0, strings.NewReader("AAAA"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask("t1"))

	_, err = s.ReadPiece("t1", 0, 4)
	assert.Error(t, err)
}
