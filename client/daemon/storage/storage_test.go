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

package storage

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"
	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
	"github.com/dragonflyoss/dfdaemon/internal/digest"
)

func newStorage(t *testing.T) Storage {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestDownloadTaskStartedRejectsZeroPieceLength(t *testing.T) {
	s := newStorage(t)
	err := s.DownloadTaskStarted("t1", 0)
	assert.True(t, dferrors.IsCode(err, dfcodes.InvalidParameter))
}

func TestDownloadPieceStartedCommittedShortCircuits(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 0, time.Second)
	require.NoError(t, err)
	_, err = s.DownloadPieceFromSourceFinished("t1", 0, 0, strings.NewReader("AAAA"))
	require.NoError(t, err)

	piece, alreadyFinished, err := s.DownloadPieceStarted(context.Background(), "t1", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, alreadyFinished)
	assert.Equal(t, metadata.PieceStateFinished, piece.State)
}

func TestDownloadPieceStartedReservesAbsentPiece(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	piece, alreadyFinished, err := s.DownloadPieceStarted(context.Background(), "t1", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, alreadyFinished)
	assert.Equal(t, metadata.PieceStatePending, piece.State)
}

// TestConcurrentDuplicatePieceRequest is spec.md §8 scenario 6: one
// caller reserves the piece, the other blocks in wait-for-finished and
// observes the committed record once the first caller commits.
func TestConcurrentDuplicatePieceRequest(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 5, 2*time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var secondAlreadyFinished bool
	var secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondAlreadyFinished, secondErr = s.DownloadPieceStarted(context.Background(), "t1", 5, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = s.DownloadPieceFromSourceFinished("t1", 5, 20, strings.NewReader("AAAA"))
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, secondErr)
	assert.True(t, secondAlreadyFinished)
}

func TestConcurrentDuplicatePieceRequestTimesOut(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 5, time.Second)
	require.NoError(t, err)

	_, _, err = s.DownloadPieceStarted(context.Background(), "t1", 5, 600*time.Millisecond)
	assert.True(t, dferrors.IsCode(err, dfcodes.WaitForPieceFinishedTimeout))
}

func TestDownloadPieceFromRemotePeerFinishedDigestMismatchDoesNotCommit(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))
	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 1, time.Second)
	require.NoError(t, err)

	_, err = s.DownloadPieceFromRemotePeerFinished("t1", 1, 4, "parent-1", "sha256:deadbeef", strings.NewReader("BBBB"))
	assert.True(t, dferrors.IsCode(err, dfcodes.PieceDigestMismatch))

	piece, err := s.GetPiece("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, metadata.PieceStatePending, piece.State)
}

func TestDownloadPieceFromRemotePeerFinishedCommitsOnMatch(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))
	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 1, time.Second)
	require.NoError(t, err)

	expected := digest.SHA256FromBytes([]byte("BBBB"))
	piece, err := s.DownloadPieceFromRemotePeerFinished("t1", 1, 4, "parent-1", expected, strings.NewReader("BBBB"))
	require.NoError(t, err)
	assert.Equal(t, metadata.PieceStateFinished, piece.State)
	assert.Equal(t, metadata.TrafficRemotePeer, piece.TrafficType)
}

func TestUploadPieceWaitsThenReturnsReader(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 0, time.Second)
	require.NoError(t, err)
	_, err = s.DownloadPieceFromSourceFinished("t1", 0, 0, strings.NewReader("AAAA"))
	require.NoError(t, err)

	r, err := s.UploadPiece(context.Background(), "t1", 0, time.Second)
	require.NoError(t, err)
	defer r.Close()
}

func TestUploadPieceNotFoundOnTimeout(t *testing.T) {
	s := newStorage(t)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	// piece 9 is reserved but never committed, so the upload's wait
	// for it to finish runs out
	_, _, err := s.DownloadPieceStarted(context.Background(), "t1", 9, time.Second)
	require.NoError(t, err)

	_, err = s.UploadPiece(context.Background(), "t1", 9, 200*time.Millisecond)
	assert.True(t, dferrors.IsCode(err, dfcodes.PieceNotFound))
}
