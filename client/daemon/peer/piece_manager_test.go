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

package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage"
	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

func TestCalculateInterestedNoRange(t *testing.T) {
	pieces, err := CalculateInterested(4, 10, nil)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	assert.Equal(t, InterestedPiece{Number: 0, Offset: 0, Length: 4}, pieces[0])
	assert.Equal(t, InterestedPiece{Number: 1, Offset: 4, Length: 4}, pieces[1])
	assert.Equal(t, InterestedPiece{Number: 2, Offset: 8, Length: 2}, pieces[2])

	var sum uint64
	for _, p := range pieces {
		sum += p.Length
	}
	assert.Equal(t, uint64(10), sum)
}

func TestCalculateInterestedRejectsZeroPieceLength(t *testing.T) {
	_, err := CalculateInterested(0, 10, nil)
	assert.True(t, dferrors.IsCode(err, dfcodes.InvalidParameter))
}

func TestCalculateInterestedWithRangeKeepsWholePieces(t *testing.T) {
	// range [5, 9) straddles pieces 1 and 2 without being aligned to
	// either boundary; both whole pieces must still come back.
	pieces, err := CalculateInterested(4, 10, &ByteRange{Start: 5, End: 9})
	require.NoError(t, err)
	require.Len(t, pieces, 2)
	assert.Equal(t, uint32(1), pieces[0].Number)
	assert.Equal(t, uint32(2), pieces[1].Number)
}

func TestRemoveFinishedFromInterestedPreservesOrderAndIsIdempotent(t *testing.T) {
	interested := []InterestedPiece{
		{Number: 0}, {Number: 1}, {Number: 2}, {Number: 3},
	}

	once := RemoveFinishedFromInterested([]uint32{1, 3}, interested)
	require.Len(t, once, 2)
	assert.Equal(t, uint32(0), once[0].Number)
	assert.Equal(t, uint32(2), once[1].Number)

	twice := RemoveFinishedFromInterested([]uint32{1, 3}, once)
	assert.Equal(t, once, twice)
}

func TestCollectInterestedFromRemotePeerRoundRobin(t *testing.T) {
	interested := []InterestedPiece{
		{Number: 0}, {Number: 1}, {Number: 2}, {Number: 3},
	}
	parents := []*CandidateParent{{ID: "p1"}, {ID: "p2"}}

	assignments := CollectInterestedFromRemotePeer(interested, parents)
	require.Len(t, assignments, 4)
	assert.Equal(t, "p1", assignments[0].Parent.ID)
	assert.Equal(t, "p2", assignments[1].Parent.ID)
	assert.Equal(t, "p1", assignments[2].Parent.ID)
	assert.Equal(t, "p2", assignments[3].Parent.ID)
}

func TestCollectInterestedFromRemotePeerEmptyCandidates(t *testing.T) {
	interested := []InterestedPiece{{Number: 0}}
	assert.Nil(t, CollectInterestedFromRemotePeer(interested, nil))
}

func TestDownloadFromSourceCommitsOnSuccess(t *testing.T) {
	s, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	backend := &fakeBackendClient{body: "WXYZ"}
	pm := NewPieceManager(s, backend, NewDummySchedulerClient())

	piece, err := pm.DownloadFromSource(context.Background(), "t1", 0, "http://origin/x", 0, 4, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), piece.Length)
}

func TestDownloadFromSourceHTTPErrorDoesNotCommit(t *testing.T) {
	s, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.DownloadTaskStarted("t1", 4))

	backend := &fakeBackendClient{failURL: "http://origin/x"}
	pm := NewPieceManager(s, backend, NewDummySchedulerClient())

	_, err = pm.DownloadFromSource(context.Background(), "t1", 0, "http://origin/x", 0, 4, nil, time.Second)
	require.Error(t, err)

	httpErr, ok := err.(*dferrors.HTTPError)
	require.True(t, ok)
	assert.Equal(t, 503, httpErr.StatusCode)
}
