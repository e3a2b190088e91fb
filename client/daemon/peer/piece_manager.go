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

// Package peer holds the piece-acquisition machinery: PieceManager's
// planning and per-source fetch primitives, the BackendClient and
// SchedulerClient contracts, and the TaskOrchestrator that drives a
// single download_task call through its four phases.
package peer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage"
	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"
	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

// InterestedPiece is spec.md §3's transient derived record.
type InterestedPiece struct {
	Number uint32
	Offset uint64
	Length uint64
}

// ByteRange is the optional [Start, End) a DownloadSpec may request.
type ByteRange struct {
	Start uint64
	End   uint64
}

// PieceParentAssignment pairs an interested piece with the candidate
// parent round-robin chose to serve it.
type PieceParentAssignment struct {
	Piece  InterestedPiece
	Parent *CandidateParent
}

// PieceManager is the stateless helper of spec.md §4.4, bound to
// Storage plus the two external-collaborator interfaces.
type PieceManager struct {
	storage   storage.Storage
	backend   BackendClient
	scheduler SchedulerClient
	limiter   *rate.Limiter
}

type PieceManagerOption func(*PieceManager)

func WithLimiter(limiter *rate.Limiter) PieceManagerOption {
	return func(pm *PieceManager) { pm.limiter = limiter }
}

func NewPieceManager(s storage.Storage, backend BackendClient, scheduler SchedulerClient, opts ...PieceManagerOption) *PieceManager {
	pm := &PieceManager{storage: s, backend: backend, scheduler: scheduler}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// CalculateInterested is spec.md §4.4's calculate_interested.
func CalculateInterested(pieceLength, contentLength uint64, byteRange *ByteRange) ([]InterestedPiece, error) {
	if pieceLength == 0 {
		return nil, dferrors.New(dfcodes.InvalidParameter, "piece_length must be > 0")
	}

	var pieces []InterestedPiece
	numPieces := (contentLength + pieceLength - 1) / pieceLength
	if contentLength == 0 {
		numPieces = 0
	}

	for n := uint64(0); n < numPieces; n++ {
		offset := n * pieceLength
		length := pieceLength
		if offset+length > contentLength {
			length = contentLength - offset
		}

		if byteRange != nil {
			pieceEnd := offset + length
			if pieceEnd <= byteRange.Start || offset >= byteRange.End {
				continue
			}
		}

		pieces = append(pieces, InterestedPiece{Number: uint32(n), Offset: offset, Length: length})
	}

	return pieces, nil
}

// RemoveFinishedFromInterested is spec.md §4.4's
// remove_finished_from_interested: a set difference by piece number
// that preserves interested's order and is idempotent by construction
// (finished is consulted, never mutated).
func RemoveFinishedFromInterested(finished []uint32, interested []InterestedPiece) []InterestedPiece {
	done := make(map[uint32]struct{}, len(finished))
	for _, n := range finished {
		done[n] = struct{}{}
	}

	remaining := make([]InterestedPiece, 0, len(interested))
	for _, p := range interested {
		if _, ok := done[p.Number]; !ok {
			remaining = append(remaining, p)
		}
	}
	return remaining
}

// CollectInterestedFromRemotePeer is spec.md §4.4's
// collect_interested_from_remote_peer: round-robin assignment of
// not-yet-finished pieces across candidateParents.
func CollectInterestedFromRemotePeer(interested []InterestedPiece, candidateParents []*CandidateParent) []PieceParentAssignment {
	if len(candidateParents) == 0 {
		return nil
	}

	assignments := make([]PieceParentAssignment, 0, len(interested))
	for i, p := range interested {
		parent := candidateParents[i%len(candidateParents)]
		assignments = append(assignments, PieceParentAssignment{Piece: p, Parent: parent})
	}
	return assignments
}

// DownloadFromLocalPeer is spec.md §4.4's download_from_local_peer: it
// succeeds only when the piece is already committed locally.
func (pm *PieceManager) DownloadFromLocalPeer(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (io.ReadCloser, error) {
	return pm.storage.UploadPiece(ctx, taskID, number, pieceTimeout)
}

// DownloadFromRemotePeer is spec.md §4.4's download_from_remote_peer:
// it opens a ranged HTTP GET against the candidate parent's own piece
// service — the wire protocol a real dfdaemon peer exposes for
// exactly this purpose, matching the reference's
// PieceDownloader.DownloadPiece shape (Range header, non-2xx treated
// as a transport error) against a peer address instead of the origin.
func (pm *PieceManager) DownloadFromRemotePeer(ctx context.Context, taskID string, number uint32, parent *CandidateParent, offset, length uint64) (io.ReadCloser, error) {
	if pm.limiter != nil {
		if err := pm.limiter.WaitN(ctx, int(length)); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf("http://%s:%d/download/%s/pieces/%d", parent.IP, parent.Port, taskID, number)
	header := http.Header{"Range": []string{RangeHeader(offset, length)}}

	resp, err := pm.backend.Get(ctx, url, header, 0)
	if err != nil {
		return nil, err
	}
	return resp.Reader, nil
}

// DownloadFromSource is spec.md §4.4's download_from_source: reserve,
// ranged GET, write-and-verify against the content store, commit.
func (pm *PieceManager) DownloadFromSource(ctx context.Context, taskID string, number uint32, url string, offset, length uint64, header http.Header, timeout time.Duration) (*metadata.Piece, error) {
	if _, _, err := pm.storage.DownloadPieceStarted(ctx, taskID, number, timeout); err != nil {
		return nil, err
	}

	reqHeader := header.Clone()
	if reqHeader == nil {
		reqHeader = http.Header{}
	}
	reqHeader.Set("Range", RangeHeader(offset, length))

	resp, err := pm.backend.Get(ctx, url, reqHeader, timeout)
	if err != nil {
		_ = pm.storage.DownloadPieceFailed(taskID, number)
		return nil, err
	}
	defer resp.Reader.Close()

	piece, err := pm.storage.DownloadPieceFromSourceFinished(taskID, number, offset, resp.Reader)
	if err != nil {
		_ = pm.storage.DownloadPieceFailed(taskID, number)
		return nil, err
	}
	return piece, nil
}

// DownloadFromRemotePeerAndVerify fetches from parent and commits
// through Storage's digest-checked remote-peer path, folding spec.md
// §4.4's write_into_file_and_verify into the single commit call
// Storage already performs the write through. Reserves the piece
// first, the same as DownloadFromSource, since the commit path relies
// on a prior DownloadPieceStarted record existing.
func (pm *PieceManager) DownloadFromRemotePeerAndVerify(ctx context.Context, taskID string, number uint32, offset, length uint64, parent *CandidateParent, expectedDigest string, pieceTimeout time.Duration) (*metadata.Piece, error) {
	if _, _, err := pm.storage.DownloadPieceStarted(ctx, taskID, number, pieceTimeout); err != nil {
		return nil, err
	}

	r, err := pm.DownloadFromRemotePeer(ctx, taskID, number, parent, offset, length)
	if err != nil {
		_ = pm.storage.DownloadPieceFailed(taskID, number)
		return nil, err
	}
	defer r.Close()

	piece, err := pm.storage.DownloadPieceFromRemotePeerFinished(taskID, number, offset, parent.ID, expectedDigest, r)
	if err != nil {
		_ = pm.storage.DownloadPieceFailed(taskID, number)
		return nil, err
	}
	return piece, nil
}
