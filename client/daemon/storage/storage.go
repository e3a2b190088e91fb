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

// Package storage is the facade spec.md §4.3 describes: it composes
// MetadataStore and ContentStore and is the only place that enforces
// write-once commit and the wait-for-finished piece-singleton rule.
// TaskOrchestrator and PieceManager both hold it by reference and
// never reach into metadata/content directly.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/content"
	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"
	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
	"github.com/dragonflyoss/dfdaemon/internal/dflog"
	"github.com/dragonflyoss/dfdaemon/internal/metrics"
)

const waitInterval = 500 * time.Millisecond

// Storage is the facade of spec.md §4.3.
type Storage interface {
	DownloadTaskStarted(taskID string, pieceLength uint64) error
	SetTaskContentLength(taskID string, contentLength uint64) error
	GetTask(taskID string) (*metadata.Task, error)
	DownloadTaskFinished(taskID string) error
	DownloadTaskFailed(taskID string) error

	// DownloadPieceStarted reserves (task_id, number) for exactly one
	// concurrent writer, per spec.md §5's piece-singleton rule. It
	// returns the committed record immediately if one already exists.
	// If a Pending record exists it polls every waitInterval and returns
	// the committed record once it appears, or WaitForPieceFinishedTimeout
	// after pieceTimeout without reserving the piece. With no record, or
	// a record in any other state, it reserves the piece for the caller.
	DownloadPieceStarted(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (piece *metadata.Piece, alreadyFinished bool, err error)

	DownloadPieceFromSourceFinished(taskID string, number uint32, offset uint64, r io.Reader) (*metadata.Piece, error)
	DownloadPieceFromRemotePeerFinished(taskID string, number uint32, offset uint64, parentID string, expectedDigest string, r io.Reader) (*metadata.Piece, error)
	DownloadPieceFailed(taskID string, number uint32) error

	// UploadPiece waits (bounded by piece_timeout) for a piece to
	// become Finished, then returns a reader over its bytes.
	UploadPiece(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (io.ReadCloser, error)

	GetPiece(taskID string, number uint32) (*metadata.Piece, error)
	GetPieces(taskID string) ([]*metadata.Piece, error)

	// DiskUsage is a read-only diagnostic surfaced in logs; this core
	// enforces no eviction policy (non-goal, spec.md §1).
	DiskUsage() (*disk.UsageStat, error)
}

type storage struct {
	dataDir  string
	metadata metadata.Store
	content  content.Store
}

func New(dataDir string) (Storage, error) {
	m, err := metadata.NewLocalStore(dataDir)
	if err != nil {
		return nil, err
	}
	c, err := content.NewLocalStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &storage{dataDir: dataDir, metadata: m, content: c}, nil
}

func (s *storage) DownloadTaskStarted(taskID string, pieceLength uint64) error {
	if pieceLength == 0 {
		return dferrors.New(dfcodes.InvalidParameter, "piece_length must be > 0")
	}
	if err := s.content.RegisterTask(taskID); err != nil {
		return err
	}
	return s.metadata.DownloadTaskStarted(taskID, pieceLength)
}

func (s *storage) SetTaskContentLength(taskID string, contentLength uint64) error {
	return s.metadata.SetTaskContentLength(taskID, contentLength)
}

func (s *storage) GetTask(taskID string) (*metadata.Task, error) {
	return s.metadata.GetTask(taskID)
}

func (s *storage) DownloadTaskFinished(taskID string) error {
	return s.metadata.DownloadTaskFinished(taskID)
}

func (s *storage) DownloadTaskFailed(taskID string) error {
	return s.metadata.DownloadTaskFailed(taskID)
}

func (s *storage) DownloadPieceStarted(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (*metadata.Piece, bool, error) {
	piece, err := s.metadata.GetPiece(taskID, number)
	if err == nil && piece.State == metadata.PieceStateFinished {
		return piece, true, nil
	}

	if err == nil && piece.State == metadata.PieceStatePending {
		finished, waitErr := s.waitForPieceFinished(ctx, taskID, number, pieceTimeout)
		if waitErr == nil {
			return finished, true, nil
		}
		if !dferrors.IsCode(waitErr, dfcodes.WaitForPieceFinishedTimeout) {
			return nil, false, waitErr
		}
		// Timed out waiting on someone else: the spec leaves the
		// timed-out caller's own reservation semantics unspecified
		// beyond returning WaitForPieceFinishedTimeout, so surface
		// that directly rather than silently stealing the piece.
		return nil, false, waitErr
	}

	reserved, err := s.metadata.DownloadPieceStarted(taskID, number)
	if err != nil {
		return nil, false, err
	}
	return reserved, false, nil
}

func (s *storage) waitForPieceFinished(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (*metadata.Piece, error) {
	deadline := time.Now().Add(pieceTimeout)
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()

	for {
		piece, err := s.metadata.GetPiece(taskID, number)
		if err == nil && piece.State == metadata.PieceStateFinished {
			return piece, nil
		}
		if time.Now().After(deadline) {
			return nil, dferrors.Newf(dfcodes.WaitForPieceFinishedTimeout, "piece %s not finished within %s", metadata.PieceID(taskID, number), pieceTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *storage) DownloadPieceFromSourceFinished(taskID string, number uint32, offset uint64, r io.Reader) (*metadata.Piece, error) {
	length, digestValue, err := s.content.WritePiece(taskID, int64(offset), r)
	if err != nil {
		return nil, err
	}
	return s.metadata.DownloadPieceFinished(taskID, number, offset, uint64(length), digestValue, nil, metadata.TrafficBackToSource)
}

func (s *storage) DownloadPieceFromRemotePeerFinished(taskID string, number uint32, offset uint64, parentID string, expectedDigest string, r io.Reader) (*metadata.Piece, error) {
	length, digestValue, err := s.content.WritePiece(taskID, int64(offset), r)
	if err != nil {
		return nil, err
	}

	if digestValue != expectedDigest {
		dflog.WithTaskAndPieceID(taskID, int32(number)).Warnf("remote peer %s piece digest mismatch: got %s want %s", parentID, digestValue, expectedDigest)
		metrics.PieceDigestMismatchTotal.WithLabelValues("remote_peer").Inc()
		return nil, dferrors.Newf(dfcodes.PieceDigestMismatch, "piece %s digest mismatch", metadata.PieceID(taskID, number))
	}

	return s.metadata.DownloadPieceFinished(taskID, number, offset, uint64(length), digestValue, &parentID, metadata.TrafficRemotePeer)
}

func (s *storage) DownloadPieceFailed(taskID string, number uint32) error {
	return s.metadata.DownloadPieceFailed(taskID, number)
}

func (s *storage) UploadPiece(ctx context.Context, taskID string, number uint32, pieceTimeout time.Duration) (io.ReadCloser, error) {
	if err := s.metadata.UploadPieceStarted(taskID, number); err != nil {
		return nil, err
	}

	piece, err := s.waitForPieceFinished(ctx, taskID, number, pieceTimeout)
	if err != nil {
		_ = s.metadata.UploadPieceFailed(taskID, number)
		if dferrors.IsCode(err, dfcodes.WaitForPieceFinishedTimeout) {
			return nil, dferrors.ErrPieceNotFound
		}
		return nil, err
	}

	r, err := s.content.ReadPiece(taskID, int64(piece.Offset), int64(piece.Length))
	if err != nil {
		_ = s.metadata.UploadPieceFailed(taskID, number)
		return nil, err
	}

	if err := s.metadata.UploadPieceFinished(taskID, number); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

func (s *storage) GetPiece(taskID string, number uint32) (*metadata.Piece, error) {
	return s.metadata.GetPiece(taskID, number)
}

func (s *storage) GetPieces(taskID string) ([]*metadata.Piece, error) {
	return s.metadata.GetPieces(taskID)
}

func (s *storage) DiskUsage() (*disk.UsageStat, error) {
	usage, err := disk.Usage(s.dataDir)
	if err != nil {
		return nil, err
	}
	dflog.WithTaskID(s.dataDir).Infof("content store using %s of %s", units.BytesSize(float64(usage.Used)), units.BytesSize(float64(usage.Total)))
	return usage, nil
}
