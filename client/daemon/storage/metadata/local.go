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

package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

// taskRecord and pieceRecord each carry their own lock so that
// mutating one task or piece never blocks an unrelated one — the
// "must not hold a cross-piece lock" rule of spec.md §9.
type taskRecord struct {
	mu   sync.RWMutex
	task Task
}

type pieceRecord struct {
	mu    sync.RWMutex
	piece Piece
}

// localStore is the sync.Map-fronting-JSON-files MetadataStore, the
// same shape as client/daemon/storage.storageManager's in-memory index
// over per-task persistent metadata files.
type localStore struct {
	dataDir string
	tasks   sync.Map // taskID -> *taskRecord
	pieces  sync.Map // PieceID(taskID, number) -> *pieceRecord
}

// NewLocalStore creates a MetadataStore rooted at dataDir/metadata,
// reloading any records a prior process left behind.
func NewLocalStore(dataDir string) (Store, error) {
	s := &localStore{dataDir: filepath.Join(dataDir, "metadata")}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *localStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, taskID)
}

func (s *localStore) taskFile(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "task.json")
}

func (s *localStore) pieceFile(taskID string, number uint32) string {
	return filepath.Join(s.taskDir(taskID), "pieces", PieceID(taskID, number)+".json")
}

// reload rehydrates the in-memory index from disk at startup. Pieces
// are loaded only for tasks whose task.json reads back, and only once
// committed (Finished): a piece a crashed process left pending, failed
// or in progress has no commit record and is treated as absent.
func (s *localStore) reload() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()

		var task Task
		if b, err := os.ReadFile(s.taskFile(taskID)); err == nil {
			if err := json.Unmarshal(b, &task); err != nil {
				continue
			}
			s.tasks.Store(taskID, &taskRecord{task: task})
		} else {
			continue
		}

		pieceEntries, err := os.ReadDir(filepath.Join(s.taskDir(taskID), "pieces"))
		if err != nil {
			continue
		}
		for _, pe := range pieceEntries {
			b, err := os.ReadFile(filepath.Join(s.taskDir(taskID), "pieces", pe.Name()))
			if err != nil {
				continue
			}
			var piece Piece
			if err := json.Unmarshal(b, &piece); err != nil {
				continue
			}
			if piece.State != PieceStateFinished {
				continue
			}
			s.pieces.Store(PieceID(piece.TaskID, piece.Number), &pieceRecord{piece: piece})
		}
	}
	return nil
}

func (s *localStore) persistTask(t Task) error {
	if err := os.MkdirAll(s.taskDir(t.ID), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(s.taskFile(t.ID), b, 0o644)
}

func (s *localStore) persistPiece(p Piece) error {
	dir := filepath.Join(s.taskDir(p.TaskID), "pieces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(s.pieceFile(p.TaskID, p.Number), b, 0o644)
}

func (s *localStore) DownloadTaskStarted(taskID string, pieceLength uint64) error {
	now := time.Now()
	actual, loaded := s.tasks.LoadOrStore(taskID, &taskRecord{task: Task{
		ID:          taskID,
		PieceLength: pieceLength,
		State:       TaskStateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}})
	rec := actual.(*taskRecord)

	if !loaded {
		return s.persistTask(rec.task)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.PieceLength != pieceLength {
		return dferrors.Newf(dfcodes.InvalidParameter, "task %s already started with piece_length=%d, got %d", taskID, rec.task.PieceLength, pieceLength)
	}
	return nil
}

func (s *localStore) SetTaskContentLength(taskID string, contentLength uint64) error {
	v, ok := s.tasks.Load(taskID)
	if !ok {
		return errTaskNotFound(taskID)
	}
	rec := v.(*taskRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.task.ContentLength != nil {
		if *rec.task.ContentLength != contentLength {
			return dferrors.Newf(dfcodes.InvalidParameter, "task %s content_length already set to %d, got %d", taskID, *rec.task.ContentLength, contentLength)
		}
		return nil
	}

	rec.task.ContentLength = &contentLength
	rec.task.UpdatedAt = time.Now()
	return s.persistTask(rec.task)
}

func (s *localStore) terminalTransition(taskID string, state TaskState) error {
	v, ok := s.tasks.Load(taskID)
	if !ok {
		return errTaskNotFound(taskID)
	}
	rec := v.(*taskRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.task.State == TaskStateFinished || rec.task.State == TaskStateFailed {
		// Monotonic: a terminal state never regresses or re-fires.
		return nil
	}

	now := time.Now()
	rec.task.State = state
	rec.task.UpdatedAt = now
	rec.task.FinishedAt = &now
	return s.persistTask(rec.task)
}

func (s *localStore) DownloadTaskFinished(taskID string) error {
	return s.terminalTransition(taskID, TaskStateFinished)
}

func (s *localStore) DownloadTaskFailed(taskID string) error {
	return s.terminalTransition(taskID, TaskStateFailed)
}

func (s *localStore) UploadTaskFinished(taskID string) error {
	return s.terminalTransition(taskID, TaskStateFinished)
}

func (s *localStore) GetTask(taskID string) (*Task, error) {
	v, ok := s.tasks.Load(taskID)
	if !ok {
		return nil, errTaskNotFound(taskID)
	}
	rec := v.(*taskRecord)
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	t := rec.task
	return &t, nil
}

func (s *localStore) GetTasks() ([]*Task, error) {
	var tasks []*Task
	s.tasks.Range(func(_, v interface{}) bool {
		rec := v.(*taskRecord)
		rec.mu.RLock()
		t := rec.task
		rec.mu.RUnlock()
		tasks = append(tasks, &t)
		return true
	})
	return tasks, nil
}

func (s *localStore) DeleteTask(taskID string) error {
	s.tasks.Delete(taskID)
	if err := s.DeletePieces(taskID); err != nil {
		return err
	}
	return os.RemoveAll(s.taskDir(taskID))
}

func (s *localStore) DownloadPieceStarted(taskID string, number uint32) (*Piece, error) {
	now := time.Now()
	actual, loaded := s.pieces.LoadOrStore(PieceID(taskID, number), &pieceRecord{piece: Piece{
		TaskID:    taskID,
		Number:    number,
		State:     PieceStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}})
	rec := actual.(*pieceRecord)

	if !loaded {
		if err := s.persistPiece(rec.piece); err != nil {
			return nil, err
		}
	}

	rec.mu.RLock()
	p := rec.piece
	rec.mu.RUnlock()
	return &p, nil
}

func (s *localStore) DownloadPieceFinished(taskID string, number uint32, offset, length uint64, digestValue string, parentID *string, trafficType TrafficType) (*Piece, error) {
	v, ok := s.pieces.Load(PieceID(taskID, number))
	if !ok {
		return nil, errPieceNotFound(taskID, number)
	}
	rec := v.(*pieceRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.piece.State == PieceStateFinished {
		if rec.piece.Offset != offset || rec.piece.Length != length || rec.piece.Digest != digestValue {
			return nil, dferrors.Newf(dfcodes.InvalidParameter, "piece %s already committed with different fields", PieceID(taskID, number))
		}
		p := rec.piece
		return &p, nil
	}

	now := time.Now()
	rec.piece.Offset = offset
	rec.piece.Length = length
	rec.piece.Digest = digestValue
	rec.piece.ParentID = parentID
	rec.piece.TrafficType = trafficType
	rec.piece.State = PieceStateFinished
	rec.piece.UpdatedAt = now
	if err := s.persistPiece(rec.piece); err != nil {
		return nil, err
	}
	p := rec.piece
	return &p, nil
}

func (s *localStore) setPieceState(taskID string, number uint32, state PieceState) error {
	v, ok := s.pieces.Load(PieceID(taskID, number))
	if !ok {
		return errPieceNotFound(taskID, number)
	}
	rec := v.(*pieceRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// A committed piece is write-once: upload bookkeeping and late
	// failure reports never move it out of Finished.
	if rec.piece.State == PieceStateFinished {
		return nil
	}

	rec.piece.State = state
	rec.piece.UpdatedAt = time.Now()
	return s.persistPiece(rec.piece)
}

func (s *localStore) DownloadPieceFailed(taskID string, number uint32) error {
	return s.setPieceState(taskID, number, PieceStateFailed)
}

func (s *localStore) UploadPieceStarted(taskID string, number uint32) error {
	return s.setPieceState(taskID, number, PieceStateInProgress)
}

func (s *localStore) UploadPieceFinished(taskID string, number uint32) error {
	return s.setPieceState(taskID, number, PieceStateFinished)
}

func (s *localStore) UploadPieceFailed(taskID string, number uint32) error {
	return s.setPieceState(taskID, number, PieceStateFailed)
}

func (s *localStore) GetPiece(taskID string, number uint32) (*Piece, error) {
	v, ok := s.pieces.Load(PieceID(taskID, number))
	if !ok {
		return nil, errPieceNotFound(taskID, number)
	}
	rec := v.(*pieceRecord)
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	p := rec.piece
	return &p, nil
}

func (s *localStore) GetPieces(taskID string) ([]*Piece, error) {
	var pieces []*Piece
	s.pieces.Range(func(_, v interface{}) bool {
		rec := v.(*pieceRecord)
		rec.mu.RLock()
		if rec.piece.TaskID == taskID {
			p := rec.piece
			pieces = append(pieces, &p)
		}
		rec.mu.RUnlock()
		return true
	})
	return pieces, nil
}

func (s *localStore) DeletePieces(taskID string) error {
	var toDelete []string
	s.pieces.Range(func(k, v interface{}) bool {
		rec := v.(*pieceRecord)
		rec.mu.RLock()
		match := rec.piece.TaskID == taskID
		rec.mu.RUnlock()
		if match {
			toDelete = append(toDelete, k.(string))
		}
		return true
	})
	for _, k := range toDelete {
		s.pieces.Delete(k)
	}
	if err := os.RemoveAll(filepath.Join(s.taskDir(taskID), "pieces")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
