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

// Package metadata is the durable record of every Task and Piece this
// daemon has touched: their identity, offsets, digests and lifecycle
// state. It owns no content bytes — see client/daemon/storage/content
// for that — only the bookkeeping Storage needs to enforce write-once
// and wait-for-finished semantics.
package metadata

import (
	"fmt"
	"time"

	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

type TaskState string

const (
	TaskStateInProgress TaskState = "InProgress"
	TaskStateFinished   TaskState = "Finished"
	TaskStateFailed     TaskState = "Failed"
)

type PieceState string

const (
	PieceStatePending    PieceState = "Pending"
	PieceStateInProgress PieceState = "InProgress"
	PieceStateFinished   PieceState = "Finished"
	PieceStateFailed     PieceState = "Failed"
)

type TrafficType string

const (
	TrafficLocalPeer    TrafficType = "LocalPeer"
	TrafficRemotePeer   TrafficType = "RemotePeer"
	TrafficBackToSource TrafficType = "BackToSource"
)

// Task mirrors spec.md §3's Task record.
type Task struct {
	ID            string     `json:"id"`
	PieceLength   uint64     `json:"piece_length"`
	ContentLength *uint64    `json:"content_length,omitempty"`
	State         TaskState  `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Piece mirrors spec.md §3's Piece record.
type Piece struct {
	TaskID      string      `json:"task_id"`
	Number      uint32      `json:"number"`
	Offset      uint64      `json:"offset"`
	Length      uint64      `json:"length"`
	Digest      string      `json:"digest"`
	ParentID    *string     `json:"parent_id,omitempty"`
	TrafficType TrafficType `json:"traffic_type,omitempty"`
	State       PieceState  `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PieceID renders the canonical "{task_id}-{number}" form spec.md §3 names.
func PieceID(taskID string, number uint32) string {
	return fmt.Sprintf("%s-%d", taskID, number)
}

// Store is the MetadataStore contract of spec.md §4.1.
type Store interface {
	DownloadTaskStarted(taskID string, pieceLength uint64) error
	SetTaskContentLength(taskID string, contentLength uint64) error
	DownloadTaskFinished(taskID string) error
	DownloadTaskFailed(taskID string) error
	UploadTaskFinished(taskID string) error
	GetTask(taskID string) (*Task, error)
	GetTasks() ([]*Task, error)
	DeleteTask(taskID string) error

	// DownloadPieceStarted reserves a Pending piece for the caller. If a
	// record — pending or committed — already exists it is returned
	// unchanged; the caller inspects State to decide whether it won the
	// reservation.
	DownloadPieceStarted(taskID string, number uint32) (*Piece, error)
	DownloadPieceFinished(taskID string, number uint32, offset, length uint64, digestValue string, parentID *string, trafficType TrafficType) (*Piece, error)
	DownloadPieceFailed(taskID string, number uint32) error
	UploadPieceStarted(taskID string, number uint32) error
	UploadPieceFinished(taskID string, number uint32) error
	UploadPieceFailed(taskID string, number uint32) error
	GetPiece(taskID string, number uint32) (*Piece, error)
	GetPieces(taskID string) ([]*Piece, error)
	DeletePieces(taskID string) error
}

func errTaskNotFound(taskID string) error {
	return dferrors.Newf(dfcodes.TaskNotFound, "task %s not found", taskID)
}

func errPieceNotFound(taskID string, number uint32) error {
	return dferrors.Newf(dfcodes.PieceNotFound, "piece %s not found", PieceID(taskID, number))
}
