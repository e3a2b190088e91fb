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
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CandidateParent is a remote-peer source the scheduler nominates,
// spec.md §3.
type CandidateParent struct {
	ID   string
	IP   string
	Port int32
}

// AnnouncePeerRequest is the outbound half of the bidi stream,
// spec.md §4.7/§6. Exactly one of the typed fields is set per message,
// mirroring the reference's oneof.
type AnnouncePeerRequest struct {
	HostID string
	TaskID string
	PeerID string

	RegisterPeer                    *RegisterPeerRequest
	DownloadPeerStarted             *DownloadPeerStartedRequest
	DownloadPieceFinished           *DownloadPieceFinishedRequest
	DownloadPieceFailed             *DownloadPieceFailedRequest
	DownloadPieceBackToSourceFailed *DownloadPieceBackToSourceFailedRequest
}

type RegisterPeerRequest struct {
	URL         string
	PieceLength uint64
}

type DownloadPeerStartedRequest struct{}

type DownloadPieceFinishedRequest struct {
	PieceNumber uint32
	ParentID    string
}

// DownloadPieceFailedRequest reports a non-fatal per-piece failure.
// Temporary is always true for failures this core emits, per spec.md §6.
type DownloadPieceFailedRequest struct {
	PieceNumber uint32
	ParentID    string
	Temporary   bool
}

type HTTPResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
}

type DownloadPieceBackToSourceFailedRequest struct {
	PieceNumber uint32
	Response    HTTPResponse
}

// AnnouncePeerResponse is one inbound message, spec.md §4.7. Exactly
// one of EmptyTask/NormalTask/NeedBackToSource is non-nil.
type AnnouncePeerResponse struct {
	EmptyTask        *EmptyTaskResponse
	NormalTask       *NormalTaskResponse
	NeedBackToSource *NeedBackToSourceResponse
}

type EmptyTaskResponse struct{}

// PieceInfo carries the canonical digest the scheduler already knows
// for a piece it is offering from a candidate parent, so a remote-peer
// fetch can be verified the same way a source fetch is trusted.
type PieceInfo struct {
	Number uint32
	Offset uint64
	Length uint64
	Digest string
}

type NormalTaskResponse struct {
	CandidateParents []*CandidateParent
	PieceInfos       []*PieceInfo
}

type NeedBackToSourceResponse struct{}

// AnnounceStream is the bidirectional session spec.md §4.7 describes:
// Send pushes one outbound request, Recv blocks for the next inbound
// response. The concrete gRPC transport behind it is out of scope
// here (spec.md §1); implementations adapt a real grpc.ClientStream.
type AnnounceStream interface {
	Send(req *AnnouncePeerRequest) error
	Recv() (*AnnouncePeerResponse, error)
	CloseSend() error
}

// SchedulerClient is the interface of spec.md §4.7.
type SchedulerClient interface {
	AnnouncePeer(ctx context.Context) (AnnounceStream, error)
}

// dummySchedulerClient is the registration-failure fallback: every
// call fails fast with Unavailable, the same role
// client/daemon/peer/peertask_dummy.go's dummySchedulerClient plays
// when the real scheduler can't be reached at startup.
type dummySchedulerClient struct{}

func NewDummySchedulerClient() SchedulerClient {
	return &dummySchedulerClient{}
}

func (d *dummySchedulerClient) AnnouncePeer(ctx context.Context) (AnnounceStream, error) {
	return nil, status.Error(codes.Unavailable, "scheduler client unavailable")
}
