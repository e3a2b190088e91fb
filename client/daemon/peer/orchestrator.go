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
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage"
	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"
	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
	"github.com/dragonflyoss/dfdaemon/internal/dflog"
	"github.com/dragonflyoss/dfdaemon/internal/metrics"
)

// tierLabel maps a committed piece's traffic type to the "tier" label
// metrics.DownloadPeerTotal is keyed by.
func tierLabel(t metadata.TrafficType) string {
	switch t {
	case metadata.TrafficLocalPeer:
		return "local_peer"
	case metadata.TrafficRemotePeer:
		return "remote_peer"
	default:
		return "back_to_source"
	}
}

var tracer = otel.Tracer("dfdaemon/peer")

const defaultConcurrentPieceCount = 4

// DownloadSpec is spec.md §3's input record.
type DownloadSpec struct {
	URL         string
	Range       *ByteRange
	Header      http.Header
	OutputPath  string
	PieceLength uint64
	Timeout     time.Duration
}

// TaskOrchestrator drives spec.md §4.5's download_task_into_file
// pipeline for one task at a time.
type TaskOrchestrator struct {
	hostID       string
	storage      storage.Storage
	pieceManager *PieceManager
	backend      BackendClient
	scheduler    SchedulerClient
	concurrency  int

	completedLength atomic.Uint64
}

type OrchestratorOption func(*TaskOrchestrator)

func WithConcurrency(n int) OrchestratorOption {
	return func(o *TaskOrchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func NewTaskOrchestrator(hostID string, s storage.Storage, pm *PieceManager, backend BackendClient, scheduler SchedulerClient, opts ...OrchestratorOption) *TaskOrchestrator {
	o := &TaskOrchestrator{
		hostID:       hostID,
		storage:      s,
		pieceManager: pm,
		backend:      backend,
		scheduler:    scheduler,
		concurrency:  defaultConcurrentPieceCount,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// pieceTracker is a concurrency-safe bitmap of which interested piece
// numbers have committed, shared across the concurrent fetch workers
// Phase 3/4 run. It stands in for spec.md §4.4's finished-pieces set:
// RemoveFinishedFromInterested still takes the plain []uint32 the spec
// names, snapshotted from the bitmap at each check.
type pieceTracker struct {
	mu   sync.Mutex
	bits *bitset.BitSet
}

func newPieceTracker(interested []InterestedPiece, seed []uint32) *pieceTracker {
	var max uint32
	for _, p := range interested {
		if p.Number > max {
			max = p.Number
		}
	}
	t := &pieceTracker{bits: bitset.New(uint(max) + 1)}
	for _, n := range seed {
		t.mark(n)
	}
	return t
}

func (t *pieceTracker) mark(number uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bits.Set(uint(number))
}

func (t *pieceTracker) numbers() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for i, ok := t.bits.NextSet(0); ok; i, ok = t.bits.NextSet(i + 1) {
		out = append(out, uint32(i))
	}
	return out
}

// DownloadTaskIntoFile is spec.md §4.5's entrypoint: it starts the
// pipeline in the background and returns immediately, the same way
// filePeerTask.Start hands the caller a progress channel to drain
// rather than blocking the call site.
func (o *TaskOrchestrator) DownloadTaskIntoFile(ctx context.Context, taskID, peerID string, spec *DownloadSpec) *ProgressChannel {
	pc := NewProgressChannel(16)
	go o.run(ctx, taskID, peerID, spec, pc)
	return pc
}

func (o *TaskOrchestrator) run(ctx context.Context, taskID, peerID string, spec *DownloadSpec, pc *ProgressChannel) {
	ctx, span := tracer.Start(ctx, "download-task")
	defer span.End()

	start := time.Now()

	contentLength, interested, outputFile, err := o.preflight(ctx, taskID, spec)
	if err != nil {
		o.fail(pc, taskID, start, err)
		return
	}
	defer outputFile.Close()

	tracker := newPieceTracker(interested, o.localDrain(ctx, taskID, interested, outputFile, contentLength, spec.Timeout, pc))

	// spec.md §9: the reference calls the local-drain phase a second
	// time when the task was already Finished, discarding the first
	// result. That second call is a defect; this orchestrator calls
	// local drain exactly once, whether or not the task was already
	// Finished, and moves straight to completion once it alone
	// satisfies every interested piece.
	if len(RemoveFinishedFromInterested(tracker.numbers(), interested)) == 0 {
		o.finish(pc, taskID, start, contentLength)
		return
	}

	o.schedulerAssisted(ctx, taskID, peerID, spec, interested, tracker, outputFile, contentLength, pc)
	if len(RemoveFinishedFromInterested(tracker.numbers(), interested)) == 0 {
		o.finish(pc, taskID, start, contentLength)
		return
	}

	err = o.pureSourceFallback(ctx, taskID, spec, RemoveFinishedFromInterested(tracker.numbers(), interested), tracker, outputFile, contentLength, pc)
	if len(RemoveFinishedFromInterested(tracker.numbers(), interested)) == 0 && err == nil {
		o.finish(pc, taskID, start, contentLength)
		return
	}

	if err == nil {
		err = dferrors.New(dfcodes.Unknown, "not all pieces are downloaded with scheduler")
	}
	o.fail(pc, taskID, start, err)
}

func (o *TaskOrchestrator) finish(pc *ProgressChannel, taskID string, start time.Time, contentLength uint64) {
	if err := o.storage.DownloadTaskFinished(taskID); err != nil {
		dflog.WithTaskID(taskID).Errorf("mark task finished: %s", err)
	}
	metrics.DownloadTaskDurationSeconds.WithLabelValues("success").Observe(time.Since(start).Seconds())
	pc.Done(contentLength)
}

func (o *TaskOrchestrator) fail(pc *ProgressChannel, taskID string, start time.Time, err error) {
	if taskID != "" {
		_ = o.storage.DownloadTaskFailed(taskID)
	}
	metrics.DownloadTaskDurationSeconds.WithLabelValues("failure").Observe(time.Since(start).Seconds())
	pc.Fail(grpcCodeName(err), err.Error())
}

// grpcCodeName renders spec.md §4.5's three user-visible terminal
// codes from a DfError's grpc mapping.
func grpcCodeName(err error) string {
	switch dferrors.GRPCStatus(err).Code() {
	case codes.InvalidArgument:
		return "invalid_argument"
	case codes.NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// preflight is Phase 1: resolve content length, open the output file,
// and compute interested pieces.
func (o *TaskOrchestrator) preflight(ctx context.Context, taskID string, spec *DownloadSpec) (contentLength uint64, interested []InterestedPiece, outputFile *os.File, err error) {
	ctx, span := tracer.Start(ctx, "preflight")
	defer span.End()

	if spec.PieceLength == 0 {
		return 0, nil, nil, dferrors.New(dfcodes.InvalidParameter, "piece_length must be > 0")
	}

	if err = o.storage.DownloadTaskStarted(taskID, spec.PieceLength); err != nil {
		return 0, nil, nil, err
	}

	contentLength, err = o.getContentLength(ctx, taskID, spec)
	if err != nil {
		return 0, nil, nil, err
	}

	outputFile, err = os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, nil, nil, err
	}

	interested, err = CalculateInterested(spec.PieceLength, contentLength, spec.Range)
	if err != nil {
		outputFile.Close()
		return 0, nil, nil, err
	}

	return contentLength, interested, outputFile, nil
}

// getContentLength is spec.md §9's supplemented caching behavior:
// resolve once against MetadataStore, otherwise HEAD and persist.
func (o *TaskOrchestrator) getContentLength(ctx context.Context, taskID string, spec *DownloadSpec) (uint64, error) {
	if task, err := o.storage.GetTask(taskID); err == nil && task.ContentLength != nil {
		return *task.ContentLength, nil
	}

	head, err := o.backend.Head(ctx, spec.URL, spec.Header, spec.Timeout)
	if err != nil {
		return 0, err
	}
	if !head.Success {
		return 0, dferrors.Newf(dfcodes.UnexpectedResponse, "head %s returned status %d", spec.URL, head.StatusCode)
	}

	if err := o.storage.SetTaskContentLength(taskID, head.ContentLength); err != nil {
		return 0, err
	}
	return head.ContentLength, nil
}

// localDrain is Phase 2: every local-cache hit is written to the
// output file and reported; misses are logged and left pending for
// Phase 3, per spec.md §4.5. Local reads are cheap enough that this
// phase stays sequential; concurrency is reserved for network fetches.
func (o *TaskOrchestrator) localDrain(ctx context.Context, taskID string, interested []InterestedPiece, outputFile *os.File, contentLength uint64, pieceTimeout time.Duration, pc *ProgressChannel) []uint32 {
	ctx, span := tracer.Start(ctx, "local-drain")
	defer span.End()

	var finished []uint32
	for _, p := range interested {
		r, err := o.pieceManager.DownloadFromLocalPeer(ctx, taskID, p.Number, pieceTimeout)
		if err != nil {
			dflog.WithTaskAndPieceID(taskID, int32(p.Number)).Debugf("no local copy of piece: %s", err)
			continue
		}

		if err := writeAtOffset(outputFile, int64(p.Offset), r); err != nil {
			r.Close()
			dflog.WithTaskAndPieceID(taskID, int32(p.Number)).Errorf("write local piece to output: %s", err)
			continue
		}
		r.Close()

		o.emitProgress(pc, taskID, p.Number, contentLength, true)
		finished = append(finished, p.Number)
	}
	return finished
}

// schedulerAssisted is Phase 3: open the announce-peer stream and
// service every inbound response until every interested piece is
// finished or the stream ends without completion. Each NormalTask
// response fans its pieces out across up to o.concurrency workers,
// spec.md §9's bounded concurrency.
func (o *TaskOrchestrator) schedulerAssisted(ctx context.Context, taskID, peerID string, spec *DownloadSpec, interested []InterestedPiece, tracker *pieceTracker, outputFile *os.File, contentLength uint64, pc *ProgressChannel) {
	ctx, span := tracer.Start(ctx, "scheduler-assisted")
	defer span.End()

	stream, err := o.scheduler.AnnouncePeer(ctx)
	if err != nil {
		dflog.WithTaskID(taskID).Warnf("open scheduler stream: %s", err)
		return
	}
	defer stream.CloseSend()

	var sendMu sync.Mutex
	send := func(req *AnnouncePeerRequest) {
		req.HostID, req.TaskID, req.PeerID = o.hostID, taskID, peerID
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := stream.Send(req); err != nil {
			dflog.WithTaskID(taskID).Warnf("send to scheduler: %s", err)
		}
	}

	send(&AnnouncePeerRequest{RegisterPeer: &RegisterPeerRequest{URL: spec.URL, PieceLength: spec.PieceLength}})
	send(&AnnouncePeerRequest{DownloadPeerStarted: &DownloadPeerStartedRequest{}})

	for {
		resp, err := stream.Recv()
		if err != nil {
			return
		}

		switch {
		case resp.EmptyTask != nil:
			return

		case resp.NormalTask != nil:
			remaining := RemoveFinishedFromInterested(tracker.numbers(), interested)
			digests := make(map[uint32]string, len(resp.NormalTask.PieceInfos))
			for _, pi := range resp.NormalTask.PieceInfos {
				digests[pi.Number] = pi.Digest
			}
			assignments := CollectInterestedFromRemotePeer(remaining, resp.NormalTask.CandidateParents)

			g, gctx := errgroup.WithContext(ctx)
			sem := make(chan struct{}, o.concurrency)
			for _, a := range assignments {
				assignment := a
				sem <- struct{}{}
				g.Go(func() error {
					defer func() { <-sem }()
					o.fetchFromRemotePeer(gctx, taskID, assignment, digests, outputFile, contentLength, spec.Timeout, tracker, pc, send)
					return nil
				})
			}
			_ = g.Wait()

		case resp.NeedBackToSource != nil:
			remaining := RemoveFinishedFromInterested(tracker.numbers(), interested)
			for _, p := range remaining {
				_, err := o.pieceManager.DownloadFromSource(ctx, taskID, p.Number, spec.URL, p.Offset, p.Length, spec.Header, spec.Timeout)
				if err != nil {
					if httpErr, ok := err.(*dferrors.HTTPError); ok {
						send(&AnnouncePeerRequest{DownloadPieceBackToSourceFailed: &DownloadPieceBackToSourceFailedRequest{
							PieceNumber: p.Number,
							Response:    HTTPResponse{StatusCode: httpErr.StatusCode, Status: http.StatusText(httpErr.StatusCode), Header: httpErr.Header},
						}})
					}
					// Fatal to Phase 3: stop here and let the caller fall
					// back to a pure-source pass over whatever remains.
					return
				}

				if err := o.writeCommittedPieceToFile(ctx, taskID, p.Number, p.Offset, outputFile, spec.Timeout); err != nil {
					dflog.WithTaskAndPieceID(taskID, int32(p.Number)).Errorf("write back-to-source piece to output: %s", err)
					return
				}

				o.emitProgress(pc, taskID, p.Number, contentLength, false)
				send(&AnnouncePeerRequest{DownloadPieceFinished: &DownloadPieceFinishedRequest{PieceNumber: p.Number}})
				tracker.mark(p.Number)
			}
		}

		if len(RemoveFinishedFromInterested(tracker.numbers(), interested)) == 0 {
			return
		}
	}
}

// fetchFromRemotePeer is one concurrent worker's unit of work inside a
// NormalTask response: fetch-and-verify against its assigned parent,
// write into the output file, report success or failure.
func (o *TaskOrchestrator) fetchFromRemotePeer(ctx context.Context, taskID string, assignment PieceParentAssignment, digests map[uint32]string, outputFile *os.File, contentLength uint64, pieceTimeout time.Duration, tracker *pieceTracker, pc *ProgressChannel, send func(*AnnouncePeerRequest)) {
	piece, parent := assignment.Piece, assignment.Parent

	_, err := o.pieceManager.DownloadFromRemotePeerAndVerify(ctx, taskID, piece.Number, piece.Offset, piece.Length, parent, digests[piece.Number], pieceTimeout)
	if err != nil {
		dflog.WithTaskAndPieceID(taskID, int32(piece.Number)).Warnf("remote peer %s fetch failed: %s", parent.ID, err)
		send(&AnnouncePeerRequest{DownloadPieceFailed: &DownloadPieceFailedRequest{PieceNumber: piece.Number, ParentID: parent.ID, Temporary: true}})
		return
	}

	if err := o.writeCommittedPieceToFile(ctx, taskID, piece.Number, piece.Offset, outputFile, pieceTimeout); err != nil {
		dflog.WithTaskAndPieceID(taskID, int32(piece.Number)).Errorf("write remote piece to output: %s", err)
		return
	}

	o.emitProgress(pc, taskID, piece.Number, contentLength, false)
	send(&AnnouncePeerRequest{DownloadPieceFinished: &DownloadPieceFinishedRequest{PieceNumber: piece.Number, ParentID: parent.ID}})
	tracker.mark(piece.Number)
}

// pureSourceFallback is Phase 4: the last resort over whatever pieces
// remain, used both when the scheduler stream ends early and when a
// back-to-source HTTP error aborted Phase 3. Fetches run concurrently,
// bounded the same way Phase 3's NormalTask fan-out is.
func (o *TaskOrchestrator) pureSourceFallback(ctx context.Context, taskID string, spec *DownloadSpec, remaining []InterestedPiece, tracker *pieceTracker, outputFile *os.File, contentLength uint64, pc *ProgressChannel) error {
	ctx, span := tracer.Start(ctx, "pure-source-fallback")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, o.concurrency)
	for _, p := range remaining {
		piece := p
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			_, err := o.pieceManager.DownloadFromSource(gctx, taskID, piece.Number, spec.URL, piece.Offset, piece.Length, spec.Header, spec.Timeout)
			if err != nil {
				return err
			}
			if err := o.writeCommittedPieceToFile(gctx, taskID, piece.Number, piece.Offset, outputFile, spec.Timeout); err != nil {
				return err
			}

			o.emitProgress(pc, taskID, piece.Number, contentLength, false)
			tracker.mark(piece.Number)
			return nil
		})
	}

	return g.Wait()
}

// writeCommittedPieceToFile reads a piece already committed to the
// content store back out and writes it into the caller's output file
// at its offset, the step spec.md §4.4's write_into_file_and_verify
// performs once Storage has already verified the digest.
func (o *TaskOrchestrator) writeCommittedPieceToFile(ctx context.Context, taskID string, number uint32, offset uint64, outputFile *os.File, pieceTimeout time.Duration) error {
	r, err := o.pieceManager.DownloadFromLocalPeer(ctx, taskID, number, pieceTimeout)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeAtOffset(outputFile, int64(offset), r)
}

// emitProgress reports one finished piece. A piece served from the
// local cache (fromLocal) is reported with LocalPeer traffic, whichever
// tier originally committed it.
func (o *TaskOrchestrator) emitProgress(pc *ProgressChannel, taskID string, number uint32, contentLength uint64, fromLocal bool) {
	piece, err := o.storage.GetPiece(taskID, number)
	if err != nil {
		dflog.WithTaskAndPieceID(taskID, int32(number)).Errorf("read back committed piece for progress: %s", err)
		return
	}
	if fromLocal {
		piece.TrafficType = metadata.TrafficLocalPeer
	}
	o.completedLength.Add(piece.Length)
	metrics.DownloadPeerTotal.WithLabelValues(tierLabel(piece.TrafficType)).Inc()
	pc.emit(&DownloadTaskResponse{ContentLength: contentLength, Piece: piece})
}

// writeAtOffset uses WriteAt rather than Seek+Write so concurrent
// workers writing disjoint ranges of the same *os.File never race.
func writeAtOffset(f *os.File, offset int64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, offset)
	return err
}
