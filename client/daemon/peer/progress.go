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

import "github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"

// DownloadTaskResponse is one progress event, spec.md §4.5: every
// finished piece emits exactly one of these in completion order.
type DownloadTaskResponse struct {
	ContentLength uint64
	Piece         *metadata.Piece
	Done          bool
}

// DownloadTaskFailure is the single terminal failure event a task may
// emit, spec.md §4.5/§7.
type DownloadTaskFailure struct {
	Code    string
	Message string
}

// ProgressChannel is the ordered per-piece egress of spec.md's
// ProgressChannel component: a single sender per task, the way
// peertask_file.go's progressCh is owned by exactly one filePeerTask.
type ProgressChannel struct {
	responses chan *DownloadTaskResponse
	failures  chan *DownloadTaskFailure
}

func NewProgressChannel(buffer int) *ProgressChannel {
	return &ProgressChannel{
		responses: make(chan *DownloadTaskResponse, buffer),
		failures:  make(chan *DownloadTaskFailure, 1),
	}
}

func (p *ProgressChannel) Responses() <-chan *DownloadTaskResponse {
	return p.responses
}

func (p *ProgressChannel) Failures() <-chan *DownloadTaskFailure {
	return p.failures
}

func (p *ProgressChannel) emit(resp *DownloadTaskResponse) {
	p.responses <- resp
}

// Fail delivers the single terminal failure event and closes the
// responses channel; partial progress already delivered remains a
// valid observation of successfully committed pieces (spec.md §7).
func (p *ProgressChannel) Fail(code, message string) {
	p.failures <- &DownloadTaskFailure{Code: code, Message: message}
	close(p.failures)
	close(p.responses)
}

// Done marks successful completion and closes both channels.
func (p *ProgressChannel) Done(contentLength uint64) {
	p.emit(&DownloadTaskResponse{ContentLength: contentLength, Done: true})
	close(p.failures)
	close(p.responses)
}
