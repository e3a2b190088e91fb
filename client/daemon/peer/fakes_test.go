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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

// fakeBackendClient is a hand-authored BackendClient double: no mockgen
// scaffolding is warranted for an interface this small, but it plays
// the same role the generated mocks in the teacher's gomock-based
// scheduler-client tests do. Every Get is served out of a single
// backing string sliced by its Range header, unless failURL matches.
type fakeBackendClient struct {
	mu sync.Mutex

	headContentLength uint64
	headStatus        int
	headErr           error

	body     string
	failURL  string
	getCalls []string
}

func (f *fakeBackendClient) Head(ctx context.Context, url string, header http.Header, timeout time.Duration) (*HeadResponse, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	status := f.headStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status >= 300 {
		return &HeadResponse{Success: false, StatusCode: status}, nil
	}
	return &HeadResponse{Success: true, StatusCode: status, ContentLength: f.headContentLength}, nil
}

func (f *fakeBackendClient) Get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*GetResponse, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, url)
	failed := f.failURL != "" && url == f.failURL
	f.mu.Unlock()

	if failed {
		return nil, dferrors.NewHTTPError(http.StatusServiceUnavailable, http.Header{"Retry-After": []string{"1"}}, "fake backend unavailable")
	}

	start, end, ok := parseRange(header.Get("Range"))
	body := f.body
	if ok && int(end) <= len(body) {
		body = body[start:end]
	}
	return &GetResponse{StatusCode: http.StatusPartialContent, Reader: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeBackendClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.getCalls)
}

// parseRange reads a "bytes=start-end" header into a half-open
// [start, end) slice bound, the inverse of RangeHeader.
func parseRange(header string) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err1 := strconv.ParseInt(parts[0], 10, 64)
	e, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return s, e + 1, true
}

// fakeAnnounceStream is a scripted AnnounceStream: Recv plays back a
// fixed queue of responses, Send records every outbound request so
// tests can assert on the scheduler conversation spec.md §8's
// end-to-end scenarios describe.
type fakeAnnounceStream struct {
	mu        sync.Mutex
	responses []*AnnouncePeerResponse
	sent      []*AnnouncePeerRequest
	closed    bool
}

func (f *fakeAnnounceStream) Send(req *AnnouncePeerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeAnnounceStream) Recv() (*AnnouncePeerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil, io.EOF
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeAnnounceStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAnnounceStream) sentRequests() []*AnnouncePeerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*AnnouncePeerRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeSchedulerClient hands back its scripted stream on every
// AnnouncePeer call, or fails with err when err is set.
type fakeSchedulerClient struct {
	stream *fakeAnnounceStream
	err    error
}

func (f *fakeSchedulerClient) AnnouncePeer(ctx context.Context) (AnnounceStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}
