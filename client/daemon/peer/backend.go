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
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
	"github.com/dragonflyoss/dfdaemon/internal/dferrors"
)

// HeadResponse is the result of BackendClient.Head, per spec.md §4.6.
type HeadResponse struct {
	Success       bool
	StatusCode    int
	Header        http.Header
	ContentLength uint64
}

// GetResponse streams a ranged body; Reader must be closed by the caller.
type GetResponse struct {
	StatusCode int
	Header     http.Header
	Reader     io.ReadCloser
}

// BackendClient is the HEAD/GET contract of spec.md §4.6. Only the
// shape is specified here; TLS policy on the concrete implementation
// is out of scope, per spec.md §1.
type BackendClient interface {
	Head(ctx context.Context, url string, header http.Header, timeout time.Duration) (*HeadResponse, error)
	Get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*GetResponse, error)
}

// httpBackendClient is the concrete implementation grounded in the
// dfdaemon backend's reqwest-based HTTP client, translated to
// net/http. It always uses a permissive TLS verifier
// (InsecureSkipVerify); it takes no CA set, and its transport cannot
// be replaced from outside this package.
type httpBackendClient struct {
	client *http.Client
}

func NewHTTPBackendClient() BackendClient {
	return &httpBackendClient{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Head issues a GET rather than an HTTP HEAD: signed origin URLs
// frequently reject HEAD outright, the same reasoning the reference
// backend documents at its head() call site.
func (c *httpBackendClient) Head(ctx context.Context, url string, header http.Header, timeout time.Duration) (*HeadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	client := c.client
	if timeout > 0 {
		cloned := *c.client
		cloned.Timeout = timeout
		client = &cloned
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, dferrors.Newf(dfcodes.HTTPError, "head request failed: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HeadResponse{Success: false, StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	contentLengthStr := resp.Header.Get("Content-Length")
	if contentLengthStr == "" {
		return nil, dferrors.New(dfcodes.InvalidContentLength, "response has no Content-Length header")
	}
	contentLength, err := strconv.ParseUint(contentLengthStr, 10, 64)
	if err != nil {
		return nil, dferrors.Newf(dfcodes.InvalidContentLength, "unparseable Content-Length %q: %s", contentLengthStr, err)
	}

	return &HeadResponse{Success: true, StatusCode: resp.StatusCode, Header: resp.Header, ContentLength: contentLength}, nil
}

func (c *httpBackendClient) Get(ctx context.Context, url string, header http.Header, timeout time.Duration) (*GetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()

	client := c.client
	if timeout > 0 {
		cloned := *c.client
		cloned.Timeout = timeout
		client = &cloned
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, dferrors.Newf(dfcodes.HTTPError, "get request failed: %s", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, dferrors.NewHTTPError(resp.StatusCode, resp.Header, fmt.Sprintf("unexpected status for %s", url))
	}

	return &GetResponse{StatusCode: resp.StatusCode, Header: resp.Header, Reader: resp.Body}, nil
}

// RangeHeader renders the Range: bytes=... header spec.md §6 requires
// for a per-piece ranged GET.
func RangeHeader(offset, length uint64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
