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

package dferrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
)

// DfError is the error type every download-core component returns.
// Callers recover it with errors.Cause, the same way
// manager/middlewares.Error() recovers *DfError from a gin error chain.
type DfError struct {
	Code    dfcodes.Code
	Message string
}

func (e *DfError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New builds a DfError, matching the d7y.io/dragonfly/v2/internal/dferrors
// constructor shape.
func New(code dfcodes.Code, msg string) *DfError {
	return &DfError{Code: code, Message: msg}
}

func Newf(code dfcodes.Code, format string, a ...interface{}) *DfError {
	return New(code, fmt.Sprintf(format, a...))
}

// HTTPError carries the origin/remote-peer HTTP response that failed a
// download, so the scheduler can be told status code and headers
// (download_piece_back_to_source_failed, spec.md §4.5).
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status=%d message=%s", e.StatusCode, e.Message)
}

func NewHTTPError(statusCode int, header http.Header, message string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Header: header, Message: message}
}

// Sentinel errors for the common not-found paths, matching
// storage/mod.rs's Error::TaskNotFound / Error::PieceNotFound.
var (
	ErrTaskNotFound  = New(dfcodes.TaskNotFound, "task not found")
	ErrPieceNotFound = New(dfcodes.PieceNotFound, "piece not found")
)

// GRPCStatus maps a DfError's Code onto the grpc status codes spec.md
// §4.5/§7 calls for, the way manager/middlewares.Error() maps
// *dferrors.DfError onto an HTTP status.
func GRPCStatus(err error) *status.Status {
	cause := errors.Cause(err)

	if dfErr, ok := cause.(*DfError); ok {
		switch dfErr.Code {
		case dfcodes.InvalidParameter, dfcodes.InvalidContentLength:
			return status.New(codes.InvalidArgument, dfErr.Message)
		case dfcodes.TaskNotFound, dfcodes.PieceNotFound:
			return status.New(codes.NotFound, dfErr.Message)
		case dfcodes.WaitForPieceFinishedTimeout:
			return status.New(codes.DeadlineExceeded, dfErr.Message)
		default:
			return status.New(codes.Internal, dfErr.Message)
		}
	}

	if httpErr, ok := cause.(*HTTPError); ok {
		return status.New(codes.Unavailable, httpErr.Error())
	}

	return status.New(codes.Internal, err.Error())
}

// IsCode reports whether err's cause is a *DfError with the given code.
func IsCode(err error, code dfcodes.Code) bool {
	dfErr, ok := errors.Cause(err).(*DfError)
	return ok && dfErr.Code == code
}
