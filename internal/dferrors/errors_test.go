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
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/dragonflyoss/dfdaemon/internal/dfcodes"
)

func TestGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid parameter", New(dfcodes.InvalidParameter, "bad"), codes.InvalidArgument},
		{"invalid content length", New(dfcodes.InvalidContentLength, "bad"), codes.InvalidArgument},
		{"task not found", ErrTaskNotFound, codes.NotFound},
		{"piece not found", ErrPieceNotFound, codes.NotFound},
		{"wait timeout", New(dfcodes.WaitForPieceFinishedTimeout, "timed out"), codes.DeadlineExceeded},
		{"digest mismatch falls to internal", New(dfcodes.PieceDigestMismatch, "mismatch"), codes.Internal},
		{"http error", NewHTTPError(503, nil, "unavailable"), codes.Unavailable},
		{"plain error", errors.New("boom"), codes.Internal},
		{"wrapped df error", errors.Wrap(New(dfcodes.TaskNotFound, "nope"), "context"), codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GRPCStatus(tt.err).Code())
		})
	}
}

func TestIsCode(t *testing.T) {
	err := Newf(dfcodes.PieceNotFound, "piece %s missing", "t1-0")
	assert.True(t, IsCode(err, dfcodes.PieceNotFound))
	assert.False(t, IsCode(err, dfcodes.TaskNotFound))
	assert.False(t, IsCode(errors.New("plain"), dfcodes.PieceNotFound))
}

func TestHTTPErrorMessage(t *testing.T) {
	err := NewHTTPError(503, http.Header{"Retry-After": []string{"5"}}, "service unavailable")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "service unavailable")
}

func TestDfErrorMessage(t *testing.T) {
	err := New(dfcodes.InvalidParameter, "piece_length must be > 0")
	assert.Equal(t, "[InvalidParameter] piece_length must be > 0", err.Error())
}
