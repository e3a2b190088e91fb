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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dragonflyoss/dfdaemon/client/daemon/storage/metadata"
)

func TestProgressChannelDoneEmitsDoneResponseAndCloses(t *testing.T) {
	pc := NewProgressChannel(4)
	pc.emit(&DownloadTaskResponse{Piece: &metadata.Piece{Number: 0}})
	pc.Done(10)

	var responses []*DownloadTaskResponse
	for r := range pc.Responses() {
		responses = append(responses, r)
	}
	require := assert.New(t)
	require.Len(responses, 2)
	require.False(responses[0].Done)
	require.True(responses[1].Done)
	require.Equal(uint64(10), responses[1].ContentLength)

	_, open := <-pc.Failures()
	require.False(open)
}

func TestProgressChannelFailClosesResponsesWithoutDoneEvent(t *testing.T) {
	pc := NewProgressChannel(4)
	pc.emit(&DownloadTaskResponse{Piece: &metadata.Piece{Number: 0}})
	pc.Fail("internal", "boom")

	var responses []*DownloadTaskResponse
	for r := range pc.Responses() {
		responses = append(responses, r)
	}
	assert.Len(t, responses, 1)
	assert.False(t, responses[0].Done)

	failure, open := <-pc.Failures()
	assert.True(t, open)
	assert.Equal(t, "internal", failure.Code)
	assert.Equal(t, "boom", failure.Message)

	_, open = <-pc.Failures()
	assert.False(t, open)
}
