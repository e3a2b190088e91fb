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

// Package idgen builds the identifiers task.mod.rs derives from a
// DownloadSpec: a content-addressed task id and its piece ids.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/google/uuid"
)

// TaskID hashes url + filter + tag + application into the task's
// identity, so two DownloadSpecs that resolve to the same content
// share a task and its cached pieces. The query parameters named in
// filter ("&"-separated, e.g. "key&sign") are dropped from url first.
func TaskID(url, filter, tag, application string) string {
	if filter != "" {
		if u, err := neturl.Parse(url); err == nil {
			q := u.Query()
			for _, key := range strings.Split(filter, "&") {
				q.Del(key)
			}
			u.RawQuery = q.Encode()
			url = u.String()
		}
	}

	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(filter))
	h.Write([]byte{0})
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(application))
	return hex.EncodeToString(h.Sum(nil))
}

// PieceID matches spec.md's Piece identity: "{task_id}-{number}".
func PieceID(taskID string, number int32) string {
	return fmt.Sprintf("%s-%d", taskID, number)
}

// PeerID mints a fresh identity for this daemon process, the way
// daemon.go calls idgen.UUIDString() when no host id is configured.
func PeerID(hostID string) string {
	return fmt.Sprintf("%s-%s", hostID, uuid.New().String())
}

func UUIDString() string {
	return uuid.New().String()
}
