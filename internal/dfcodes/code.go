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

// Package dfcodes defines the closed set of error kinds the download
// core can surface, mirrored 1:1 from the error taxonomy.
package dfcodes

// Code identifies the kind of failure a DfError carries.
type Code int32

const (
	Success Code = iota
	InvalidParameter
	InvalidContentLength
	TaskNotFound
	PieceNotFound
	PieceDigestMismatch
	WaitForPieceFinishedTimeout
	HTTPError
	UnexpectedResponse
	Unknown
)

var names = map[Code]string{
	Success:                     "Success",
	InvalidParameter:            "InvalidParameter",
	InvalidContentLength:        "InvalidContentLength",
	TaskNotFound:                "TaskNotFound",
	PieceNotFound:               "PieceNotFound",
	PieceDigestMismatch:         "PieceDigestMismatch",
	WaitForPieceFinishedTimeout: "WaitForPieceFinishedTimeout",
	HTTPError:                   "HTTPError",
	UnexpectedResponse:          "UnexpectedResponse",
	Unknown:                     "Unknown",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "Unknown"
}
