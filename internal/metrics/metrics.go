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

// Package metrics registers the collectors this download core
// contributes to a process-wide registry. Mounting them behind an
// HTTP handler is the host daemon's job, not this package's.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dfdaemon"

var (
	DownloadPeerTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "download_peer_total",
		Help:      "total pieces reported finished to a download's caller, by source tier",
	}, []string{"tier"})

	PieceDigestMismatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "piece_digest_mismatch_total",
		Help:      "total pieces rejected for a digest mismatch, by source tier",
	}, []string{"tier"})

	DownloadTaskDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "client",
		Name:      "download_task_duration_seconds",
		Help:      "task download wall-clock duration, by outcome",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})
)

// Register adds every collector in this package to reg. Called once
// by cmd/dfdaemon at startup; left unexposed over HTTP here.
func Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{DownloadPeerTotal, PieceDigestMismatchTotal, DownloadTaskDurationSeconds} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
