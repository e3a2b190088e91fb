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

// Package config holds the daemon-level options a download core run
// needs: where to keep data, how long to wait on a piece, and which
// schedulers to announce to.
package config

import (
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Host     *HostConfig     `yaml:"host" mapstructure:"host"`
	Download *DownloadConfig `yaml:"download" mapstructure:"download"`
	Storage  *StorageConfig  `yaml:"storage" mapstructure:"storage"`
}

type HostConfig struct {
	// ID identifies this daemon to the scheduler. Left empty, a random
	// UUID is generated at startup (internal/idgen.UUIDString).
	ID string `yaml:"id" mapstructure:"id"`

	// EnableIPv6 is carried in the configuration only; nothing in this
	// module reads it.
	EnableIPv6 bool `yaml:"enableIPv6" mapstructure:"enableIPv6"`
}

type DownloadConfig struct {
	// PieceTimeout bounds how long DownloadPieceStarted's
	// wait-for-finished poll loop (spec.md §5) waits for a concurrent
	// download of the same piece before giving up.
	PieceTimeout time.Duration `yaml:"pieceTimeout" mapstructure:"pieceTimeout"`

	// ConcurrentPieceCount bounds how many pieces the scheduler-assisted
	// phase fetches in flight at once (spec.md §9's concurrency bound).
	ConcurrentPieceCount int `yaml:"concurrentPieceCount" mapstructure:"concurrentPieceCount"`

	// RateLimit caps aggregate download bandwidth in bytes/second; zero
	// disables limiting.
	RateLimit int64 `yaml:"rateLimit" mapstructure:"rateLimit"`

	// SchedulerAddrs are the candidate scheduler endpoints. No scheduler
	// transport is built in, so the addresses are recorded but never
	// dialed: cmd/dfdaemon always uses the dummy scheduler client.
	SchedulerAddrs []string `yaml:"schedulerAddrs" mapstructure:"schedulerAddrs"`
}

type StorageConfig struct {
	// DataDir is the root directory metadata and content files live
	// under: {DataDir}/metadata and {DataDir}/content.
	DataDir string `yaml:"dataDir" mapstructure:"dataDir"`
}

// New returns a Config with the same defaults dfget's root command
// binds onto cobra flags before any config file or flag override is
// applied.
func New() *Config {
	return &Config{
		Host: &HostConfig{
			EnableIPv6: false,
		},
		Download: &DownloadConfig{
			PieceTimeout:         30 * time.Second,
			ConcurrentPieceCount: 4,
			RateLimit:            0,
		},
		Storage: &StorageConfig{
			DataDir: "/var/lib/dfdaemon",
		},
	}
}

func (c *Config) Validate() error {
	if c.Download.PieceTimeout <= 0 {
		return errors.New("download.pieceTimeout requires a positive duration")
	}

	if c.Download.ConcurrentPieceCount <= 0 {
		return errors.New("download.concurrentPieceCount requires a positive value")
	}

	if c.Storage.DataDir == "" {
		return errors.New("storage.dataDir is required")
	}

	return nil
}
