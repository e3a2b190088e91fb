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

// Package content maps each task to a single sparse file on disk and
// reads or writes exact byte ranges of it — the ContentStore of
// spec.md §4.2. It never interprets piece state; that is Storage's job.
package content

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/dragonflyoss/dfdaemon/internal/digest"
)

// Store is the ContentStore contract of spec.md §4.2.
type Store interface {
	// RegisterTask ensures the backing file for taskID exists, so that
	// WritePiece never races file creation across goroutines or processes.
	RegisterTask(taskID string) error

	// WritePiece reads r to EOF, writes every byte at offset in the
	// task's file, and returns the actual length written plus the
	// streaming SHA-256 digest of exactly those bytes.
	WritePiece(taskID string, offset int64, r io.Reader) (length int64, digestValue string, err error)

	// ReadPiece returns a bounded reader over exactly length bytes
	// starting at offset; the caller must Close it.
	ReadPiece(taskID string, offset, length int64) (io.ReadCloser, error)

	DeleteTask(taskID string) error
}

type localStore struct {
	dataDir string
	locks   sync.Map // taskID -> *sync.Mutex, guards each task's seek+write pair
}

func NewLocalStore(dataDir string) (Store, error) {
	dir := filepath.Join(dataDir, "content")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &localStore{dataDir: dir}, nil
}

func (s *localStore) taskFile(taskID string) string {
	return filepath.Join(s.dataDir, taskID)
}

func (s *localStore) taskLock(taskID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(taskID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// RegisterTask creates the task's file if absent, holding an advisory
// flock across the check-then-create so two daemon processes racing
// to start the same task never truncate each other's file.
func (s *localStore) RegisterTask(taskID string) error {
	lockPath := s.taskFile(taskID) + ".lock"
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	f, err := os.OpenFile(s.taskFile(taskID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *localStore) WritePiece(taskID string, offset int64, r io.Reader) (int64, string, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.taskFile(taskID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, "", err
	}

	dr := digest.NewReader(r)
	n, err := io.Copy(f, dr)
	if err != nil {
		return 0, "", err
	}
	if err := f.Sync(); err != nil {
		return 0, "", err
	}

	return n, dr.Digest(), nil
}

func (s *localStore) ReadPiece(taskID string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.taskFile(taskID))
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

func (s *localStore) DeleteTask(taskID string) error {
	s.locks.Delete(taskID)
	if err := os.Remove(s.taskFile(taskID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(s.taskFile(taskID) + ".lock")
	return nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
