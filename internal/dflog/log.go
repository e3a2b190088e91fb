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

// Package dflog wraps zap the way the daemon expects to call it:
// package-level CoreLogger plus a With(...) that returns a logger
// carrying fixed fields (task id, peer id) across a call chain.
package dflog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// CoreLogger is the process-wide sugared logger. InitDaemon replaces
// it once the data directory (and therefore the log file path) is known.
var CoreLogger = zap.NewNop().Sugar()

// InitDaemon configures CoreLogger to write JSON lines to logDir,
// rotated by lumberjack, and to stderr when console is true.
func InitDaemon(logDir string, console bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logDir + "/dfdaemon.log",
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     7,
		Compress:   true,
	})

	cores := []zapcore.Core{zapcore.NewCore(encoder, fileWriter, zap.InfoLevel)}
	if console {
		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), zap.InfoLevel))
	}

	CoreLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
	return nil
}

// Package-level helpers delegate to CoreLogger directly, for call
// sites that have no task/piece id to attach.
func Infof(template string, args ...interface{})  { CoreLogger.Infof(template, args...) }
func Warnf(template string, args ...interface{})  { CoreLogger.Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { CoreLogger.Errorf(template, args...) }
func Debugf(template string, args ...interface{}) { CoreLogger.Debugf(template, args...) }
func Error(args ...interface{})                   { CoreLogger.Error(args...) }
func Info(args ...interface{})                    { CoreLogger.Info(args...) }

// SugaredLoggerOnWith is returned by With, carrying a fixed set of
// key/value pairs across every subsequent log call — the same
// pattern d7y.io/dragonfly/v2/internal/dflog uses so call sites read
// logger.WithTaskAndPeerID(...).Infof(...).
type SugaredLoggerOnWith struct {
	logger *zap.SugaredLogger
}

func With(args ...interface{}) *SugaredLoggerOnWith {
	return &SugaredLoggerOnWith{logger: CoreLogger.With(args...)}
}

func WithTaskID(taskID string) *SugaredLoggerOnWith {
	return With("task_id", taskID)
}

func WithTaskAndPieceID(taskID string, pieceNumber int32) *SugaredLoggerOnWith {
	return With("task_id", taskID, "piece_number", pieceNumber)
}

func (s *SugaredLoggerOnWith) Infof(template string, args ...interface{}) {
	s.logger.Infof(template, args...)
}

func (s *SugaredLoggerOnWith) Warnf(template string, args ...interface{}) {
	s.logger.Warnf(template, args...)
}

func (s *SugaredLoggerOnWith) Errorf(template string, args ...interface{}) {
	s.logger.Errorf(template, args...)
}

func (s *SugaredLoggerOnWith) Debugf(template string, args ...interface{}) {
	s.logger.Debugf(template, args...)
}
