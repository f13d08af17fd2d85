/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package rtunnel

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"sync"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common"
	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging packages.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the
// underlying logging package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's
// function name and source file line number. Use this function
// when the log has no fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": errors.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's
// function name and source file line number. Use this function
// when the log has fields. Note that any existing "trace" field
// will be renamed to "field.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	return logger.withTraceFields(errors.GetParentFunctionName(), fields)
}

func (logger *ContextLogger) withTraceFields(trace string, fields LogFields) *logrus.Entry {
	data := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		data[name] = value
	}
	if value, ok := data["trace"]; ok {
		data["fields.trace"] = value
	}
	data["trace"] = trace
	return logger.WithFields(data)
}

// LogMetric emits a metric log with the given name. Metric logs are
// emitted at the info level and carry an "event_name" field.
func (logger *ContextLogger) LogMetric(metric string, fields LogFields) {
	data := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		data[name] = value
	}
	if value, ok := data["event_name"]; ok {
		data["fields.event_name"] = value
	}
	data["event_name"] = metric
	logger.WithFields(data).Info(metric)
}

// CommonLogger wraps a ContextLogger as a common.Logger, for use by
// the core packages, which don't import logrus.
func CommonLogger(contextLogger *ContextLogger) common.Logger {
	return &commonLogger{
		contextLogger: contextLogger,
	}
}

type commonLogger struct {
	contextLogger *ContextLogger
}

func (logger *commonLogger) WithTrace() common.LogTrace {
	// Note: can't use logger.contextLogger.WithTrace as the trace
	// is the caller of this function, not the caller of WithTrace.
	return logger.contextLogger.withTraceFields(
		errors.GetParentFunctionName(), nil)
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	return logger.contextLogger.withTraceFields(
		errors.GetParentFunctionName(), LogFields(fields))
}

func (logger *commonLogger) LogMetric(metric string, fields common.LogFields) {
	logger.contextLogger.LogMetric(metric, LogFields(fields))
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

// Format implements logrus.Formatter. This is a customized version
// of the standard logrus.JSONFormatter adapted from:
// https://github.com/Sirupsen/logrus/blob/f1addc29722ba9f7651bc42b4198d0944b66e7c4/json_formatter.go
//
// The changes are:
// - "time" is renamed to "timestamp"
// - error values are logged as strings
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {

	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			// https://github.com/Sirupsen/logrus/issues/137
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *ContextLogger

var logFileMutex sync.Mutex
var logFile *rotate.RotatableFileWriter

// InitLogging configures a logger according to the specified
// config params. If not called, the default logger set by the
// package init() is used.
// Concurrency note: should only be called from the main
// goroutine.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {
		fileWriter, err := rotate.NewRotatableFileWriter(
			config.LogFilename, config.logFileReopenRetries, true, 0666)
		if err != nil {
			return errors.Trace(err)
		}

		logFileMutex.Lock()
		if logFile != nil {
			logFile.Close()
		}
		logFile = fileWriter
		logFileMutex.Unlock()

		logWriter = fileWriter
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

// ReopenLogFile reopens the log file, if any, after it has been
// rotated.
func ReopenLogFile() error {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()
	if logFile == nil {
		return nil
	}
	return errors.Trace(logFile.Reopen())
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	// For example, "net/http" logs messages such as:
	// "http: TLS handshake error from <client-ip-addr>:<port>: [...]: i/o timeout"
	go_log.SetOutput(io.Discard)

	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
