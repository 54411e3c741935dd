// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger used by the
// authorization server, the identity provider and the CLI.
//
// Values logged under credential keys such as client_secret or
// refresh_token are replaced before they reach the encoder, so handlers
// can log request parameters without leaking them.
package logger

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//go:generate mockgen -destination=mocks/mock_reader.go -package=mocks -source=logger.go Reader

// Reader reads environment variables.
type Reader interface {
	Getenv(key string) string
}

// OSReader reads from the process environment.
type OSReader struct{}

// Getenv implements Reader.
func (*OSReader) Getenv(key string) string {
	return os.Getenv(key)
}

// Redacted replaces the value of every credential field.
const Redacted = "[REDACTED]"

var credentialKeys = map[string]struct{}{
	"access_token":  {},
	"authorization": {},
	"client_secret": {},
	"code":          {},
	"code_verifier": {},
	"id_token":      {},
	"password":      {},
	"refresh_token": {},
	"server_secret": {},
}

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(zap.NewNop().Sugar())
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Debug logs a message at debug level.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugw logs a message with key/value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) {
	get().Debugw(msg, keysAndValues...)
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Infof(msg, args...)
}

// Infow logs a message with key/value pairs at info level.
func Infow(msg string, keysAndValues ...any) {
	get().Infow(msg, keysAndValues...)
}

// Warn logs a message at warning level.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnw logs a message with key/value pairs at warning level.
func Warnw(msg string, keysAndValues ...any) {
	get().Warnw(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Errorf(msg, args...)
}

// Errorw logs a message with key/value pairs at error level.
func Errorw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries.
func Sync() {
	_ = get().Sync()
}

// Initialize installs the process logger. Output is human readable unless
// UNSTRUCTURED_LOGS is false, in which case it is JSON.
func Initialize() {
	InitializeWithEnv(&OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader Reader) {
	singleton.Store(zap.New(newCore(envReader, os.Stderr)).Sugar())
}

func newCore(envReader Reader, out zapcore.WriteSyncer) zapcore.Core {
	level := zapcore.InfoLevel
	if viper.GetBool("debug") {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	if unstructuredLogsWithEnv(envReader) {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.RFC3339TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}
	return redactingCore{Core: zapcore.NewCore(encoder, out, level)}
}

func unstructuredLogsWithEnv(envReader Reader) bool {
	unstructured, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// Unset or unparsable.
		return true
	}
	return unstructured
}

// redactingCore masks credential fields before they are encoded.
type redactingCore struct {
	zapcore.Core
}

func (c redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return redactingCore{Core: c.Core.With(redact(fields))}
}

func (c redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redact(fields))
}

func redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if _, ok := credentialKeys[strings.ToLower(f.Key)]; !ok {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(f.Key, Redacted)
	}
	if out == nil {
		return fields
	}
	return out
}
