// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testlog creates hclog loggers backed by testing.T so component
// logs land in the test output for the test that produced them.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	prefix string
	t      LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s%s", w.prefix, p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	if forceStderr() {
		return os.Stderr
	}
	return &writer{t: t}
}

// NewPrefixWriter creates a new io.Writer backed by a LogPrinter with a
// custom prefix per Write.
func NewPrefixWriter(t LogPrinter, prefix string) io.Writer {
	if forceStderr() {
		return prefixStderr{prefix}
	}
	return &writer{prefix, t}
}

// HCLogger returns a new test logger with the Trace level enabled.
func HCLogger(t LogPrinter) hclog.InterceptLogger {
	level := hclog.Trace
	envLogLevel := os.Getenv("WINDLASS_TEST_LOG_LEVEL")
	if envLogLevel != "" {
		level = hclog.LevelFromString(envLogLevel)
	}
	opts := &hclog.LoggerOptions{
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}

// forceStderr returns true when log output should bypass the test harness
// and go straight to stderr, controlled by the WINDLASS_TEST_STDERR env var.
// Useful when a test deadlocks and buffered logs are never flushed.
func forceStderr() bool {
	return os.Getenv("WINDLASS_TEST_STDERR") == "1"
}

type prefixStderr struct {
	prefix string
}

// Write to stderr.
func (w prefixStderr) Write(p []byte) (int, error) {
	if len(w.prefix) == 0 {
		return os.Stderr.Write(p)
	}

	// decrease likelihood of partial line writes
	buf := make([]byte, 0, len(w.prefix)+len(p))
	buf = append(buf, w.prefix...)
	buf = append(buf, p...)
	return os.Stderr.Write(buf)
}
