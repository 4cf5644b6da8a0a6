// Package gokit provides a go-kit/log backed implementation of log.Logger.
package gokit

import (
	"fmt"
	"os"

	gklog "github.com/go-kit/kit/log"
	gklevel "github.com/go-kit/kit/log/level"

	"github.com/clockwork-project/cogwheelftp/log"
)

type gKLogger struct {
	logger gklog.Logger
}

func (logger *gKLogger) checkError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging backend error:", err)
	}
}

func (logger *gKLogger) log(gklogger gklog.Logger, event string, keyvals ...interface{}) {
	keyvals = append(keyvals, "event", event)
	logger.checkError(gklogger.Log(keyvals...))
}

// Debug logs key-values at debug level
func (logger *gKLogger) Debug(event string, keyvals ...interface{}) {
	logger.log(gklevel.Debug(logger.logger), event, keyvals...)
}

// Info logs key-values at info level
func (logger *gKLogger) Info(event string, keyvals ...interface{}) {
	logger.log(gklevel.Info(logger.logger), event, keyvals...)
}

// Warn logs key-values at warn level
func (logger *gKLogger) Warn(event string, keyvals ...interface{}) {
	logger.log(gklevel.Warn(logger.logger), event, keyvals...)
}

// Error logs an error at error level
func (logger *gKLogger) Error(event string, err error, keyvals ...interface{}) {
	if err != nil {
		keyvals = append(keyvals, "err", err)
	}

	logger.log(gklevel.Error(logger.logger), event, keyvals...)
}

// With adds key-values that will be attached to every subsequent log line
func (logger *gKLogger) With(keyvals ...interface{}) log.Logger {
	return New(gklog.With(logger.logger, keyvals...))
}

// New creates a Logger backed by an existing go-kit logger
func New(logger gklog.Logger) log.Logger {
	return &gKLogger{logger: logger}
}

// NewStdout creates a go-kit backed Logger writing logfmt lines to stdout
func NewStdout() log.Logger {
	return New(gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout)))
}

var (
	// DefaultCaller adds a "caller" property
	DefaultCaller = gklog.Caller(5)
	// DefaultTimestampUTC adds a "ts" property
	DefaultTimestampUTC = gklog.DefaultTimestampUTC
)
