// Package zap provides a go.uber.org/zap backed implementation of log.Logger,
// for operators who already run a zap-based logging pipeline.
package zap

import (
	"go.uber.org/zap"

	"github.com/clockwork-project/cogwheelftp/log"
)

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New wraps an existing *zap.Logger.
func New(logger *zap.Logger) log.Logger {
	return &zapLogger{sugar: logger.Sugar()}
}

// NewProduction builds a zap.NewProduction logger and wraps it.
func NewProduction() (log.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return New(logger), nil
}

func (l *zapLogger) Debug(event string, keyvals ...interface{}) {
	l.sugar.Debugw(event, keyvals...)
}

func (l *zapLogger) Info(event string, keyvals ...interface{}) {
	l.sugar.Infow(event, keyvals...)
}

func (l *zapLogger) Warn(event string, keyvals ...interface{}) {
	l.sugar.Warnw(event, keyvals...)
}

func (l *zapLogger) Error(event string, err error, keyvals ...interface{}) {
	if err != nil {
		keyvals = append(keyvals, "err", err)
	}

	l.sugar.Errorw(event, keyvals...)
}

func (l *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{sugar: l.sugar.With(keyvals...)}
}
