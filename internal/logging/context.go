package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

func ContextWithLogger(parentCtx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(parentCtx, loggerContextKey, logger)
}

// ContextLogger returns the logger associated with the given context, or a
// logger writing to the logrus standard logger if there is none.
func ContextLogger(ctx context.Context) *logrus.Entry {
	logger, ok := ctx.Value(loggerContextKey).(*logrus.Entry)
	if !ok || logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger
}

// ContextWithFields returns a context whose logger has the given fields
// added to those of the logger in the parent context.
func ContextWithFields(parentCtx context.Context, fields logrus.Fields) context.Context {
	return ContextWithLogger(parentCtx, ContextLogger(parentCtx).WithFields(fields))
}

func ContextLoggerRequest(ctx context.Context, f string, args ...any) (*logrus.Entry, func()) {
	logger := ContextLogger(ctx)
	reqType := fmt.Sprintf(f, args...)
	logger.Debug("BEGIN ", reqType)
	return logger, func() {
		logger.Debug("END ", reqType)
	}
}

type contextKey string

const loggerContextKey = contextKey("logger")
