package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger is the process-wide logger. Replace it with SetLogger before
// constructing clients.
var Logger *zap.Logger

var current atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	SetLogger(l)
}

// SetLogger replaces the process-wide logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
	Logger = l
}

// Named returns a child of the current process logger.
func Named(name string) *zap.Logger {
	return current.Load().Named(name)
}

// OrDefault returns l, or a named child of the process logger when l is nil.
func OrDefault(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}
