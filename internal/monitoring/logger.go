// Package monitoring holds the bridge's diagnostic logging and per-listener
// packet statistics.
package monitoring

import (
	"log"
	"sync"
)

var (
	logMu sync.RWMutex
	logf  func(format string, v ...interface{}) = log.Printf
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger so tests can redirect or mute it.
func Logf(format string, v ...interface{}) {
	logMu.RLock()
	f := logf
	logMu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
// The previous logger is returned so callers can restore it.
func SetLogger(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	logMu.Lock()
	defer logMu.Unlock()
	prev := logf
	if f == nil {
		logf = func(string, ...interface{}) {}
	} else {
		logf = f
	}
	return prev
}

// Prefixed returns a logger that tags every line with "[tag] ", matching the
// bracketed component style used throughout the bridge logs.
func Prefixed(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
