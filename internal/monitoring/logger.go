// Package monitoring holds the process-wide diagnostic logger shared by the
// replay packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Debugf receives high-volume per-record diagnostics (skipped records,
// ignored config keys). It is muted unless SetVerbose(true) is called.
var Debugf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose routes Debugf through the current Logf when enabled.
func SetVerbose(enabled bool) {
	if !enabled {
		Debugf = func(string, ...interface{}) {}
		return
	}
	Debugf = func(format string, v ...interface{}) {
		Logf(format, v...)
	}
}
