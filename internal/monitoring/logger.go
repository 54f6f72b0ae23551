// Package monitoring holds the process-wide diagnostic log hook used by
// the library packages.
package monitoring

import "log"

// Logger is a printf-style log function.
type Logger func(format string, v ...interface{})

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf Logger = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f Logger) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a Logger that prefixes every message with name. Logf
// is resolved on each call, so a later SetLogger still applies.
func Component(name string) Logger {
	prefix := name + ": "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
