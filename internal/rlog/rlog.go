// Package rlog implements redax.Log on top of the standard log package
// with a lumberjack-rotated sink, following the source's startLogger
// helper: a fixed-size, backed-up, gzip-compressed rotation policy.
package rlog

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xedaq/redax"
)

var severityNames = map[redax.Severity]string{
	redax.SeverityLocal:   "LOCAL",
	redax.SeverityDebug:   "DEBUG",
	redax.SeverityMessage: "MESSAGE",
	redax.SeverityWarning: "WARNING",
	redax.SeverityError:   "ERROR",
}

// Logger is a redax.Log backed by a rotating log file. Entries below
// MinSeverity are dropped before formatting (cheap: no wasted Sprintf).
type Logger struct {
	out         *log.Logger
	rotator     *lumberjack.Logger
	MinSeverity redax.Severity
}

// New opens (creating if necessary) path for rotated logging. MaxSize is
// in megabytes; the rotation policy (4 backups, 180 days, gzip) matches
// the source's startLogger defaults.
func New(path string, minSeverity redax.Severity) (*Logger, error) {
	if _, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err != nil {
		return nil, fmt.Errorf("rlog: open %s: %w", path, err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 4,
		MaxAge:     180,
		Compress:   true,
	}
	return &Logger{
		out:         log.New(rotator, "", log.LstdFlags),
		rotator:     rotator,
		MinSeverity: minSeverity,
	}, nil
}

// Entry implements redax.Log.
func (l *Logger) Entry(sev redax.Severity, format string, args ...interface{}) {
	if sev < l.MinSeverity {
		return
	}
	name, ok := severityNames[sev]
	if !ok {
		name = "UNKNOWN"
	}
	l.out.Printf("[%s] %s", name, fmt.Sprintf(format, args...))
}

// Close flushes and closes the underlying rotated file.
func (l *Logger) Close() error { return l.rotator.Close() }
