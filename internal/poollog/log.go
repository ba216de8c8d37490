// Package poollog owns the process-wide btclog backend the poolwatch
// daemon hands out to its packages. Every library package exposes the
// btcsuite-convention UseLogger/DisableLog pair and stays silent until
// the daemon wires it to one of this package's subsystem loggers; this
// package only manages the shared backend, the rotating log file, and
// the per-subsystem level controls.
package poollog

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags. Each component gets its own logger so log level can be
// tuned per component without touching the others.
const (
	SubsystemStratum    = "STRM"
	SubsystemChainwatch = "CHNR"
	SubsystemRules      = "RULE"
	SubsystemBus        = "BUSP"
	SubsystemAnalysis   = "ANLY"
	SubsystemStore      = "STOR"
)

var backendLog = btclog.NewBackend(os.Stdout)

// loggers holds one Logger per subsystem tag handed out so far, so
// SetLevels and a rotating-file re-init can reach all of them.
var loggers = make(map[string]btclog.Logger)

// Logger returns (creating if necessary) the logger for a subsystem tag.
// The daemon passes these to each package's UseLogger.
func Logger(tag string) btclog.Logger {
	if l, ok := loggers[tag]; ok {
		return l
	}
	l := backendLog.Logger(tag)
	l.SetLevel(btclog.LevelInfo)
	loggers[tag] = l
	return l
}

// SetLevels sets the log level of every known subsystem at once, the way
// btcd's --debuglevel flag does.
func SetLevels(level btclog.Level) {
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// Dump renders v as a multi-line struct dump suitable for Debug-level log
// lines, the way btcd's log.go uses spew.Sdump to render blocks/txs without
// paying the formatting cost unless the logger is actually at debug level.
func Dump(v interface{}) string {
	return spew.Sdump(v)
}

// InitRotatingFile redirects all subsystem logging to a size-rotated log
// file (in addition to stdout), the way btcd's log.go does via
// jrick/logrotate. thresholdKB is the roll size in kilobytes; maxRolls
// is the number of historical files kept. Call before handing loggers to
// the packages, or re-wire them afterwards.
func InitRotatingFile(path string, thresholdKB int64, maxRolls int) error {
	r, err := rotator.New(path, thresholdKB, false, maxRolls)
	if err != nil {
		return err
	}
	backendLog = btclog.NewBackend(io.MultiWriter(os.Stdout, r))
	for tag, l := range loggers {
		level := l.Level()
		loggers[tag] = backendLog.Logger(tag)
		loggers[tag].SetLevel(level)
	}
	return nil
}
