package observe

import (
	"io"
	"strings"

	"github.com/labstack/gommon/log"
)

// NewLogger builds the daemon logger. Unknown levels fall back to warn.
func NewLogger(prefix, level string, w io.Writer) *log.Logger {
	logger := log.New(prefix)
	if w != nil {
		logger.SetOutput(w)
	}
	logger.SetHeader("${time_rfc3339} ${level} ${prefix}")

	lvl, ok := ParseLevel(level)
	logger.SetLevel(lvl)
	if !ok {
		logger.Warnf("unknown loglevel: %s . fall-backed to warn", level)
	}
	return logger
}

// ParseLevel maps a level name to a gommon level
func ParseLevel(level string) (log.Lvl, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG, true
	case "info":
		return log.INFO, true
	case "warn", "":
		return log.WARN, true
	case "error":
		return log.ERROR, true
	case "off":
		return log.OFF, true
	default:
		return log.WARN, false
	}
}

// Discard returns a logger that writes nothing
func Discard() *log.Logger {
	logger := log.New("-")
	logger.SetOutput(io.Discard)
	logger.SetLevel(log.OFF)
	return logger
}
