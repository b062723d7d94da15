package logging

import (
	"os"
	"strings"

	"github.com/phuslu/log"
)

// Setup configures the process-wide logger. Unknown levels fall back to
// info. JSON output is used when stderr is not a terminal.
func Setup(level string) {
	lvl := parseLevel(level)

	logger := log.Logger{
		Level:      lvl,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Writer:     &log.IOWriter{Writer: os.Stderr},
	}
	if log.IsTerminal(os.Stderr.Fd()) {
		logger.Writer = &log.ConsoleWriter{
			ColorOutput:    true,
			QuoteString:    true,
			EndWithMessage: true,
			Writer:         os.Stderr,
		}
	}
	log.DefaultLogger = logger
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
