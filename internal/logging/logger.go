// Package logging implements webhookd's structured field logger: every line
// is a level, a service name, a message, and a bag of caller-supplied
// fields, printed as one Go map literal per line.
package logging

import (
	"log"
	"os"
)

// Logger is a structured logger over the standard library's log.Logger.
type Logger struct {
	*log.Logger
	Service string
	level   int
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch s {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// New returns a Logger for service, writing to stdout, filtering out any
// line below minLevel ("debug", "info", "warn", "error"; unrecognized
// values default to "info").
func New(service, minLevel string) *Logger {
	return &Logger{
		Logger:  log.New(os.Stdout, "", 0),
		Service: service,
		level:   parseLevel(minLevel),
	}
}

// Debug logs msg at debug level with the given fields.
func (l *Logger) Debug(msg string, fields map[string]any) { l.log(levelDebug, "DEBUG", msg, fields) }

// Info logs msg at info level with the given fields.
func (l *Logger) Info(msg string, fields map[string]any) { l.log(levelInfo, "INFO", msg, fields) }

// Warn logs msg at warn level with the given fields.
func (l *Logger) Warn(msg string, fields map[string]any) { l.log(levelWarn, "WARN", msg, fields) }

// Error logs msg at error level with the given fields.
func (l *Logger) Error(msg string, fields map[string]any) { l.log(levelError, "ERROR", msg, fields) }

func (l *Logger) log(level int, levelName, msg string, fields map[string]any) {
	if level < l.level {
		return
	}
	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["level"] = levelName
	out["service"] = l.Service
	out["message"] = msg
	l.Logger.Println(out)
}
