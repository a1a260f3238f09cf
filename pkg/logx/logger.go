package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides structured logging with key/value pairs on top of logrus.
// The zero value logs through the logrus standard logger.
type Logger struct {
	entry *logrus.Entry
	mu    sync.RWMutex
}

// NewLogger creates a logger for the given level and component.
// Unknown levels fall back to info.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	if strings.EqualFold(os.Getenv("NETLOC_LOG_FORMAT"), "text") {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	base.SetLevel(parseLevel(level))

	return &Logger{entry: base.WithField("component", component)}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *Logger) getEntry() *logrus.Entry {
	if l == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.entry
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) {
	l.getEntry().Logger.SetLevel(parseLevel(level))
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.getEntry().Logger.SetOutput(w)
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.getEntry().Logger.GetLevel().String()
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{entry: l.getEntry().WithFields(toFields(keyvals))}
}

// Trace logs at trace level
func (l *Logger) Trace(msg string, keyvals ...interface{}) {
	l.getEntry().WithFields(toFields(keyvals)).Trace(msg)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.getEntry().WithFields(toFields(keyvals)).Debug(msg)
}

// Info logs at info level
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.getEntry().WithFields(toFields(keyvals)).Info(msg)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.getEntry().WithFields(toFields(keyvals)).Warn(msg)
}

// Error logs at error level
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.getEntry().WithFields(toFields(keyvals)).Error(msg)
}

// LogVerbose logs an event with a field map at debug level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.getEntry().WithFields(logrus.Fields(fields)).WithField("event", event).Debug(event)
}

// LogDebugVerbose logs an event with a field map at trace level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.getEntry().WithFields(logrus.Fields(fields)).WithField("event", event).Trace(event)
}

// LogStateChange records a component state transition
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	l.getEntry().WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}).Info("state_change")
}

// toFields turns alternating key/value arguments into logrus fields.
// A single map argument is merged as-is.
func toFields(keyvals []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(keyvals); i++ {
		switch v := keyvals[i].(type) {
		case map[string]interface{}:
			for k, val := range v {
				fields[k] = val
			}
			continue
		case logrus.Fields:
			for k, val := range v {
				fields[k] = val
			}
			continue
		}

		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			fields["!BADKEY"] = key
			break
		}
		val := keyvals[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		fields[key] = val
		i++
	}
	return fields
}
