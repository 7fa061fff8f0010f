// Package logging provides the structured logging abstraction used
// across every component so the underlying sink (plain text, JSON)
// can be swapped without touching call sites.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/xstatenet/core/pkg/correlation"
)

// Logger is implemented by every logging sink the module uses.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	// WithFields returns a derived logger that includes the given
	// structured fields on every subsequent entry.
	WithFields(fields map[string]interface{}) Logger

	// WithContext returns a derived logger carrying the context's
	// correlation id as a field.
	WithContext(ctx context.Context) Logger
}

// Config configures the default Logger implementation.
type Config struct {
	JSONOutput bool
	Level      string
}

type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	config      Config
	fields      map[string]interface{}
}

// NewDefaultLogger returns a plain-text logger at DEBUG level.
func NewDefaultLogger() Logger {
	return NewLogger(Config{JSONOutput: false, Level: "DEBUG"})
}

// NewJSONLogger returns a JSON-structured logger at DEBUG level.
func NewJSONLogger() Logger {
	return NewLogger(Config{JSONOutput: true, Level: "DEBUG"})
}

// NewLogger builds a Logger from an explicit Config.
func NewLogger(cfg Config) Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
		config:      cfg,
		fields:      map[string]interface{}{},
	}
}

type logEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *defaultLogger) emit(level string, dest *log.Logger, message string) {
	if l.config.JSONOutput {
		entry := logEntry{Timestamp: time.Now().UTC().Format(time.RFC3339), Level: level, Message: message}
		if len(l.fields) > 0 {
			entry.Fields = l.fields
		}
		if data, err := json.Marshal(entry); err == nil {
			dest.Output(3, string(data))
			return
		}
		dest.Output(3, fmt.Sprintf("[%s] %s %v", level, message, l.fields))
		return
	}
	if len(l.fields) > 0 {
		dest.Output(3, fmt.Sprintf("%s %v", message, l.fields))
		return
	}
	dest.Output(3, message)
}

func (l *defaultLogger) Error(args ...interface{}) { l.emit("ERROR", l.errorLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.emit("ERROR", l.errorLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Warn(args ...interface{}) { l.emit("WARN", l.warnLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.emit("WARN", l.warnLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Info(args ...interface{}) { l.emit("INFO", l.infoLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.emit("INFO", l.infoLogger, fmt.Sprintf(format, args...))
}
func (l *defaultLogger) Debug(args ...interface{}) {
	l.emit("DEBUG", l.debugLogger, fmt.Sprint(args...))
}
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.emit("DEBUG", l.debugLogger, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &defaultLogger{
		errorLogger: l.errorLogger, warnLogger: l.warnLogger,
		infoLogger: l.infoLogger, debugLogger: l.debugLogger,
		config: l.config, fields: merged,
	}
}

func (l *defaultLogger) WithContext(ctx context.Context) Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	if id := correlation.Get(ctx); id != "" {
		fields["correlation_id"] = id
	}
	return &defaultLogger{
		errorLogger: l.errorLogger, warnLogger: l.warnLogger,
		infoLogger: l.infoLogger, debugLogger: l.debugLogger,
		config: l.config, fields: fields,
	}
}
