package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFormat selects how log lines are rendered.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseLogFormat(s string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// record is one rendered log line.
type record struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// output is the destination shared by a logger and every logger derived from it.
type output struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

func (o *output) write(line []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.w.Write(line)
}

// StructuredLogger writes leveled lines carrying key/value fields. Loggers
// are immutable; WithField and WithComponent derive children that share the
// destination.
type StructuredLogger struct {
	out    *output
	level  LogLevel
	format LogFormat
	caller bool
	fields map[string]interface{}
}

// StructuredLoggerConfig holds configuration for the logger.
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	// File, when set, appends to the named file instead of Output.
	File string
}

// NewStructuredLogger creates a logger. A nil config logs INFO and above as
// text to stderr.
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = &StructuredLoggerConfig{Level: INFO}
	}

	out := &output{w: config.Output}
	if out.w == nil {
		out.w = os.Stderr
	}
	if config.File != "" {
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out.w = f
		out.closer = f
	}

	return &StructuredLogger{
		out:    out,
		level:  config.Level,
		format: config.Format,
		caller: config.IncludeCaller,
	}, nil
}

// NopLogger returns a logger that discards everything.
func NopLogger() *StructuredLogger {
	return &StructuredLogger{out: &output{w: io.Discard}, level: FATAL + 1}
}

// Level returns the minimum level written.
func (sl *StructuredLogger) Level() LogLevel { return sl.level }

// WithField returns a child logger that adds key=value to every line.
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	fields := make(map[string]interface{}, len(sl.fields)+1)
	for k, v := range sl.fields {
		fields[k] = v
	}
	fields[key] = value

	child := *sl
	child.fields = fields
	return &child
}

// WithComponent tags lines with the emitting component.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

func (sl *StructuredLogger) emit(level LogLevel, message string, extra []map[string]interface{}) {
	if level < sl.level {
		return
	}

	rec := record{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
	}
	if n := len(sl.fields) + len(extra); n > 0 {
		rec.Fields = make(map[string]interface{}, n)
		for k, v := range sl.fields {
			rec.Fields[k] = v
		}
		for _, m := range extra {
			for k, v := range m {
				rec.Fields[k] = v
			}
		}
	}
	if sl.caller {
		// skip emit and the level method
		if _, file, line, ok := runtime.Caller(2); ok {
			rec.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	if sl.format == FormatJSON {
		if data, err := json.Marshal(rec); err == nil {
			sl.out.write(append(data, '\n'))
			return
		}
	}
	sl.out.write([]byte(rec.text()))
}

func (r record) text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] ", r.Timestamp.Format("2006-01-02 15:04:05.000"), r.Level)
	if r.Caller != "" {
		fmt.Fprintf(&sb, "[%s] ", r.Caller)
	}
	sb.WriteString(r.Message)

	if len(r.Fields) > 0 {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%v", k, r.Fields[k])
		}
		sb.WriteString(" {" + strings.Join(pairs, ", ") + "}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

// Trace logs at TRACE.
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.emit(TRACE, message, fields)
}

// Debug logs at DEBUG.
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.emit(DEBUG, message, fields)
}

// Info logs at INFO.
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.emit(INFO, message, fields)
}

// Warn logs at WARN.
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.emit(WARN, message, fields)
}

// Error logs at ERROR.
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.emit(ERROR, message, fields)
}

// Close releases the log file, if one was opened.
func (sl *StructuredLogger) Close() error {
	if sl.out.closer != nil {
		return sl.out.closer.Close()
	}
	return nil
}
