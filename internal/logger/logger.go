package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type Logger struct {
	serviceName string
	level       Level
	console     bool

	mu  sync.Mutex
	out io.Writer
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
}

type Fields map[string]any

type Options struct {
	Level  string
	Format string // "json" (default) or "console"
	Output io.Writer
}

type contextKey string

const RequestIDKey contextKey = "request_id"

var defaultLogger *Logger

func New(serviceName string, opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		serviceName: serviceName,
		level:       ParseLevel(opts.Level),
		console:     opts.Format == "console",
		out:         out,
	}
}

// Init installs the package-level logger used by Info, Warn, Error and Debug.
func Init(serviceName string, opts Options) {
	defaultLogger = New(serviceName, opts)
}

func (l *Logger) log(level Level, ctx context.Context, message string, err error, fields Fields) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Service:   l.serviceName,
		RequestID: RequestID(ctx),
		Message:   message,
		Fields:    fields,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	var line []byte
	if l.console {
		line = []byte(formatConsole(entry))
	} else {
		data, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			log.Printf("JSON marshal error: %v, original message: %s", marshalErr, message)
			return
		}
		line = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(line)
	io.WriteString(l.out, "\n")
}

var levelColors = map[string]*color.Color{
	"debug": color.New(color.FgHiBlack),
	"info":  color.New(color.FgGreen),
	"warn":  color.New(color.FgYellow),
	"error": color.New(color.FgRed, color.Bold),
}

func formatConsole(e LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(levelColors[e.Level].Sprintf("%-5s", strings.ToUpper(e.Level)))
	b.WriteByte(' ')
	if e.RequestID != "" {
		b.WriteString(color.CyanString("[%s] ", e.RequestID))
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	if e.Error != "" {
		b.WriteString(color.RedString(" error=%q", e.Error))
	}
	return b.String()
}

func (l *Logger) Info(ctx context.Context, message string, fields ...Fields) {
	l.log(LevelInfo, ctx, message, nil, first(fields))
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...Fields) {
	l.log(LevelWarn, ctx, message, nil, first(fields))
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...Fields) {
	l.log(LevelDebug, ctx, message, nil, first(fields))
}

func (l *Logger) Error(ctx context.Context, message string, err error, fields ...Fields) {
	l.log(LevelError, ctx, message, err, first(fields))
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Package-level convenience functions using the default logger
func Info(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s", message)
		return
	}
	defaultLogger.Info(ctx, message, fields...)
}

func Error(ctx context.Context, message string, err error, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s, error: %v", message, err)
		return
	}
	defaultLogger.Error(ctx, message, err, fields...)
}

func Warn(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		log.Printf("Logger not initialized, falling back to standard log: %s", message)
		return
	}
	defaultLogger.Warn(ctx, message, fields...)
}

func Debug(ctx context.Context, message string, fields ...Fields) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.Debug(ctx, message, fields...)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
