package softphone

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Field поле структурированного лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value.String()} }
func Err(err error) Field                            { return Field{"error", err.Error()} }

// StructuredLogger интерфейс структурированного логирования движка
type StructuredLogger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithComponent возвращает логгер с привязанным компонентом
	WithComponent(component string) StructuredLogger

	// WithFields возвращает логгер с постоянными полями
	WithFields(fields ...Field) StructuredLogger

	// SetLevel управляет порогом логирования
	SetLevel(level LogLevel)
}

// logEntry запись лога в JSON
type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// DefaultLogger JSON-логгер по умолчанию
type DefaultLogger struct {
	mu        sync.Mutex
	level     LogLevel
	output    io.Writer
	component string
	fields    map[string]interface{}
}

// NewDefaultLogger создает логгер с выводом в stderr
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return &DefaultLogger{
		level:  level,
		output: os.Stderr,
	}
}

// NewLoggerWithOutput создает логгер с заданным выводом
func NewLoggerWithOutput(level LogLevel, output io.Writer) *DefaultLogger {
	return &DefaultLogger{
		level:  level,
		output: output,
	}
}

// NopLogger возвращает логгер, отбрасывающий все записи
func NopLogger() StructuredLogger {
	return &DefaultLogger{level: LogLevelError + 1, output: io.Discard}
}

func (l *DefaultLogger) Debug(msg string, fields ...Field) { l.log(LogLevelDebug, msg, fields) }
func (l *DefaultLogger) Info(msg string, fields ...Field)  { l.log(LogLevelInfo, msg, fields) }
func (l *DefaultLogger) Warn(msg string, fields ...Field)  { l.log(LogLevelWarn, msg, fields) }
func (l *DefaultLogger) Error(msg string, fields ...Field) { l.log(LogLevelError, msg, fields) }

// WithComponent возвращает копию логгера с компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	clone := l.clone()
	clone.component = component
	return clone
}

// WithFields возвращает копию логгера с постоянными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	clone := l.clone()
	for _, f := range fields {
		clone.fields[f.Key] = f.Value
	}
	return clone
}

// SetLevel устанавливает порог логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *DefaultLogger) clone() *DefaultLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &DefaultLogger{
		level:     l.level,
		output:    l.output,
		component: l.component,
		fields:    fields,
	}
}

func (l *DefaultLogger) log(level LogLevel, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	entry := logEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
	}
	if len(l.fields) > 0 || len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields)+len(fields))
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)
}
