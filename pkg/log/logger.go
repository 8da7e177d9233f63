// Package log is the structured logger shared by the custodian node and its tools.
//
// Components receive a Logger explicitly, name it after themselves and attach
// key/value context:
//
//	lg := log.NewZapLogger(conf).WithName("channel-service")
//	lg.Info("channel opened", "key", key, "deposit", deposit)
//
// When a logger is stored in a context that carries an OpenTelemetry span,
// it is wrapped so every entry is also recorded as a span event.
package log

// Logger is implemented by ZapLogger, NoopLogger and SpanLogger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs at fatal level; the zap implementation exits the process.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a logger that attaches key/value to every entry.
	WithKV(key string, value any) Logger
	// GetAllKV returns the pairs attached with WithKV, oldest first.
	GetAllKV() []any
	// WithName appends a dot separated segment to the logger name.
	WithName(name string) Logger
	Name() string
	// AddCallerSkip is used by wrappers so the reported caller stays accurate.
	AddCallerSkip(skip int) Logger
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder receives log entries that belong to a trace span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	RecordEvent(name string, keysAndValues ...any)
	// RecordError records the entry and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
