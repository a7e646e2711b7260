package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Severity of a log message delivered to the sink.
type Severity int

const (
	Trace Severity = iota
	Debug
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// slog has no trace/fatal levels; these sit just outside debug/error.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelFatal = slog.LevelError + 4
)

// Level maps a Severity to its slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case Trace:
		return LevelTrace
	case Debug:
		return slog.LevelDebug
	case Info:
		return slog.LevelInfo
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return LevelFatal
	}
}

// SeverityOf maps a slog level back to the closest Severity.
func SeverityOf(l slog.Level) Severity {
	switch {
	case l < slog.LevelDebug:
		return Trace
	case l < slog.LevelInfo:
		return Debug
	case l < slog.LevelWarn:
		return Info
	case l < slog.LevelError:
		return Warning
	case l < LevelFatal:
		return Error
	default:
		return Fatal
	}
}

// Sink receives every formatted log message. Exactly one sink is active.
type Sink func(Severity, string)

// output is the active sink plus the lowest level it still wants.
type output struct {
	sink Sink
	min  slog.Level
}

// Global sink and the structured logger that renders into it.
var (
	current atomic.Pointer[output]
	logger  atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(&output{sink: Default(), min: slog.LevelWarn})
	logger.Store(slog.New(&sinkHandler{}))
}

// L returns the global structured logger. Records are rendered and forwarded
// to the current sink.
func L() *slog.Logger { return logger.Load() }

// CurrentSink returns the active sink.
func CurrentSink() Sink { return current.Load().sink }

// Enabled reports whether the current sink wants messages of severity sev.
func Enabled(sev Severity) bool { return sev.Level() >= current.Load().min }

// SetSink atomically replaces the sink; it receives every severity. A nil
// sink is ignored and reported.
func SetSink(s Sink) bool { return SetSinkLevel(s, Trace) }

// SetSinkLevel replaces the sink and drops messages below floor before they
// are formatted.
func SetSinkLevel(s Sink, floor Severity) bool {
	if s == nil {
		return false
	}
	current.Store(&output{sink: s, min: floor.Level()})
	return true
}

// Logf formats and forwards a message to the current sink.
func Logf(sev Severity, format string, args ...any) {
	o := current.Load()
	if sev.Level() < o.min {
		return
	}
	o.sink(sev, fmt.Sprintf(format, args...))
}

// Set routes the sink into an existing slog logger (used by the CLI, which
// chooses format and level). The sink threshold follows l's handler.
func Set(l *slog.Logger) {
	if l == nil {
		return
	}
	floor := Fatal
	for sev := Trace; sev < Fatal; sev++ {
		if l.Enabled(context.Background(), sev.Level()) {
			floor = sev
			break
		}
	}
	SetSinkLevel(FromSlog(l), floor)
}

// FromSlog adapts a slog logger into a Sink.
func FromSlog(l *slog.Logger) Sink {
	return func(sev Severity, msg string) {
		l.Log(context.Background(), sev.Level(), msg)
	}
}

// Default returns the built-in sink: text on stderr, Warning and above.
func Default() Sink {
	return FromSlog(New("text", slog.LevelWarn, os.Stderr))
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: levelNames}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func levelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lv, ok := a.Value.Any().(slog.Level); ok && (lv < slog.LevelDebug || lv >= LevelFatal) {
			a.Value = slog.StringValue(SeverityOf(lv).String())
		}
	}
	return a
}

// sinkHandler renders records as "msg k=v ..." and hands them to the sink.
type sinkHandler struct {
	pre    string // attrs bound through WithAttrs, already rendered
	prefix string // dotted group path
}

func (h *sinkHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= current.Load().min
}

func (h *sinkHandler) Handle(_ context.Context, r slog.Record) error {
	o := current.Load()
	if r.Level < o.min {
		return nil
	}
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool { renderAttr(&b, h.prefix, a); return true })
	o.sink(SeverityOf(r.Level), b.String())
	return nil
}

func renderAttr(b *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.Resolve().String())
}

func (h *sinkHandler) WithAttrs(as []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range as {
		renderAttr(&b, h.prefix, a)
	}
	return &sinkHandler{pre: b.String(), prefix: h.prefix}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	p := name
	if h.prefix != "" {
		p = h.prefix + "." + name
	}
	return &sinkHandler{pre: h.pre, prefix: p}
}
