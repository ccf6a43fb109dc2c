// Package logging provides a small component-tagged logger used throughout
// the orchestrator core. It wraps the standard library's log package with
// level filtering and colorized component tags, in the same style the rest
// of the code base uses for its CLI output.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

var levelColor = map[Level]*color.Color{
	Debug: color.New(color.FgCyan),
	Info:  color.New(color.FgGreen),
	Warn:  color.New(color.FgYellow),
	Error: color.New(color.FgRed),
}

// Logger is the interface every orchestrator component depends on.
// Methods take printf-style format strings so call sites read like plain
// log statements.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	// With returns a logger that prefixes every message with key=value.
	With(key string, value any) Logger
}

// ComponentLogger is the concrete Logger implementation. It is safe for
// concurrent use.
type ComponentLogger struct {
	mu      sync.Mutex
	name    string
	fields  string
	minimum Level
	out     io.Writer
	color   bool
}

// Config controls how a ComponentLogger is constructed.
type Config struct {
	ComponentName string
	MinLevel      Level
	Output        io.Writer
	DisableColor  bool
}

// NewComponentLogger builds a Logger tagged with name, logging at Debug
// level and above to stderr by default.
func NewComponentLogger(name string) Logger {
	return NewComponentLoggerWithConfig(Config{ComponentName: name})
}

// NewComponentLoggerWithConfig builds a Logger from an explicit Config.
func NewComponentLoggerWithConfig(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &ComponentLogger{
		name:    cfg.ComponentName,
		minimum: cfg.MinLevel,
		out:     out,
		color:   !cfg.DisableColor,
	}
}

// OrNop returns l if non-nil, otherwise a logger that discards everything.
// Constructors use this so callers never have to nil-check a logger.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

func (c *ComponentLogger) log(level Level, format string, args ...any) {
	if level < c.minimum {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	tag := fmt.Sprintf("[%s]", c.name)
	if c.color {
		tag = levelColor[level].Sprint(tag)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields != "" {
		log.SetOutput(c.out)
		log.Printf("%s level=%s %s %s", tag, level, msg, c.fields)
		return
	}
	log.SetOutput(c.out)
	log.Printf("%s level=%s %s", tag, level, msg)
}

func (c *ComponentLogger) Debug(format string, args ...any) { c.log(Debug, format, args...) }
func (c *ComponentLogger) Info(format string, args ...any)  { c.log(Info, format, args...) }
func (c *ComponentLogger) Warn(format string, args ...any)  { c.log(Warn, format, args...) }
func (c *ComponentLogger) Error(format string, args ...any) { c.log(Error, format, args...) }

func (c *ComponentLogger) With(key string, value any) Logger {
	extra := fmt.Sprintf("%s=%v", key, value)
	fields := extra
	if c.fields != "" {
		fields = c.fields + " " + extra
	}
	return &ComponentLogger{
		name:    c.name,
		fields:  fields,
		minimum: c.minimum,
		out:     c.out,
		color:   c.color,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)     {}
func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) With(string, any) Logger  { return nopLogger{} }
