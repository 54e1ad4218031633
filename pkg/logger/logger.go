// Package logger provides the structured, leveled logging used across the
// engine, wrapping hashicorp/go-hclog the way the teacher's logger package
// wraps it for its own Logger interface.
package logger

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logger is the narrow surface the engine needs: leveled logging plus
// named sub-loggers for per-worker and per-component scoping.
type Logger interface {
	Trace(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Named(name string) Logger
	With(args ...interface{}) Logger
}

type wrapped struct {
	hl hclog.Logger
}

func (w *wrapped) Trace(msg string, args ...interface{}) { w.hl.Trace(msg, args...) }
func (w *wrapped) Debug(msg string, args ...interface{}) { w.hl.Debug(msg, args...) }
func (w *wrapped) Info(msg string, args ...interface{})  { w.hl.Info(msg, args...) }
func (w *wrapped) Warn(msg string, args ...interface{})  { w.hl.Warn(msg, args...) }
func (w *wrapped) Error(msg string, args ...interface{}) { w.hl.Error(msg, args...) }

func (w *wrapped) Named(name string) Logger {
	return &wrapped{hl: w.hl.Named(name)}
}

func (w *wrapped) With(args ...interface{}) Logger {
	return &wrapped{hl: w.hl.With(args...)}
}

var (
	once sync.Once
	root Logger
)

// New returns a freshly configured root Logger, named "lstack", writing to
// stderr at the requested level.
func New(level string, json bool) Logger {
	return &wrapped{
		hl: hclog.New(&hclog.LoggerOptions{
			Name:       "lstack",
			Level:      hclog.LevelFromString(level),
			Output:     os.Stderr,
			JSONFormat: json,
		}),
	}
}

// Root returns the process-wide default logger, lazily initialized at INFO
// level on first use. Components that are handed an explicit Logger should
// prefer that over Root; Root exists for package-level helpers and tests.
func Root() Logger {
	once.Do(func() {
		root = New("info", false)
	})
	return root
}

// SetRoot overrides the process-wide default logger. Intended for cmd/
// entry points that parse a configured level before any worker starts.
func SetRoot(l Logger) {
	once.Do(func() {})
	root = l
}
