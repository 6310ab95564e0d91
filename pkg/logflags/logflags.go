// Package logflags provides leveled, field-tagged loggers for every layer
// of the server (wire protocol, execution control, dispatcher, osdata),
// all gated by a single numeric verbosity passed in at construction
// instead of a package-level global.
package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level mirrors the --debug-level CLI flag (spec.md §6.1). Higher values
// enable more layers; there is no per-layer opt-out, matching the
// original e-server's single verbosity knob.
type Level int

const (
	LevelNone Level = iota
	LevelServer
	LevelControl
	LevelWire
)

func (s *Set) makeLogger(enabled bool, fields logrus.Fields) *logrus.Entry {
	base := logrus.New()
	if s.out != nil {
		base.Out = s.out
	}
	logger := base.WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !enabled {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Set configures which layers log at their normal level, derived from a
// single verbosity so callers never touch package globals directly.
type Set struct {
	level Level
	out   io.Writer
}

// New builds a logging Set for the given verbosity, logging to each
// logger's logrus default (os.Stderr) unless SetOutput overrides it.
func New(level Level) *Set {
	return &Set{level: level}
}

// SetOutput redirects every logger this Set hands out to w, e.g.
// cmd/esrv's color-aware console writer (spec.md §6.1's --debug-level).
func (s *Set) SetOutput(w io.Writer) {
	s.out = w
}

// GdbWire returns a logger for the raw RSP packet exchange (pkg/rsp).
func (s *Set) GdbWire() *logrus.Entry {
	return s.makeLogger(s.level >= LevelWire, logrus.Fields{"layer": "rsp"})
}

// Control returns a logger for halt/resume/step orchestration (pkg/control).
func (s *Set) Control() *logrus.Entry {
	return s.makeLogger(s.level >= LevelControl, logrus.Fields{"layer": "control"})
}

// Server returns a logger for the RSP command dispatcher (pkg/server).
func (s *Set) Server() *logrus.Entry {
	return s.makeLogger(s.level >= LevelServer, logrus.Fields{"layer": "server"})
}

// OSData returns a logger for the qXfer:osdata providers.
func (s *Set) OSData() *logrus.Entry {
	return s.makeLogger(s.level >= LevelServer, logrus.Fields{"layer": "osdata"})
}
