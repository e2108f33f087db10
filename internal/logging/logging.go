// Package logging initializes the process-wide go-logging backend used
// by every other package's per-package logger, trimmed from please's
// src/cli/logging.go down to what a single-binary CLI needs: one
// formatted stderr backend at a configurable verbosity, no ANSI-stripping
// or file-backend layering (this repo has no long-running daemon mode to
// justify a separate log file).
package logging

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Init sets the verbosity of every go-logging logger in the process and
// installs a single formatted stderr backend, mirroring please's
// InitLogging(verbosity).
func Init(level logging.Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, formatter())
	logging.SetBackend(formatted)
	logging.SetLevel(level, "")
}

func formatter() logging.Formatter {
	return logging.MustStringFormatter("%{time:15:04:05.000} %{level:7s} %{module}: %{message}")
}

// ParseLevel resolves a verbosity count (as collected by e.g. repeated
// -v flags) into a go-logging Level, 0 meaning the default (warning).
func ParseLevel(verbosity int) logging.Level {
	switch {
	case verbosity <= 0:
		return logging.WARNING
	case verbosity == 1:
		return logging.NOTICE
	case verbosity == 2:
		return logging.INFO
	default:
		return logging.DEBUG
	}
}
