// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package log provides shared helpers for structured logging.
package log

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// NewPackageLogger creates a logger carrying the supplied attributes,
// typically the component name of the calling package:
//
//	var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentASN)
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// Output formats supported by Initialize.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures the process-wide default logger.
type Config struct {
	// Severity is the minimum level emitted, one of "debug", "info",
	// "warn" or "error". Defaults to "info".
	Severity string
	// Format is the output format, "text" or "json". Defaults to "text".
	Format string
}

// Initialize configures and installs the process-wide default slog logger.
// Library code never calls this; it belongs to process entry points.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q", s)
}
