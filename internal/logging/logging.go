/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package logging

import (
	"io"
	"os"
	"sync"

	"github.com/decred/slog"
)

// Subsystem tags used across the daemon.
const (
	SubsystemStream   = "STRM"
	SubsystemRegistry = "REGY"
	SubsystemLoopback = "LOOP"
	SubsystemBridge   = "BRDG"
)

var (
	mu      sync.Mutex
	backend = slog.NewBackend(os.Stderr)
	level   = slog.LevelInfo
	loggers = map[string]slog.Logger{}
)

// SetOutput redirects every logger created afterwards.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	backend = slog.NewBackend(w)
	loggers = map[string]slog.Logger{}
}

// SetLevel parses a level name ("trace", "debug", "info", "warn", "error",
// "critical", "off") and applies it to every subsystem logger. Unknown names
// fall back to info and report false.
func SetLevel(name string) bool {
	lvl, ok := slog.LevelFromString(name)
	if !ok {
		lvl = slog.LevelInfo
	}

	mu.Lock()
	defer mu.Unlock()
	level = lvl
	for _, l := range loggers {
		l.SetLevel(lvl)
	}
	return ok
}

// Logger returns the shared logger for a subsystem tag.
func Logger(subsystem string) slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[subsystem]; ok {
		return l
	}
	l := backend.Logger(subsystem)
	l.SetLevel(level)
	loggers[subsystem] = l
	return l
}
