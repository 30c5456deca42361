// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mercury

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker creates a new LoggerMaker from the provided io.Writer and
// debug level string. The debug level string can specify a single verbosity
// for the entire system: "trace", "debug", "info", "warn", "error", "critical".
// It can also specify per-subsystem levels: "COMM=debug,SWAP=trace".
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	var flags uint32
	if utc {
		flags |= slog.LUTC
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, slog.WithFlags(flags)),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelDebug,
	}

	// When the specified string has no delimiters, treat it as the log level
	// for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Split the specified string into subsystem/level pairs and validate each.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid subsystem/level pair %q", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", logLevel)
		}
		lm.Levels[subsysID] = lvl
	}
	return lm, nil
}

// SetLevelsFromMap sets log levels from the provided map, without clobbering
// levels that were set explicitly from the debug level string.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for name, lvl := range lvls {
		if _, set := lm.Levels[name]; !set {
			lm.Levels[name] = lvl
		}
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise any level from
// the Levels map is used, falling back to the DefaultLevel.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	} else if l, found := lm.Levels[name]; found {
		lvl = l
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StandardLogger creates a Logger writing to the given writer at the debug
// level. Intended for tests and tools.
func StandardLogger(name string, writer io.Writer) Logger {
	lm, _ := NewLoggerMaker(writer, "debug", false)
	return lm.NewLogger(name)
}
