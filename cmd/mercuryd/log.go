// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"github.com/mappum/mercury/mercury"
)

const maxLogRolls = 16

// logWriter outputs to the rotating log file and, optionally, stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// initLogging sets up the rotating log file and returns the logger maker and
// a close function for shutdown.
func initLogging(logFilename, lvl string, stdout, utc bool) (*mercury.LoggerMaker, func()) {
	if err := os.MkdirAll(filepath.Dir(logFilename), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
	lm, err := mercury.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl, utc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return lm, func() { logRotator.Close() }
}
