// Package logging builds the component loggers used across feedsyncd.
// Every component logs through a std log.Logger with a "[component] "
// prefix; in serve mode output can go to a size-rotated file instead
// of stderr.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the shared log destination.
type Options struct {
	// File enables rotating file output when non-empty
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu   sync.Mutex
	dest io.Writer = os.Stderr
)

// Configure sets the shared destination for loggers created afterwards.
// Call it once at startup, before building component loggers.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	if opts.File == "" {
		dest = os.Stderr
		return
	}

	dest = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// Component returns a logger prefixed with the component name,
// writing to the configured destination.
func Component(name string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log.New(dest, "["+name+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
