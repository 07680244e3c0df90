// Package log is the process-wide logger used by every querypilot package.
// It wraps charmbracelet/log so call sites keep the printf-style helpers.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

var (
	mu     sync.RWMutex
	logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           charmlog.InfoLevel,
	})
)

// Init configures the default logger with the application prefix.
func Init(prefix string) error {
	return InitWithWriter(prefix, os.Stderr)
}

// InitWithWriter is Init with an explicit destination, used by tests.
func InitWithWriter(prefix string, w io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	level := charmlog.InfoLevel
	if logger != nil {
		level = logger.GetLevel()
	}
	logger = charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          prefix,
		Level:           level,
	})
	return nil
}

// SetLevel parses a textual level ("debug", "info", "warn", "error").
// Unknown levels leave the current level untouched and return the parse error.
func SetLevel(level string) error {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	logger.SetLevel(lvl)
	mu.Unlock()
	return nil
}

// Logger returns a child logger tagged with a component prefix.
func Logger(component string) *charmlog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithPrefix(component)
}

func current() *charmlog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { current().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { current().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }
