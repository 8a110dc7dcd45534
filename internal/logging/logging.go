// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Level string
	// Format is "console" (default) or "json".
	Format string
	// File, when set, receives JSON lines in addition to stdout.
	File string
}

var (
	mu   sync.Mutex
	file *os.File
)

// Setup replaces log.Logger. Calling it again closes the previous log file.
func Setup(o Options) error {
	return setup(o, os.Stdout)
}

func setup(o Options, stdout io.Writer) error {
	lvl, err := ParseLevel(o.Level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}

	zerolog.TimeFieldFormat = time.RFC3339
	writers := make([]io.Writer, 0, 2)
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "", "console":
		writers = append(writers, zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339})
	case "json":
		writers = append(writers, stdout)
	default:
		return fmt.Errorf("unknown log format %q", o.Format)
	}
	if path := strings.TrimSpace(o.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, zerolog.SyncWriter(f))
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// SetLevel changes the global level without touching outputs.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// ParseLevel accepts zerolog level names in any case; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}
