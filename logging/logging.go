// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and an optional rotating file sink.
type Options struct {
	Level  string // trace..panic, default info
	Format string // json | console
	File   string // empty disables the file sink

	// Rotation for File. Zero values use the defaults below.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stdout defaults to os.Stdout; tests swap it.
	Stdout io.Writer
}

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// New returns a logger tagged with service=kaizen. The returned closer
// flushes and closes the file sink and is safe to call when there is none.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		stdout = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.DateTime}
	}

	var (
		out    io.Writer = stdout
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		// The file always gets JSON regardless of the console format.
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefault(opts.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, defaultMaxAgeDays),
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(stdout, file)
		closer = file
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "kaizen").
		Logger()
	return logger, closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
