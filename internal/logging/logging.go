// Package logging configures the process-wide zerolog sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits of the log file.
const (
	MaxSizeMB  = 10
	MaxBackups = 5
)

// Options controls the log sink.
type Options struct {
	File    string // rotating JSON log file, empty disables file output
	JSON    bool   // JSON instead of console output on Console
	Verbose bool
	Quiet   bool
	Console io.Writer
}

// Setup builds the logger and sets the global level. The returned closer
// flushes and closes the rotating file.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	var out io.Writer
	if opts.JSON {
		out = console
	} else {
		cw := zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}
		cw.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		out = cw
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	switch {
	case opts.Quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case opts.Verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
