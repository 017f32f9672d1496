package utils

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog logger and the file it writes to, if any.
type Logger struct {
	file *os.File
	zerolog.Logger
}

// NewLogger creates a new logger instance. An empty filePath logs to
// stderr in console format.
func NewLogger(filePath, level string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var (
		out  io.Writer
		file *os.File
	)
	if filePath == "" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	} else {
		file, err = os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	return &Logger{
		file:   file,
		Logger: zerolog.New(out).Level(lvl).With().Timestamp().Logger(),
	}, nil
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Close closes the log file
func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
