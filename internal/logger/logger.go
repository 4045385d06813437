package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"detectserver/internal/config"

	"github.com/sirupsen/logrus"
)

// Logger provides leveled logging (debug/info/warning/error) to stdout and to
// one file per level in the log directory.
type Logger struct {
	entry  *logrus.Logger
	logDir string
	files  []*os.File
}

var levelFiles = map[logrus.Level]string{
	logrus.InfoLevel:  "info.log",
	logrus.WarnLevel:  "warning.log",
	logrus.ErrorLevel: "error.log",
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(config *config.Config) *Logger {
	if err := os.MkdirAll(config.LogDirectory, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	l := &Logger{
		entry:  logrus.New(),
		logDir: config.LogDirectory,
	}
	l.entry.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.entry.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.entry.SetLevel(level)

	hook := &fileHook{
		writers:   make(map[logrus.Level]io.Writer),
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
	}
	for lvl, name := range levelFiles {
		file := l.openLogFile(filepath.Join(l.logDir, name))
		l.files = append(l.files, file)
		hook.writers[lvl] = file
	}
	l.entry.AddHook(hook)

	return l
}

// NewDiscard returns a Logger that drops everything. Used by tests and tools.
func NewDiscard() *Logger {
	entry := logrus.New()
	entry.SetOutput(io.Discard)
	return &Logger{entry: entry}
}

// openLogFile opens or creates a log file for appending.
func (l *Logger) openLogFile(filename string) *os.File {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file %s: %v", filename, err)
	}
	return file
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// WithFields returns a structured entry for call sites that log key/value data.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields(fields))
}

// Directory returns the directory holding the per-level log files.
func (l *Logger) Directory() string {
	return l.logDir
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) error {
	if l.logDir == "" {
		return nil
	}
	filePath := filepath.Join(l.logDir, filepath.Base(fileName))
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		l.Error("Error opening file: %v", err)
		return err
	}
	defer file.Close()

	l.Info("File %s has been cleared.", fileName)
	return nil
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}

// fileHook copies entries of the configured levels into their own files.
// Warnings and errors only land in their own file, not in info.log.
type fileHook struct {
	writers   map[logrus.Level]io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(h.writers))
	for lvl := range h.writers {
		levels = append(levels, lvl)
	}
	return levels
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	w, ok := h.writers[e.Level]
	if !ok {
		return nil
	}
	line, err := h.formatter.Format(e)
	if err != nil {
		return fmt.Errorf("format log entry: %w", err)
	}
	_, err = w.Write(line)
	return err
}
