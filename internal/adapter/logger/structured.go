package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ParseLevel accepts logrus names plus the WARNING spelling used in env
// files. Unknown names fall back to info.
func ParseLevel(name string) logrus.Level {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "warning" {
		n = "warn"
	}
	lvl, err := logrus.ParseLevel(n)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// SetLoggerToStructured switches the standard logger to JSON output on
// stderr, teeing into filePath when it can be opened.
func SetLoggerToStructured(level logrus.Level, filePath string) io.Closer {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(level)

	if filePath == "" {
		logrus.SetOutput(os.Stderr)
		return io.NopCloser(nil)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.WithError(err).Error("Could not create file for logging")
		return io.NopCloser(nil)
	}

	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
	return file
}

// Discard returns an entry that writes nowhere.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
