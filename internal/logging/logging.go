// Package logging builds the logrus loggers handed to every component.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Discard returns a logger that drops everything. Components fall back to
// it when no logger is injected.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New returns the text logger used by the daemon.
func New(level string, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetOutput(out)
	l.SetLevel(lvl)
	return l, nil
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
