// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes, for diagnosing modem sessions without needing a logic analyser
// on the serial line.
package trace

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Trace is a trace log on an io.ReadWriter.
// All reads and writes are logged via the configured logrus.FieldLogger.
type Trace struct {
	rw     io.ReadWriter
	logger logrus.FieldLogger
	wfmt   string
	rfmt   string
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter. By default it logs to
// logrus's standard logger.
func New(rw io.ReadWriter, opts ...Option) *Trace {
	t := &Trace{rw: rw, logger: logrus.StandardLogger(), wfmt: "w: %s", rfmt: "r: %s"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithLogger sets the logger used to record reads and writes.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Trace) {
		t.logger = l
	}
}

// WithReadFormat sets the format used for read logs.
func WithReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WithWriteFormat sets the format used for write logs.
func WithWriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.logger.Printf(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.logger.Printf(t.wfmt, p[:n])
	}
	return n, err
}
