// Package runner executes external commands and raw AT traffic on behalf of
// the telephony adapter and the supervisor, normalizing every failure mode
// into the project's "never throws" contract: callers get back a plain
// string and pattern-match it for the leading "Error: " tag instead of
// handling a Go error.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elkir0/homenichat-serv/watchdog/serial"
)

// Runner executes shell commands and raw AT commands. It is an interface so
// the supervisor and telephony adapter can be tested against a scripted
// double instead of a real shell and serial port.
type Runner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) string
	SendATDirect(port, cmd string, timeout time.Duration) string
}

// Shell runs commands through /bin/sh and raw AT commands over a directly
// opened serial port. It holds no state between calls.
type Shell struct {
	logger logrus.FieldLogger
}

// New returns a Shell Runner logging through logger.
func New(logger logrus.FieldLogger) *Shell {
	return &Shell{logger: logger}
}

// Run executes cmd through a shell, returning combined stdout+stderr
// trimmed of surrounding whitespace. It never returns a Go error: failures
// are tagged inline as "Error: <reason>", timeouts as
// "Error: Command timed out after <N>ms".
func (s *Shell) Run(ctx context.Context, cmd string, timeout time.Duration) string {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cctx, "/bin/sh", "-c", cmd)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: Command timed out after %dms", timeout.Milliseconds())
	}
	if err != nil {
		s.logger.WithError(err).WithField("cmd", cmd).Debug("command failed")
		return fmt.Sprintf("Error: %s", strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String())
}

// SendATDirect opens port, writes cmd terminated by CRLF, and reads back
// whatever the modem returns within timeout, stopping early once a read
// comes back empty. It is a single round trip,
// independent of the at package's persistent command-queue engine, for
// one-off diagnostic commands that don't need OK/ERROR framing.
func (s *Shell) SendATDirect(port, cmd string, timeout time.Duration) string {
	p, err := serial.New(serial.WithPort(port), serial.WithReadTimeout(timeout))
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	defer p.Close()

	if _, err := p.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Sprintf("Error: %s", err)
	}

	var resp []byte
	var readErr error
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		resp = append(resp, buf[:n]...)
		if err != nil || n == 0 {
			readErr = err
			break
		}
	}
	if readErr != nil && len(resp) == 0 {
		return fmt.Sprintf("Error: %s", readErr)
	}
	return strings.TrimSpace(string(resp))
}
