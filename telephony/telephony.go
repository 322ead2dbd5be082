// Package telephony wraps the telephony engine's control CLI behind a small
// set of verbs the supervisor needs: querying device status, sending raw AT
// commands through the engine, and managing the engine's driver module and
// service lifecycle.
package telephony

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Runner is the subset of runner.Shell the Adapter needs. Defined here
// (rather than depending on the runner package's concrete type) so callers
// can inject a scripted double in tests.
type Runner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) string
}

// Adapter issues CLI commands to the telephony engine via a Runner. All
// methods inherit the Runner's non-throwing contract: callers detect
// failure by string-matching the result for "Error", "Unable" or
// "No such device".
type Adapter struct {
	runner      Runner
	cliPrefix   string // e.g. "asterisk -rx"
	timeout     time.Duration
	rebootPath  string
}

// New returns an Adapter that issues commands via r, prefixing raw engine
// commands with cliPrefix (e.g. `asterisk -rx`) and bounding every call to
// timeout.
func New(r Runner, cliPrefix string, timeout time.Duration, rebootLogPath string) *Adapter {
	return &Adapter{runner: r, cliPrefix: cliPrefix, timeout: timeout, rebootPath: rebootLogPath}
}

// CLI runs the engine's control CLI with command, combining stdout+stderr.
func (a *Adapter) CLI(ctx context.Context, command string) string {
	return a.runner.Run(ctx, fmt.Sprintf(`%s "%s"`, a.cliPrefix, escapeQuotes(command)), a.timeout)
}

// SendAt issues a raw AT command to modemId through the engine's queued
// CLI. Because the engine's own echo handling is unreliable for "?"
// queries, this is used only for fire-and-forget diagnostic commands; the
// volte package talks to the modem directly over its serial port instead.
func (a *Adapter) SendAt(ctx context.Context, modemID, atCommand string) string {
	cmd := fmt.Sprintf(`quectel cmd %s %s`, modemID, atCommand)
	return a.CLI(ctx, cmd)
}

// ListDevices returns the raw table of registered telephony devices.
func (a *Adapter) ListDevices(ctx context.Context) string {
	return a.CLI(ctx, "quectel show devices")
}

// ModuleReload reloads the engine's driver module.
func (a *Adapter) ModuleReload(ctx context.Context) string {
	return a.CLI(ctx, "module reload chan_quectel")
}

// ModuleUnload unloads the engine's driver module.
func (a *Adapter) ModuleUnload(ctx context.Context) string {
	return a.CLI(ctx, "module unload chan_quectel")
}

// ModuleLoad loads the engine's driver module.
func (a *Adapter) ModuleLoad(ctx context.Context) string {
	return a.CLI(ctx, "module load chan_quectel")
}

// RestartService restarts the telephony engine's host service.
func (a *Adapter) RestartService(ctx context.Context, serviceName string) string {
	return a.runner.Run(ctx, fmt.Sprintf("systemctl restart %s", serviceName), a.timeout)
}

// RebootHost schedules an immediate host reboot and appends a timestamped
// reason line to the dedicated reboot-reason log before doing so.
func (a *Adapter) RebootHost(ctx context.Context, reason string) string {
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	appendCmd := fmt.Sprintf(`printf '%%s' %s >> %s`, shellQuote(line), a.rebootPath)
	if out := a.runner.Run(ctx, appendCmd, a.timeout); strings.HasPrefix(out, "Error") {
		return out
	}
	return a.runner.Run(ctx, "shutdown -r now", a.timeout)
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
