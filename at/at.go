// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package at provides a low level driver for driving a modem directly over
// its serial data port using AT commands.
//
// This is used where the telephony engine's own queued CLI is unsuitable —
// specifically by the volte package, which needs reliable OK/ERROR framing
// for "?" queries whose echoed responses the engine's CLI does not surface
// reliably.
package at

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// AT represents a modem that can be driven using AT commands.
// Commands are issued using the Command method. The AT closes the closed
// channel when the connection to the underlying modem is broken (Read
// returns EOF). When closed, all outstanding commands return ErrClosed and
// the state of the underlying modem becomes unknown.
// Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	cmdCh   chan func()
	closed  chan struct{}
	cLines  chan string
	modem   io.ReadWriter
	wgmu    sync.Mutex // covers guarded and wGuard
	guarded bool
	wGuard  <-chan time.Time
}

// New creates a new AT driver over the given connection.
func New(modem io.ReadWriter) *AT {
	a := &AT{
		modem:  modem,
		cmdCh:  make(chan func()),
		cLines: make(chan string),
		closed: make(chan struct{}),
	}
	go lineReader(a.modem, a.cLines)
	go cmdLoop(a.cmdCh, a.cLines, a.closed)
	return a
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Command issues the command to the modem and returns the result.
// The command should NOT include the AT prefix, or <CR><LF> suffix which is
// automatically added.
// The return value includes the info (the lines returned by the modem
// between the command and the status line), and an error which is non-nil
// if the command did not complete successfully.
func (a *AT) Command(ctx context.Context, cmd string) ([]string, error) {
	done := make(chan response)
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.cmdCh <- func() {
		done <- a.processReq(ctx, cmd)
	}:
		rsp := <-done
		return rsp.info, rsp.err
	}
}

// Init initialises the modem into a known state: escaping any outstanding
// operation, resetting to factory defaults and disabling unsolicited
// indications. Intended to be called once after creation and before any
// other command is issued. This is a bare minimum init.
func (a *AT) Init(ctx context.Context) error {
	// escape any outstanding operation then CR to flush the command buffer
	a.modem.Write([]byte(string(27) + "\r\n\r\n"))
	// allow time for response, or at least any residual OK, to propagate and be discarded.
	a.startWriteGuard()

	cmds := []string{
		"Z",       // reset to factory defaults (also clears the escape from the rx buffer)
		"^CURC=0", // disable general indications ^XXXX
	}
	for _, cmd := range cmds {
		_, err := a.Command(ctx, cmd)
		switch err {
		case nil:
		case context.DeadlineExceeded, context.Canceled:
			return err
		default:
			return errors.WithMessage(err, fmt.Sprintf("AT%s returned error", cmd))
		}
	}
	return nil
}

// cmdLoop is responsible for the interface to the modem.
// It serialises the issuing of commands and awaits the responses.
// The cmdLoop terminates when the downstream closes.
func cmdLoop(cmds chan func(), in <-chan string, out chan struct{}) {
	for {
		select {
		case cmd := <-cmds:
			cmd()
		case _, ok := <-in:
			if !ok {
				close(out)
				return
			}
		}
	}
}

func lineReader(m io.Reader, out chan string) {
	scanner := bufio.NewScanner(m)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out) // tell pipeline we're done - end of pipeline will close the AT.
}

func (a *AT) processReq(ctx context.Context, cmd string) response {
	a.waitWriteGuard()
	if err := a.writeCommand(cmd); err != nil {
		return response{err: err}
	}
	cmdID := parseCmdID(cmd)
	var rsp response // populated over potentially multiple lines from the modem
	for {
		select {
		case <-ctx.Done():
			rsp.err = ctx.Err()
			return rsp
		case line, ok := <-a.cLines:
			if !ok {
				return response{err: ErrClosed}
			}
			if line == "" {
				continue
			}
			info, done, err := processRxLine(line, cmdID)
			if info != nil {
				rsp.info = append(rsp.info, *info)
			}
			if err != nil {
				rsp.err = err
				return rsp
			}
			if done {
				return rsp
			}
		}
	}
}

// processRxLine parses a line received from the modem and determines how it
// adds to the response for the current command.
// The return values are:
// - a line of info to be added to the response (optional)
// - a flag indicating if the command is complete.
// - an error detected while processing the command.
func processRxLine(line, cmdID string) (*string, bool, error) {
	switch parseRxLine(line, cmdID) {
	case rxlStatusOK:
		return nil, true, nil
	case rxlStatusError:
		return nil, false, newError(line)
	case rxlEchoCmdLine:
		return nil, false, nil
	default:
		return &line, false, nil
	}
}

// startWriteGuard starts a write guard that prevents a subsequent write
// within a short period of time (20ms).
func (a *AT) startWriteGuard() {
	a.wgmu.Lock()
	a.guarded = true
	a.wGuard = time.After(20 * time.Millisecond)
	a.wgmu.Unlock()
}

// waitWriteGuard waits for a write guard to allow a write to the modem.
func (a *AT) waitWriteGuard() {
	a.wgmu.Lock()
	defer a.wgmu.Unlock()
	if a.guarded {
		for {
			select {
			case _, ok := <-a.cLines:
				if !ok {
					return
				}
			case <-a.wGuard:
				a.guarded = false
				a.wGuard = nil
				return
			}
		}
	}
}

// writeCommand writes a one line command to the modem.
func (a *AT) writeCommand(cmd string) error {
	cmdLine := "AT" + cmd + "\r\n"
	_, err := a.modem.Write([]byte(cmdLine))
	return err
}

// CMEError indicates a CME Error was returned by the modem.
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has been closed.
	ErrClosed = errors.New("closed")
	// ErrError indicates the modem returned a generic AT ERROR in response to an operation.
	ErrError = errors.New("ERROR")
)

// newError parses a line and creates an error corresponding to the content.
func newError(line string) error {
	var err error
	switch {
	case strings.HasPrefix(line, "ERROR"):
		err = ErrError
	case strings.HasPrefix(line, "+CMS ERROR:"):
		err = CMSError(strings.TrimSpace(line[11:]))
	case strings.HasPrefix(line, "+CME ERROR:"):
		err = CMEError(strings.TrimSpace(line[11:]))
	}
	return err
}

// response represents the result of a command issued to the modem.
// info is the collection of lines returned between the command and the
// status line. err corresponds to any error returned by the modem or while
// interacting with the modem.
type response struct {
	info []string
	err  error
}

// Received line types.
type rxl int

const (
	rxlUnknown rxl = iota
	rxlEchoCmdLine
	rxlInfo
	rxlStatusOK
	rxlStatusError
)

// parseCmdID returns the identifier component of the command.
// This is the section prior to any '=' or '?' and is generally, but not
// always, used to prefix info lines corresponding to the command.
func parseCmdID(cmdLine string) string {
	switch idx := strings.IndexAny(cmdLine, "=?"); idx {
	case -1:
		return cmdLine
	default:
		return cmdLine[0:idx]
	}
}

// parseRxLine parses a received line and identifies the line type.
func parseRxLine(line string, cmdID string) rxl {
	switch {
	case line == "OK":
		return rxlStatusOK
	case strings.HasPrefix(line, "ERROR"),
		strings.HasPrefix(line, "+CME ERROR:"),
		strings.HasPrefix(line, "+CMS ERROR:"):
		return rxlStatusError
	case strings.HasPrefix(line, cmdID+":"):
		return rxlInfo
	case strings.HasPrefix(line, "AT"+cmdID):
		return rxlEchoCmdLine
	default:
		return rxlUnknown
	}
}
