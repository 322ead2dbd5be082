// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package serial_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elkir0/homenichat-serv/watchdog/serial"
)

func TestNewBadPortReturnsError(t *testing.T) {
	m, err := serial.New(serial.WithPort("nosuchmodem-does-not-exist"))
	require.Error(t, err)
	require.Nil(t, m)
}

func TestNewAppliesOptionsWithoutPanicking(t *testing.T) {
	// We can't rely on a real modem being attached in CI, so this only
	// exercises option application and the resulting OpenPort error path.
	_, err := serial.New(
		serial.WithPort("nosuchmodem-does-not-exist"),
		serial.WithBaud(9600),
	)
	require.Error(t, err)
}
