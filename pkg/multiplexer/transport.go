// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import (
	"fmt"
	"time"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

// Transport is the physical link carrying the multiplexed stream.
//
// Read must not block: it returns (0, nil) when no bytes are waiting.
// Any read error, including io.EOF, ends the session.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// WaitForReadyRead blocks until bytes are available to Read or the
	// timeout expires, and reports whether bytes are available.
	WaitForReadyRead(timeout time.Duration) bool

	// Rate returns the line speed in bits per second, or 0 if unknown
	Rate() int
}

// Chatter sends an AT command on the transport before multiplexing starts
// and waits for its final result. A nil error means the modem answered OK.
type Chatter interface {
	Chat(command string) error
}

// Handler receives protocol events from a Context.
// Callbacks run synchronously inside the Context call that caused them.
type Handler interface {
	OnOpen(channel int)
	OnClose(channel int)
	OnData(channel int, data []byte)
	OnStatus(channel int, status, changed byte)
	OnTerminate()
}

// TestHandler is implemented by handlers that want Test command responses
type TestHandler interface {
	OnTestResponse(pattern []byte)
}

// DefaultPortSpeed is assumed when the transport does not report a rate
const DefaultPortSpeed = 115200

// PortSpeedCode maps a line speed to the AT+CMUX port speed parameter.
// Unknown speeds map to 115200 (code 5).
func PortSpeedCode(rate int) int {
	switch rate {
	case 9600:
		return 1
	case 19200:
		return 2
	case 38400:
		return 3
	case 57600:
		return 4
	case 115200:
		return 5
	case 230400:
		return 6
	default:
		return 5
	}
}

// CMUXCommand builds the AT+CMUX command that starts multiplexing with the
// given framing option, line speed and frame size. The subset is always 0.
func CMUXCommand(mode gsm0710.Mode, rate, frameSize int) string {
	option := 0
	if mode == gsm0710.ModeAdvanced {
		option = 1
	}
	return fmt.Sprintf("AT+CMUX=%d,0,%d,%d", option, PortSpeedCode(rate), frameSize)
}
