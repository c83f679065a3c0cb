// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package multiplexer

import "github.com/pkg/errors"

// Session errors. Returned errors wrap one of these; test with errors.Is.
var (
	// ErrNegotiationFailed reports that AT+CMUX was rejected or timed out.
	// The AT session on the transport is still usable without multiplexing.
	ErrNegotiationFailed = errors.New("multiplexing unavailable")

	// ErrProtocolViolation marks peer behaviour that was logged and ignored
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportLost reports a read or write failure on the physical link.
	// The session is terminated when it is returned.
	ErrTransportLost = errors.New("transport lost")

	ErrTerminated         = errors.New("multiplexer session terminated")
	ErrInvalidChannel     = errors.New("invalid channel number")
	ErrChannelNotOpen     = errors.New("channel not open")
	ErrUnknownChannelName = errors.New("unknown channel name")
)
