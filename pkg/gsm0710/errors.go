// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import (
	"errors"
	"fmt"
)

// Frame-level errors. A decoder that returns one of these has already
// discarded the offending frame and is resynchronising on the next flag.
var (
	ErrChecksum         = errors.New("FCS mismatch")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrFrameTooLarge    = errors.New("frame too large")
)

// FrameError describes a dropped frame
type FrameError struct {
	Err     error // One of the sentinel errors above
	Channel int   // -1 when the address was not decoded
	Control byte
	Detail  string
}

// Error implements the error interface
func (e *FrameError) Error() string {
	msg := e.Err.Error()
	if e.Channel >= 0 {
		msg = fmt.Sprintf("%s on channel %d", msg, e.Channel)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the sentinel error
func (e *FrameError) Unwrap() error {
	return e.Err
}

func frameError(err error, channel int, control byte, format string, args ...interface{}) *FrameError {
	return &FrameError{
		Err:     err,
		Channel: channel,
		Control: control,
		Detail:  fmt.Sprintf(format, args...),
	}
}
