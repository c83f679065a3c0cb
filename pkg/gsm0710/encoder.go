// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import "fmt"

// Encoder encodes frames for one framing option
type Encoder struct {
	mode Mode
}

// NewEncoder creates a new frame encoder
func NewEncoder(mode Mode) *Encoder {
	return &Encoder{mode: mode}
}

// Mode returns the framing option used by the encoder
func (e *Encoder) Mode() Mode {
	return e.mode
}

// Encode encodes a frame to wire format
func (e *Encoder) Encode(f *Frame) ([]byte, error) {
	return EncodeFrame(e.mode, f)
}

// EncodeFrame creates a complete wire-formatted frame, including flags,
// FCS and (in Advanced mode) byte stuffing.
func EncodeFrame(mode Mode, f *Frame) ([]byte, error) {
	if f.Channel < 0 || f.Channel > MaxChannels {
		return nil, fmt.Errorf("invalid channel %d (valid 0-%d)", f.Channel, MaxChannels)
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("cannot encode unknown frame type 0x%02X", byte(f.Type))
	}
	if len(f.Payload) > 0 && !f.Type.IsInformation() {
		return nil, fmt.Errorf("%s frames carry no payload", FormatFrameType(f.Type))
	}
	if len(f.Payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(f.Payload), MaxFrameSize)
	}

	switch mode {
	case ModeBasic:
		return encodeBasic(f), nil
	case ModeAdvanced:
		return encodeAdvanced(f), nil
	default:
		return nil, fmt.Errorf("invalid framing mode %d", mode)
	}
}

// encodeBasic builds F9 | address | control | length | payload | FCS | F9
func encodeBasic(f *Frame) []byte {
	header := make([]byte, 0, 4)
	header = append(header, f.Address(), f.Control())
	header = append(header, encodeLength(len(f.Payload))...)

	frame := make([]byte, 0, len(header)+len(f.Payload)+3)
	frame = append(frame, BasicFlag)
	frame = append(frame, header...)
	frame = append(frame, f.Payload...)
	frame = append(frame, fcsFor(f, header))
	frame = append(frame, BasicFlag)

	return frame
}

// encodeAdvanced builds 7E | stuffed(address | control | payload | FCS) | 7E
func encodeAdvanced(f *Frame) []byte {
	header := []byte{f.Address(), f.Control()}

	data := make([]byte, 0, len(header)+len(f.Payload)+1)
	data = append(data, header...)
	data = append(data, f.Payload...)
	data = append(data, fcsFor(f, header))

	stuffed := StuffBytes(data)

	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, AdvancedFlag)
	frame = append(frame, stuffed...)
	frame = append(frame, AdvancedFlag)

	return frame
}

// fcsFor computes the FCS of a frame. UIH frames and frames without an
// information field check the header only; UI frames also check the payload.
func fcsFor(f *Frame, header []byte) byte {
	if f.Type == TypeUI && len(f.Payload) > 0 {
		checked := make([]byte, 0, len(header)+len(f.Payload))
		checked = append(checked, header...)
		checked = append(checked, f.Payload...)
		return CalculateFCS(checked)
	}
	return CalculateFCS(header)
}

// StuffBytes applies Advanced-mode transparency.
// Flag and escape bytes are replaced with EscByte + (byte XOR EscXor).
func StuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if b == AdvancedFlag || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// UnstuffBytes removes Advanced-mode transparency.
// This is the inverse of StuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
