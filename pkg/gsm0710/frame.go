// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import "time"

// Frame is one decoded or to-be-encoded 07.10 frame
type Frame struct {
	Channel int       // DLCI, 0-63
	Type    FrameType // Control field without the P/F bit
	PF      bool      // Poll/final bit
	Command bool      // C/R bit of the address field
	Payload []byte

	// Set by the decoder
	FCS       byte
	Timestamp time.Time
}

// NewFrame creates a frame with the C/R bit set, as sent by the initiator
func NewFrame(channel int, t FrameType, payload []byte) *Frame {
	return &Frame{
		Channel: channel,
		Type:    t,
		PF:      t == TypeSABM || t == TypeDISC || t == TypeUA || t == TypeDM,
		Command: true,
		Payload: payload,
	}
}

// Address returns the encoded address octet
func (f *Frame) Address() byte {
	a := byte(f.Channel<<2) | AddressEA
	if f.Command {
		a |= AddressCR
	}
	return a
}

// Control returns the encoded control octet
func (f *Frame) Control() byte {
	c := byte(f.Type)
	if f.PF {
		c |= PFBit
	}
	return c
}

// IsControlChannel reports whether the frame belongs to channel 0
func (f *Frame) IsControlChannel() bool {
	return f.Channel == ControlChannel
}

// IsData reports whether the frame carries user data for a channel
func (f *Frame) IsData() bool {
	return f.Type.IsInformation() && f.Channel != ControlChannel
}

// encodeLength returns the Basic-mode EA length field for n bytes
func encodeLength(n int) []byte {
	if n <= 127 {
		return []byte{byte(n<<1) | 0x01}
	}
	return []byte{byte(n << 1), byte(n >> 7)}
}
