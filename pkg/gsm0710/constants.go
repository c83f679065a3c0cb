// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gsm0710 implements the frame layer of the 3GPP TS 07.10 / 27.010
// multiplexing protocol.
//
// A 07.10 link carries several logical serial channels over one physical
// AT-command serial line. This package provides frame encoding and decoding
// for the Basic and Advanced options, FCS (CRC-8) validation, the
// control-channel command codec, and frame formatting, validation,
// statistics and trace helpers used by diagnostics tools.
package gsm0710

// Mode selects the framing option negotiated with AT+CMUX
type Mode int

// Framing options
const (
	ModeBasic    Mode = 0
	ModeAdvanced Mode = 1
)

// String returns the option name
func (m Mode) String() string {
	switch m {
	case ModeBasic:
		return "basic"
	case ModeAdvanced:
		return "advanced"
	default:
		return "unknown"
	}
}

// Protocol framing bytes
const (
	BasicFlag    = 0xF9
	AdvancedFlag = 0x7E
	EscByte      = 0x7D
	EscXor       = 0x20
)

// Frame size limits
const (
	DefaultFrameSize = 31
	MaxFrameSize     = 32767 // 15-bit Basic length field
	MaxChannels      = 63
	ControlChannel   = 0
)

// Address field bits
const (
	AddressEA = 0x01
	AddressCR = 0x02
)

// FrameType is the control field of a frame with the P/F bit removed
type FrameType uint8

// Frame types
const (
	TypeSABM FrameType = 0x2F // Set Asynchronous Balanced Mode (open)
	TypeUA   FrameType = 0x63 // Unnumbered Acknowledgement
	TypeDM   FrameType = 0x0F // Disconnected Mode
	TypeDISC FrameType = 0x43 // Disconnect (close)
	TypeUIH  FrameType = 0xEF // Unnumbered Information with Header check
	TypeUI   FrameType = 0x03 // Unnumbered Information
)

// PFBit is the poll/final bit of the control field
const PFBit = 0x10

// Known reports whether t is one of the six 07.10 frame types
func (t FrameType) Known() bool {
	switch t {
	case TypeSABM, TypeUA, TypeDM, TypeDISC, TypeUIH, TypeUI:
		return true
	}
	return false
}

// IsInformation reports whether frames of this type carry a payload
func (t FrameType) IsInformation() bool {
	return t == TypeUIH || t == TypeUI
}

// CommandType is the type octet of a control-channel command with the C/R
// bit cleared. The EA bit is always set.
type CommandType uint8

// Control channel command types (27.010 section 5.4.6.3)
const (
	CmdPN    CommandType = 0x81 // DLC parameter negotiation
	CmdPSC   CommandType = 0x41 // Power saving control
	CmdCLD   CommandType = 0xC1 // Multiplexer close down (power-off)
	CmdTest  CommandType = 0x21 // Test
	CmdFCon  CommandType = 0xA1 // Flow control on
	CmdFCoff CommandType = 0x61 // Flow control off
	CmdMSC   CommandType = 0xE1 // Modem status
	CmdNSC   CommandType = 0x11 // Non supported command response
	CmdRPN   CommandType = 0x91 // Remote port negotiation
	CmdRLS   CommandType = 0x51 // Remote line status
	CmdSNC   CommandType = 0xD1 // Service negotiation
)

// CommandCR is the C/R bit in a command type octet; set on commands,
// clear on responses
const CommandCR = 0x02

// V.24 signal bits carried by the modem status command
const (
	SignalEA  = 0x01
	SignalFC  = 0x02 // Flow control
	SignalRTC = 0x04 // DTR (outgoing) / DSR (incoming)
	SignalRTR = 0x08 // RTS (outgoing) / CTS (incoming)
	SignalIC  = 0x40 // Incoming call (ring)
	SignalDV  = 0x80 // Data valid (DCD)
)

// Signal aliases named after the serial lines they drive
const (
	SignalDTR = SignalRTC
	SignalDSR = SignalRTC
	SignalRTS = SignalRTR
	SignalCTS = SignalRTR
	SignalDCD = SignalDV
)

// Default modem status values for a new channel
const (
	DefaultIncomingStatus = SignalDSR | SignalCTS
	DefaultOutgoingStatus = SignalDTR | SignalRTS | SignalDCD | SignalEA
)

// CRC-8 configuration (27.010 annex B, reflected polynomial x^8+x^2+x+1)
const (
	crcPolynomial = 0xE0
	crcInitial    = 0xFF
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateAddress
	stateControl
	stateLength1
	stateLength2
	statePayload
	stateFCS
	stateEnd
	stateAdvanced
)
