// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import "fmt"

// Command is one multiplexer control command carried in a UIH frame on the
// control channel: type octet, EA-encoded length, value octets.
type Command struct {
	Type      CommandType // Type octet with the C/R bit cleared
	IsCommand bool        // C/R bit; false for responses
	Value     []byte
}

// NewCommand creates a command (C/R set) of the given type
func NewCommand(t CommandType, value []byte) *Command {
	return &Command{Type: t, IsCommand: true, Value: value}
}

// Response returns the response to c, echoing its value
func (c *Command) Response() *Command {
	return &Command{Type: c.Type, IsCommand: false, Value: c.Value}
}

// TypeOctet returns the encoded type octet including the C/R bit
func (c *Command) TypeOctet() byte {
	t := byte(c.Type) | 0x01
	if c.IsCommand {
		t |= CommandCR
	}
	return t
}

// Encode returns the command in control channel wire format
func (c *Command) Encode() []byte {
	out := make([]byte, 0, len(c.Value)+3)
	out = append(out, c.TypeOctet())
	out = append(out, encodeEALength(len(c.Value))...)
	out = append(out, c.Value...)
	return out
}

// Frame wraps the command in a UIH frame for the control channel
func (c *Command) Frame() *Frame {
	return NewFrame(ControlChannel, TypeUIH, c.Encode())
}

// ParseCommand decodes a control channel payload.
// Trailing bytes after the first command are ignored.
func ParseCommand(data []byte) (*Command, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("command too short: %d bytes", len(data))
	}

	typeOctet := data[0]
	if typeOctet&0x01 == 0 {
		return nil, fmt.Errorf("multi-octet command type 0x%02X not supported", typeOctet)
	}

	length, n, err := decodeEALength(data[1:])
	if err != nil {
		return nil, err
	}

	start := 1 + n
	if len(data)-start < length {
		return nil, fmt.Errorf("command value truncated: have %d bytes, need %d", len(data)-start, length)
	}

	cmd := &Command{
		Type:      CommandType(typeOctet &^ CommandCR),
		IsCommand: typeOctet&CommandCR != 0,
	}
	if length > 0 {
		cmd.Value = append([]byte(nil), data[start:start+length]...)
	}

	return cmd, nil
}

// encodeEALength encodes n as 7-bit groups, least significant first,
// with the EA bit set on the last octet
func encodeEALength(n int) []byte {
	var out []byte
	for {
		b := byte(n&0x7F) << 1
		n >>= 7
		if n == 0 {
			return append(out, b|0x01)
		}
		out = append(out, b)
	}
}

func decodeEALength(data []byte) (length int, n int, err error) {
	shift := 0
	for i, b := range data {
		length |= int(b>>1) << shift
		shift += 7
		if b&0x01 != 0 {
			return length, i + 1, nil
		}
		if shift > 14 {
			break
		}
	}
	return 0, 0, fmt.Errorf("unterminated command length")
}

// Command builders

// NewModemStatus creates an MSC command carrying V.24 signals for a channel.
// The EA bit of the signal octet is always set.
func NewModemStatus(channel int, signals byte) *Command {
	address := byte(channel<<2) | AddressCR | AddressEA
	return NewCommand(CmdMSC, []byte{address, signals | SignalEA})
}

// ModemStatus extracts the channel and signal octet from an MSC command
func (c *Command) ModemStatus() (channel int, signals byte, err error) {
	if c.Type != CmdMSC {
		return 0, 0, fmt.Errorf("not a modem status command: %s", FormatCommandType(c.Type))
	}
	if len(c.Value) < 2 {
		return 0, 0, fmt.Errorf("modem status value too short: %d bytes", len(c.Value))
	}
	return int(c.Value[0] >> 2), c.Value[1], nil
}

// NewTestCommand creates a Test command; the peer echoes the pattern back
func NewTestCommand(pattern []byte) *Command {
	return NewCommand(CmdTest, pattern)
}

// NewCloseDown creates a CLD command, ending multiplexer mode
func NewCloseDown() *Command {
	return NewCommand(CmdCLD, nil)
}

// NewPowerSave creates a PSC command
func NewPowerSave() *Command {
	return NewCommand(CmdPSC, nil)
}

// NewNotSupported creates the NSC response for an unrecognised command
func NewNotSupported(rejected *Command) *Command {
	return &Command{Type: CmdNSC, IsCommand: false, Value: []byte{rejected.TypeOctet()}}
}

// NewFlowControl creates an FCon or FCoff command
func NewFlowControl(on bool) *Command {
	if on {
		return NewCommand(CmdFCon, nil)
	}
	return NewCommand(CmdFCoff, nil)
}
