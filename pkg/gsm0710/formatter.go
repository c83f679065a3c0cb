// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	frameType := FormatFrameType(f.Type)

	result := fmt.Sprintf("[%s] %s ch=%d pf=%d cr=%d len=%d fcs=0x%02X\n",
		timestamp, frameType, f.Channel, boolBit(f.PF), boolBit(f.Command), len(f.Payload), f.FCS)

	if !f.Type.IsInformation() || len(f.Payload) == 0 {
		return result
	}

	if f.IsControlChannel() {
		cmd, err := ParseCommand(f.Payload)
		if err != nil {
			result += fmt.Sprintf("  Invalid command: %v\n", err)
			result += FormatHexDump(f.Payload, "  ")
			return result
		}
		result += "  " + FormatCommand(cmd) + "\n"
		return result
	}

	result += FormatHexDump(f.Payload, "  ")
	return result
}

// FormatFrameType returns the human-readable name for a frame type
func FormatFrameType(t FrameType) string {
	switch t {
	case TypeSABM:
		return "SABM"
	case TypeUA:
		return "UA"
	case TypeDM:
		return "DM"
	case TypeDISC:
		return "DISC"
	case TypeUIH:
		return "UIH"
	case TypeUI:
		return "UI"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// FormatCommandType returns the human-readable name for a command type
func FormatCommandType(t CommandType) string {
	switch t {
	case CmdPN:
		return "PN"
	case CmdPSC:
		return "PSC"
	case CmdCLD:
		return "CLD"
	case CmdTest:
		return "TEST"
	case CmdFCon:
		return "FCON"
	case CmdFCoff:
		return "FCOFF"
	case CmdMSC:
		return "MSC"
	case CmdNSC:
		return "NSC"
	case CmdRPN:
		return "RPN"
	case CmdRLS:
		return "RLS"
	case CmdSNC:
		return "SNC"
	default:
		return fmt.Sprintf("CMD(0x%02X)", byte(t))
	}
}

// FormatCommand formats a control channel command on one line
func FormatCommand(c *Command) string {
	kind := "cmd"
	if !c.IsCommand {
		kind = "rsp"
	}

	result := fmt.Sprintf("%s %s", FormatCommandType(c.Type), kind)

	switch c.Type {
	case CmdMSC:
		if channel, signals, err := c.ModemStatus(); err == nil {
			return result + fmt.Sprintf(" ch=%d signals=0x%02X [%s]", channel, signals, FormatSignals(signals))
		}
	case CmdNSC:
		if len(c.Value) > 0 {
			return result + fmt.Sprintf(" rejected=%s", FormatCommandType(CommandType(c.Value[0]&^CommandCR)))
		}
	}

	if len(c.Value) > 0 {
		result += " value=" + FormatHex(c.Value)
	}
	return result
}

// FormatSignals returns the names of the V.24 signals set in a status octet
func FormatSignals(signals byte) string {
	var names []string
	if signals&SignalFC != 0 {
		names = append(names, "FC")
	}
	if signals&SignalRTC != 0 {
		names = append(names, "RTC")
	}
	if signals&SignalRTR != 0 {
		names = append(names, "RTR")
	}
	if signals&SignalIC != 0 {
		names = append(names, "IC")
	}
	if signals&SignalDV != 0 {
		names = append(names, "DV")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, " ")
}

// FormatHex returns bytes as space-separated hex
func FormatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// FormatHexDump returns a 16-bytes-per-line hex and ASCII dump
func FormatHexDump(data []byte, indent string) string {
	var sb strings.Builder

	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[offset:end]

		fmt.Fprintf(&sb, "%s%04X  %-47s  ", indent, offset, FormatHex(line))
		for _, b := range line {
			if b >= 0x20 && b < 0x7F {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}

	return sb.String()
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}
