// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gsm0710

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	ANOMALY_OVERSIZED_PAYLOAD AnomalyType = iota
	ANOMALY_UNEXPECTED_PAYLOAD
	ANOMALY_INVALID_COMMAND
	ANOMALY_UNSUPPORTED_COMMAND
	ANOMALY_INVALID_MODEM_STATUS
	ANOMALY_INVALID_CHANNEL
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame checks a decoded frame against the negotiated frame size
// and the control channel command rules.
// Returns a slice of validation errors (empty if the frame is valid)
func ValidateFrame(f *Frame, frameSize int) []ValidationError {
	errors := []ValidationError{}

	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	if f.Channel > MaxChannels {
		errors = append(errors, ValidationError{
			Type:    ANOMALY_INVALID_CHANNEL,
			Message: fmt.Sprintf("Channel %d out of range (max %d)", f.Channel, MaxChannels),
			Details: map[string]interface{}{"channel": f.Channel, "max": MaxChannels},
		})
	}

	if !f.Type.IsInformation() && len(f.Payload) > 0 {
		errors = append(errors, ValidationError{
			Type:    ANOMALY_UNEXPECTED_PAYLOAD,
			Message: fmt.Sprintf("%s frame carries %d payload bytes", FormatFrameType(f.Type), len(f.Payload)),
			Details: map[string]interface{}{"type": FormatFrameType(f.Type), "length": len(f.Payload)},
		})
	}

	if len(f.Payload) > frameSize {
		errors = append(errors, ValidationError{
			Type:    ANOMALY_OVERSIZED_PAYLOAD,
			Message: fmt.Sprintf("Payload length %d exceeds frame size %d", len(f.Payload), frameSize),
			Details: map[string]interface{}{"length": len(f.Payload), "frame_size": frameSize},
		})
	}

	if f.IsControlChannel() && f.Type == TypeUIH {
		errors = append(errors, validateCommand(f)...)
	}

	return errors
}

// validateCommand validates a control channel command frame
func validateCommand(f *Frame) []ValidationError {
	cmd, err := ParseCommand(f.Payload)
	if err != nil {
		return []ValidationError{{
			Type:    ANOMALY_INVALID_COMMAND,
			Message: fmt.Sprintf("Invalid control command: %v", err),
			Details: map[string]interface{}{"payload": FormatHex(f.Payload)},
		}}
	}

	switch cmd.Type {
	case CmdMSC:
		channel, _, err := cmd.ModemStatus()
		if err != nil {
			return []ValidationError{{
				Type:    ANOMALY_INVALID_MODEM_STATUS,
				Message: fmt.Sprintf("Invalid modem status: %v", err),
				Details: map[string]interface{}{"value": FormatHex(cmd.Value)},
			}}
		}
		if channel == ControlChannel {
			return []ValidationError{{
				Type:    ANOMALY_INVALID_MODEM_STATUS,
				Message: "Modem status addressed to the control channel",
				Details: map[string]interface{}{"channel": channel},
			}}
		}
	case CmdPN, CmdPSC, CmdCLD, CmdTest, CmdFCon, CmdFCoff, CmdNSC, CmdRPN, CmdRLS, CmdSNC:
	default:
		return []ValidationError{{
			Type:    ANOMALY_UNSUPPORTED_COMMAND,
			Message: fmt.Sprintf("Unsupported command type 0x%02X", byte(cmd.Type)),
			Details: map[string]interface{}{"type": byte(cmd.Type)},
		}}
	}

	return nil
}
