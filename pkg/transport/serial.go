// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// Serial is a serial port transport
type Serial struct {
	*pump
	port serial.Port
	name string
	rate int
}

// OpenSerial opens a serial port at 8N1
func OpenSerial(portName string, baudRate int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return &Serial{
		pump: startPump(port),
		port: port,
		name: portName,
		rate: baudRate,
	}, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Rate returns the configured baud rate
func (s *Serial) Rate() int {
	return s.rate
}

// Name returns the port device name
func (s *Serial) Name() string {
	return s.name
}

// SetDTR drives the physical DTR line, which many modems require before
// they answer AT commands
func (s *Serial) SetDTR(on bool) error {
	return s.port.SetDTR(on)
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// ListPorts returns the serial ports present on the system
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
