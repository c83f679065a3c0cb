// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Multiplexer flags
	muxMode       string
	frameSize     int
	serverRole    bool
	verboseLog    bool
	traceRecord   string
	chatTimeout   int
	skipNegotiate bool
)

var rootCmd = &cobra.Command{
	Use:   "gsmmux",
	Short: "GSM 07.10 Multiplexer Tool",
	Long: `gsmmux - A CLI tool for running and analyzing GSM 07.10 / 27.010 multiplexer links.

Provides commands for raw frame logging, error detection, channel probing and
an interactive control console for modems that support AT+CMUX.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the GSMMUX_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version: "1.0.0",
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Multiplexer flags
	rootCmd.PersistentFlags().StringVarP(&muxMode, "mode", "m", "basic", "Framing option (basic or advanced)")
	rootCmd.PersistentFlags().IntVar(&frameSize, "frame-size", 31, "Maximum frame payload size")
	rootCmd.PersistentFlags().BoolVar(&serverRole, "server", false, "Act as the modem side of the link")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Log protocol traffic to stderr")
	rootCmd.PersistentFlags().StringVar(&traceRecord, "record", "", "Record raw traffic to a CBOR trace file")
	rootCmd.PersistentFlags().IntVar(&chatTimeout, "chat-timeout", 5, "AT command timeout (seconds)")
	rootCmd.PersistentFlags().BoolVar(&skipNegotiate, "no-cmux", false, "Skip AT+CMUX; the modem is already multiplexing")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
