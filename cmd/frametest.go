// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

var (
	frameTestTimeout int
)

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test connection by waiting for a valid 07.10 frame",
	Long: `Wait for a valid 07.10 frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any valid
frame in the selected framing option. It ignores invalid bytes and waits for
a complete frame that passes the FCS check. Nothing is sent on the link.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking that a modem is already in multiplexer mode.`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	mode, err := frameMode()
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("gsmmux - Frame Test\n")
	fmt.Printf("Connection: %s (%s framing)\n", connInfo, mode)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	decoder := gsm0710.NewDecoder(mode)
	buf := make([]byte, 128)

	frameChan := make(chan *gsm0710.Frame, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		invalidBytes := 0
		for {
			if !conn.WaitForReadyRead(100 * time.Millisecond) {
				continue
			}
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				frame, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					invalidBytes++
					continue
				}
				if frame != nil {
					if invalidBytes > 0 {
						fmt.Printf("(skipped %d invalid frames before sync)\n", invalidBytes)
					}
					frameChan <- frame
					return
				}
			}
		}
	}()

	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", gsm0710.FormatFrameType(frame.Type), frame.Control())
		fmt.Printf("  Channel: %d\n", frame.Channel)
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		fmt.Printf("  FCS: 0x%02X\n", frame.FCS)
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(frameTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
		os.Exit(1)
	}

	return nil
}
