// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
	"github.com/Thermoquad/gsmmux/pkg/transport"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display 07.10 frames as they arrive.

Each frame is shown with timestamp, channel, frame type and payload. Control
channel commands (MSC, CLD, TEST, ...) are decoded in place.

The link is only listened to; nothing is sent. Combine with --record to keep
a trace that can be played back later with the replay command.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	mode, err := frameMode()
	if err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("gsmmux - Raw Frame Log\n")
	fmt.Printf("Connection: %s (%s framing)\n", connInfo, mode)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := gsm0710.NewDecoder(mode)
	buf := make([]byte, 128)

	for {
		if !conn.WaitForReadyRead(100 * time.Millisecond) {
			continue
		}
		n, err := conn.Read(buf)
		if err != nil {
			// A read error on either transport means the link is gone
			if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Printf("Connection closed")
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		for i := 0; i < n; i++ {
			frame, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if frame != nil {
				fmt.Print(gsm0710.FormatFrame(frame))
			}
		}
	}
}
