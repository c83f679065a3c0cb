// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test a multiplexer session with Test commands",
	Long: `Start a multiplexer session and send Test commands on the control channel.

Each Test command carries a unique pattern that the peer echoes back in its
response. The round trip time is reported for every echo.

This is useful for verifying:
  - The modem accepted AT+CMUX and opened the control channel
  - Frames flow in both directions with the chosen framing option
  - The link latency through the multiplexer

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	mux, err := newMultiplexer(conn, newLogger(), nil)
	if err != nil {
		conn.Close()
		return err
	}
	defer mux.Close()

	fmt.Printf("gsmmux - Ping Test\n")
	fmt.Printf("Connection: %s (%s framing)\n", connInfo, mux.Mode())
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mux.Startup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(2)
	}
	go mux.Serve(ctx)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		pingCtx, pingCancel := context.WithTimeout(ctx, time.Duration(pingTimeout)*time.Second)
		rtt, err := mux.Ping(pingCtx)
		pingCancel()

		if err != nil {
			if pingCtx.Err() != nil {
				fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			} else {
				fmt.Printf("FAILED: %v\n", err)
			}
			failCount++
		} else {
			fmt.Printf("echo on link %s, rtt=%v\n", mux.LinkID(), rtt.Round(time.Millisecond))
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
