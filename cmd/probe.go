// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/multiplexer"
	"github.com/Thermoquad/gsmmux/pkg/transport"
)

var (
	probeTimeout  int
	probeChannels []int
	probeList     bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Start a multiplexer session and probe which channels the modem accepts",
	Long: `Negotiate multiplexing with AT+CMUX, open the control channel and request
each channel in turn.

Each channel is reported as:
  open     - the modem acknowledged the request (UA)
  refused  - the modem rejected the request (DM)
  silent   - no answer before the timeout

The session is closed down cleanly before exiting, which returns the modem to
AT command mode.

Examples:
  # Probe the default channels on a USB modem
  gsmmux probe --port /dev/ttyUSB2

  # Probe channels 1 to 8 on a modem already in multiplexer mode
  gsmmux probe --port /dev/ttyUSB2 --no-cmux --channels 1,2,3,4,5,6,7,8

  # List serial ports
  gsmmux probe --list

Exit codes:
  0 - At least one channel opened
  1 - No channel opened or multiplexing was refused
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 5, "Timeout in seconds for each channel")
	probeCmd.Flags().IntSliceVar(&probeChannels, "channels", []int{1, 2, 3, 4}, "Channels to request")
	probeCmd.Flags().BoolVar(&probeList, "list", false, "List serial ports and exit")
}

func runProbe(cmd *cobra.Command, args []string) error {
	if probeList {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}
	if serverRole {
		return fmt.Errorf("probe runs in the client role; drop --server")
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	events := make(chan probeEvent, 64)
	mux, err := newMultiplexer(conn, newLogger(), multiplexer.ListenerFuncs{
		OnOpened: func(channel int, c *multiplexer.Channel) {
			events <- probeEvent{channel: channel, opened: true}
		},
		OnClosed: func(channel int, c *multiplexer.Channel) {
			events <- probeEvent{channel: channel}
		},
	})
	if err != nil {
		conn.Close()
		return err
	}
	defer mux.Close()

	fmt.Printf("gsmmux - Channel Probe\n")
	fmt.Printf("Connection: %s (%s framing, frame size %d)\n", connInfo, mux.Mode(), frameSize)
	fmt.Printf("Timeout: %d seconds per channel\n\n", probeTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mux.Startup(ctx); err != nil {
		fmt.Printf("STARTUP FAILED: %v\n", err)
		os.Exit(1)
	}
	go mux.Serve(ctx)

	results := make(map[int]string)
	opened := 0
	for _, ch := range probeChannels {
		fmt.Printf("Channel %d: ", ch)
		if _, err := mux.ChannelByNumber(ch); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			results[ch] = "error"
			continue
		}

		start := time.Now()
		result := waitProbe(events, ch, mux.Done(), time.Duration(probeTimeout)*time.Second)
		results[ch] = result
		switch result {
		case "open":
			opened++
			fmt.Printf("open (%v)\n", time.Since(start).Round(time.Millisecond))
		case "terminated":
			fmt.Printf("session terminated\n")
		default:
			fmt.Printf("%s\n", result)
		}
		if result == "terminated" {
			break
		}
	}

	// Summary
	stats := mux.Stats()
	fmt.Printf("\n--- Probe summary ---\n")
	fmt.Printf("%d channels requested, %d opened\n", len(probeChannels), opened)
	fmt.Printf("%d frames received, %d errors\n", stats.TotalFrames, stats.ErrorCount())

	if opened == 0 {
		os.Exit(1)
	}
	return nil
}

type probeEvent struct {
	channel int
	opened  bool
}

// waitProbe waits for the answer to a channel request
func waitProbe(events <-chan probeEvent, channel int, done <-chan struct{}, timeout time.Duration) string {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.channel != channel {
				continue
			}
			if ev.opened {
				return "open"
			}
			return "refused"
		case <-done:
			return "terminated"
		case <-deadline:
			return "silent"
		}
	}
}
