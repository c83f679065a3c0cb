// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
	"github.com/Thermoquad/gsmmux/pkg/multiplexer"
	"github.com/Thermoquad/gsmmux/pkg/transport"
)

var (
	selfTestBytes   int
	selfTestTimeout int
)

var selfTestCmd = &cobra.Command{
	Use:   "self_test",
	Short: "Run a client and a server multiplexer against each other in memory",
	Long: `Connect a client and a server multiplexer through an in-memory pipe and
exercise a full session: startup, channel open, data in both directions,
modem status, a Test command round trip and close down.

No hardware is needed. --mode and --frame-size apply to both sides.

Exit codes:
  0 - All steps passed
  1 - A step failed`,
	RunE: runSelfTest,
}

func init() {
	rootCmd.AddCommand(selfTestCmd)
	selfTestCmd.Flags().IntVar(&selfTestBytes, "bytes", 4096, "Bytes to transfer in each direction")
	selfTestCmd.Flags().IntVar(&selfTestTimeout, "timeout", 5, "Timeout in seconds for each step")
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	mode, err := frameMode()
	if err != nil {
		return err
	}

	fmt.Printf("gsmmux - Self Test\n")
	fmt.Printf("Framing: %s, frame size %d, %d bytes per direction\n\n", mode, frameSize, selfTestBytes)

	if err := selfTest(mode); err != nil {
		fmt.Printf("Result: FAILED (%v)\n", err)
		os.Exit(1)
	}
	fmt.Printf("Result: PASSED\n")
	return nil
}

func selfTest(mode gsm0710.Mode) error {
	logger := newLogger()
	timeout := time.Duration(selfTestTimeout) * time.Second

	clientEnd, serverEnd := transport.Pipe()
	defer serverEnd.Close()

	accepted := make(chan *multiplexer.Channel, 1)
	server := multiplexer.New(serverEnd, multiplexer.Config{
		Mode:      mode,
		FrameSize: frameSize,
		Server:    true,
		Logger:    logger,
		Listener: multiplexer.ListenerFuncs{
			OnOpened: func(channel int, c *multiplexer.Channel) {
				accepted <- c
			},
		},
	})
	client := multiplexer.New(clientEnd, multiplexer.Config{
		Mode:      mode,
		FrameSize: frameSize,
		Logger:    logger,
	})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	step := func(name string, fn func() error) error {
		start := time.Now()
		fmt.Printf("%-28s", name+"...")
		if err := fn(); err != nil {
			fmt.Printf("FAILED\n")
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Printf("ok (%v)\n", time.Since(start).Round(time.Millisecond))
		return nil
	}

	if err := step("startup", func() error {
		if err := server.Startup(ctx); err != nil {
			return err
		}
		if err := client.Startup(ctx); err != nil {
			return err
		}
		go server.Serve(ctx)
		go client.Serve(ctx)
		return nil
	}); err != nil {
		return err
	}

	var local, remote *multiplexer.Channel
	if err := step("open primary channel", func() error {
		var err error
		if local, err = client.Channel("primary"); err != nil {
			return err
		}
		select {
		case remote = <-accepted:
		case <-time.After(timeout):
			return fmt.Errorf("no SABM seen by server")
		}
		return waitFor(timeout, local.IsEstablished)
	}); err != nil {
		return err
	}

	payload := make([]byte, selfTestBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := step("client to server", func() error {
		return transfer(local, remote, payload, timeout)
	}); err != nil {
		return err
	}
	if err := step("server to client", func() error {
		return transfer(remote, local, payload, timeout)
	}); err != nil {
		return err
	}

	if err := step("modem status", func() error {
		if err := remote.SetRTS(false); err != nil {
			return err
		}
		if err := waitFor(timeout, func() bool { return !local.CTS() }); err != nil {
			return err
		}
		return remote.SetRTS(true)
	}); err != nil {
		return err
	}

	if err := step("test command", func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
		defer pingCancel()
		_, err := client.Ping(pingCtx)
		return err
	}); err != nil {
		return err
	}

	if err := step("close down", func() error {
		if err := client.Close(); err != nil {
			return err
		}
		select {
		case <-server.Done():
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("server did not see close down")
		}
	}); err != nil {
		return err
	}

	stats := server.Stats()
	fmt.Printf("\nServer received %d frames (%d valid, %d errors)\n\n",
		stats.TotalFrames, stats.ValidFrames, stats.ErrorCount())
	return nil
}

// transfer writes data on one channel and reads it back from the other
func transfer(from, to *multiplexer.Channel, data []byte, timeout time.Duration) error {
	go from.Write(data)

	got := make([]byte, 0, len(data))
	buf := make([]byte, 512)
	deadline := time.Now().Add(timeout)
	for len(got) < len(data) {
		if time.Now().After(deadline) {
			return fmt.Errorf("received %d of %d bytes", len(got), len(data))
		}
		if !to.WaitForReadyRead(100 * time.Millisecond) {
			continue
		}
		n, err := to.Read(buf)
		if err != nil {
			return err
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("data mismatch")
	}
	return nil
}

func waitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
