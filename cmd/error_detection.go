// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/gsmmux/pkg/gsm0710"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and errors",
	Long: `Track frame errors, malformed data, and anomalous commands with statistics.

This command passively decodes the multiplexed stream and detects:
  - FCS errors, unknown frame types and frames over the size limit
  - Payloads larger than the negotiated frame size
  - Malformed or unsupported control channel commands
  - Statistics and trends (frame rate, error rate, per-channel traffic)

By default, only errors are displayed. Use --show-all to display valid frames too.

Frames are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	mode, err := frameMode()
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(conn, connInfo, mode)
	}
	return runTextMode(conn, connInfo, mode)
}

// frameEvent is one decoder result
type frameEvent struct {
	frame            *gsm0710.Frame
	decodeErr        error
	validationErrors []gsm0710.ValidationError
}

// decodeLink passively decodes frames from a link until it fails. Decode
// errors before the first valid frame are counted, not reported.
func decodeLink(conn Link, mode gsm0710.Mode, onSync func(invalid int), onEvent func(frameEvent)) error {
	decoder := gsm0710.NewDecoder(mode)
	synchronized := false
	invalidBeforeSync := 0
	buf := make([]byte, 256)

	for {
		if !conn.WaitForReadyRead(100 * time.Millisecond) {
			continue
		}
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}

		for _, b := range buf[:n] {
			frame, decodeErr := decoder.DecodeByte(b)

			if decodeErr != nil {
				if synchronized {
					onEvent(frameEvent{decodeErr: decodeErr})
				} else {
					invalidBeforeSync++
				}
				continue
			}
			if frame == nil {
				continue
			}

			if !synchronized {
				synchronized = true
				onSync(invalidBeforeSync)
			}
			onEvent(frameEvent{
				frame:            frame,
				validationErrors: gsm0710.ValidateFrame(frame, frameSize),
			})
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)

	var fe *gsm0710.FrameError
	if errors.As(err, &fe) && fe.Channel >= 0 {
		fmt.Printf("  Channel: %d, Control: 0x%02X\n", fe.Channel, fe.Control)
	}
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *gsm0710.Frame, errs []gsm0710.ValidationError) {
	timestamp := frame.Timestamp.Format("15:04:05.000")
	frameType := gsm0710.FormatFrameType(frame.Type)

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s ch=%d\n", timestamp, frameType, frame.Channel)
	fmt.Printf("  FCS: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case gsm0710.ANOMALY_OVERSIZED_PAYLOAD:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if length, ok := err.Details["length"].(int); ok {
				if limit, ok := err.Details["frame_size"].(int); ok {
					fmt.Printf("    Length: %d, frame size: %d\n", length, limit)
				}
			}

		case gsm0710.ANOMALY_INVALID_COMMAND, gsm0710.ANOMALY_INVALID_MODEM_STATUS:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			fmt.Print(gsm0710.FormatHexDump(frame.Payload, "    "))

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> FRAME FLAGGED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(conn Link, connInfo string, mode gsm0710.Mode) error {
	m := initialModel(connInfo, mode, statsInterval, showAll)
	p := tea.NewProgram(m)

	go func() {
		err := decodeLink(conn, mode,
			func(invalid int) { p.Send(syncMsg{invalidBytes: invalid}) },
			func(ev frameEvent) { p.Send(frameMsg(ev)) },
		)
		p.Send(linkClosedMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(conn Link, connInfo string, mode gsm0710.Mode) error {
	fmt.Printf("gsmmux - Error Detection Mode\n")
	fmt.Printf("Connection: %s (%s framing)\n", connInfo, mode)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := gsm0710.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	events := make(chan frameEvent, 64)
	syncs := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- decodeLink(conn, mode,
			func(invalid int) { syncs <- invalid },
			func(ev frameEvent) { events <- ev },
		)
	}()

	for {
		select {
		case invalid := <-syncs:
			if invalid > 0 {
				fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", invalid)
			} else {
				fmt.Printf("[SYNC] Synchronized\n\n")
			}

		case ev := <-events:
			if ev.decodeErr != nil {
				stats.Update(nil, ev.decodeErr, nil)
				printDecodeError(ev.decodeErr)
				continue
			}

			stats.Update(ev.frame, nil, ev.validationErrors)
			if len(ev.validationErrors) > 0 {
				printValidationErrors(ev.frame, ev.validationErrors)
			} else if showAll {
				fmt.Print(gsm0710.FormatFrame(ev.frame))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case err := <-done:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Printf("Connection closed: %v\n", err)
			return nil
		}
	}
}
